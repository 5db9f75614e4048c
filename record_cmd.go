package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/beingfastian/APD-Listener-Tool/capture"
	"github.com/beingfastian/APD-Listener-Tool/channel"
	"github.com/beingfastian/APD-Listener-Tool/config"
	"github.com/beingfastian/APD-Listener-Tool/session"
	"github.com/beingfastian/APD-Listener-Tool/tui"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a procedure from the microphone",
	Long: `Record captures microphone audio, streams it to the backend for a
live transcript, and on save turns the recording into a job with
step-by-step audio.`,
	Run: runRecord,
}

func init() {
	recordCmd.Flags().Int("slice-ms", 1000, "Audio slice interval in milliseconds")
	viper.BindPFlag(config.KeySliceMs, recordCmd.Flags().Lookup("slice-ms"))
}

func runRecord(cmd *cobra.Command, args []string) {
	mainLogger, micLogger, liveLogger, _ := createLoggers()

	serverURL := viper.GetString(config.KeyServerURL)
	sliceInterval := time.Duration(viper.GetInt(config.KeySliceMs)) * time.Millisecond

	controller := session.NewController(
		func() capture.Source {
			return capture.NewMicrophone(capture.Config{
				SliceInterval: sliceInterval,
			}, micLogger)
		},
		func() channel.Channel {
			return channel.NewWSChannel(serverURL, liveLogger)
		},
		channel.NewHTTPFinalizer(serverURL, liveLogger),
		session.Config{
			SliceInterval:      sliceInterval,
			MinDuration:        time.Duration(viper.GetInt(config.KeyMinDurationMs)) * time.Millisecond,
			MinTranscriptChars: viper.GetInt(config.KeyMinTranscriptChars),
			StopAckTimeout:     viper.GetDuration(config.KeyStopAckTimeout),
			FinalizeTimeout:    viper.GetDuration(config.KeyFinalizeTimeout),
		},
		mainLogger,
	)
	defer controller.Close()

	if err := tui.Run(controller); err != nil {
		mainLogger.Fatal("recording screen", "error", err)
	}

	if job := controller.Job(); job != nil {
		mainLogger.Info("saved", "job", job.ID,
			"instructions", len(job.Instructions))
	}
}
