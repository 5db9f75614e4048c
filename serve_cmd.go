package main

import (
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/beingfastian/APD-Listener-Tool/config"
	"github.com/beingfastian/APD-Listener-Tool/server"
	"github.com/beingfastian/APD-Listener-Tool/stt"
	"github.com/beingfastian/APD-Listener-Tool/transcribe"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recording backend",
	Long: `Serve runs the backend the recorder talks to: the live session
websocket, the job API, and artifact serving.`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().String("webhook-url", "", "POST completed jobs to this URL")
	viper.BindPFlag(config.KeyPort, serveCmd.Flags().Lookup("port"))
	viper.BindPFlag(config.KeyWebhookURL, serveCmd.Flags().Lookup("webhook-url"))
}

func runServe(cmd *cobra.Command, args []string) {
	mainLogger, _, liveLogger, jobsLogger := createLoggers()

	if err := config.ValidateServe(); err != nil {
		mainLogger.Fatal("configuration", "error", err)
	}

	jobs, err := openStore(jobsLogger)
	if err != nil {
		mainLogger.Fatal("open job store", "error", err)
	}
	defer jobs.Close()

	p, err := buildPipeline(jobs, jobsLogger)
	if err != nil {
		mainLogger.Fatal("build pipeline", "error", err)
	}

	live, err := buildLiveEngine(liveLogger)
	if err != nil {
		mainLogger.Fatal("build live engine", "error", err)
	}

	artifacts, err := openArtifacts()
	if err != nil {
		mainLogger.Fatal("open artifact store", "error", err)
	}

	srv := server.New(jobs, artifacts, p, live, mainLogger)
	if err := srv.ListenAndServe(viper.GetInt(config.KeyPort)); err != nil {
		mainLogger.Fatal("server stopped", "error", err)
	}
}

func buildLiveEngine(liveLogger *log.Logger) (stt.Engine, error) {
	switch engine := viper.GetString(config.KeyLiveEngine); engine {
	case "deepgram":
		return stt.NewDeepgramEngine(
			viper.GetString(config.KeyDeepgramAPIKey), liveLogger)
	default:
		transcriber := transcribe.NewWhisperTranscriber(
			viper.GetString(config.KeyOpenAIAPIKey))
		return stt.NewWhisperEngine(transcriber, liveLogger), nil
	}
}
