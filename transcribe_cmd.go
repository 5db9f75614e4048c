package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/beingfastian/APD-Listener-Tool/pipeline"
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <audio-file>",
	Short: "Run the finalization pipeline over an audio file",
	Long: `Transcribe runs a recorded audio file through the same pipeline a
saved session uses: authoritative transcription, instruction
extraction, step audio synthesis, and persistence. No server needed.`,
	Args: cobra.ExactArgs(1),
	Run:  runTranscribe,
}

func init() {
	transcribeCmd.Flags().String("hint", "", "Optional live transcript hint")
}

func runTranscribe(cmd *cobra.Command, args []string) {
	mainLogger, _, _, jobsLogger := createLoggers()

	audio, err := os.ReadFile(args[0])
	if err != nil {
		mainLogger.Fatal("read audio file", "file", args[0], "error", err)
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

	hint, _ := cmd.Flags().GetString("hint")
	job, err := p.Finalize(context.Background(), audio, hint)
	if err != nil {
		stage := pipeline.FailingStage(err)
		mainLogger.Fatal("finalize", "stage", stage, "error", err)
	}

	mainLogger.Info("job created", "job", job.ID,
		"instructions", len(job.Instructions))
	fmt.Printf("%s\n", job.Transcription)
	for i, instruction := range job.Instructions {
		fmt.Printf("%d. %s\n", i+1, instruction.Text)
		for j, step := range instruction.Steps {
			fmt.Printf("   %d.%d %s\n", i+1, j+1, step.Text)
		}
	}
}
