package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/beingfastian/APD-Listener-Tool/config"
	"github.com/beingfastian/APD-Listener-Tool/etc"
	"github.com/beingfastian/APD-Listener-Tool/llm"
	"github.com/beingfastian/APD-Listener-Tool/pipeline"
	"github.com/beingfastian/APD-Listener-Tool/setup"
	"github.com/beingfastian/APD-Listener-Tool/store"
	"github.com/beingfastian/APD-Listener-Tool/transcribe"
	"github.com/beingfastian/APD-Listener-Tool/tts"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(transcribeCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(listJobsCmd)
	jobsCmd.AddCommand(showJobCmd)
	jobsCmd.AddCommand(removeJobCmd)
	jobsCmd.AddCommand(cleanupJobsCmd)

	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key")
	rootCmd.PersistentFlags().
		String("deepgram-api-key", "", "Deepgram API key")
	rootCmd.PersistentFlags().
		String("elevenlabs-api-key", "", "ElevenLabs API key")
	rootCmd.PersistentFlags().String("gemini-api-key", "", "Gemini API key")
	rootCmd.PersistentFlags().
		String("server-url", "http://localhost:8080", "Recording backend URL")
	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection URL")
	rootCmd.PersistentFlags().String("sqlite", "apd.db", "SQLite database path")
	rootCmd.PersistentFlags().
		String("artifacts", "artifacts", "Artifact storage directory")

	viper.BindPFlag(
		config.KeyOpenAIAPIKey,
		rootCmd.PersistentFlags().Lookup("openai-api-key"),
	)
	viper.BindPFlag(
		config.KeyDeepgramAPIKey,
		rootCmd.PersistentFlags().Lookup("deepgram-api-key"),
	)
	viper.BindPFlag(
		config.KeyElevenLabsAPIKey,
		rootCmd.PersistentFlags().Lookup("elevenlabs-api-key"),
	)
	viper.BindPFlag(
		config.KeyGeminiAPIKey,
		rootCmd.PersistentFlags().Lookup("gemini-api-key"),
	)
	viper.BindPFlag(
		config.KeyServerURL,
		rootCmd.PersistentFlags().Lookup("server-url"),
	)
	viper.BindPFlag(
		config.KeyDatabaseURL,
		rootCmd.PersistentFlags().Lookup("database-url"),
	)
	viper.BindPFlag(
		config.KeySQLitePath,
		rootCmd.PersistentFlags().Lookup("sqlite"),
	)
	viper.BindPFlag(
		config.KeyArtifactDir,
		rootCmd.PersistentFlags().Lookup("artifacts"),
	)
}

func initConfig() {
	if err := config.Load(); err != nil {
		fmt.Printf("Error reading config file: %s\n", err)
	}
	logger = log.New(os.Stderr)
}

var rootCmd = &cobra.Command{
	Use:   "apd",
	Short: "Record spoken procedures and turn them into step-by-step audio",
	Long: `apd records live speech, shows the transcript as you talk, and on
save extracts the instructions and synthesizes step-by-step audio for
each one.`,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive first-run configuration",
	Run: func(cmd *cobra.Command, args []string) {
		mainLogger, _, _, _ := createLoggers()
		if err := setup.Run(mainLogger); err != nil {
			mainLogger.Fatal("setup", "error", err)
		}
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage saved jobs",
}

var listJobsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List saved jobs in a table",
	Run:   runListJobs,
}

var showJobCmd = &cobra.Command{
	Use:   "show <jobID>",
	Short: "Show one job with its instructions and steps",
	Args:  cobra.ExactArgs(1),
	Run:   runShowJob,
}

var removeJobCmd = &cobra.Command{
	Use:   "rm <jobID>",
	Short: "Delete a job and its audio artifacts",
	Args:  cobra.ExactArgs(1),
	Run:   runRemoveJob,
}

var cleanupJobsCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete jobs older than a retention window",
	Run:   runCleanupJobs,
}

func init() {
	cleanupJobsCmd.Flags().Duration("older-than", 30*24*time.Hour,
		"Delete jobs older than this age")
}

func runListJobs(cmd *cobra.Command, args []string) {
	mainLogger, _, _, jobsLogger := createLoggers()

	jobs, err := openStore(jobsLogger)
	if err != nil {
		mainLogger.Fatal("open job store", "error", err)
	}
	defer jobs.Close()

	summaries, err := jobs.ListJobs(context.Background())
	if err != nil {
		mainLogger.Fatal("list jobs", "error", err)
	}

	if len(summaries) == 0 {
		fmt.Println("No jobs found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Created At", "Instructions", "Transcription"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, summary := range summaries {
		table.Append([]string{
			summary.ID,
			summary.CreatedAt.Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%d", summary.Instructions),
			etc.Truncate(summary.Transcription, 60),
		})
	}

	table.Render()
}

func runShowJob(cmd *cobra.Command, args []string) {
	mainLogger, _, _, jobsLogger := createLoggers()

	jobs, err := openStore(jobsLogger)
	if err != nil {
		mainLogger.Fatal("open job store", "error", err)
	}
	defer jobs.Close()

	job, err := jobs.GetJob(context.Background(), args[0])
	if err != nil {
		mainLogger.Fatal("load job", "job", args[0], "error", err)
	}

	fmt.Printf("Job %s (%s)\n\n", job.ID, job.CreatedAt.Format(time.RFC3339))
	fmt.Printf("%s\n\n", job.Transcription)
	for i, instruction := range job.Instructions {
		fmt.Printf("%d. %s\n", i+1, instruction.Text)
		for j, step := range instruction.Steps {
			fmt.Printf("   %d.%d %s", i+1, j+1, step.Text)
			if step.AudioRef != "" {
				fmt.Printf("  [%s]", step.AudioRef)
			}
			fmt.Println()
		}
	}
}

func runRemoveJob(cmd *cobra.Command, args []string) {
	mainLogger, _, _, jobsLogger := createLoggers()

	jobs, err := openStore(jobsLogger)
	if err != nil {
		mainLogger.Fatal("open job store", "error", err)
	}
	defer jobs.Close()

	jobID := args[0]
	if err := jobs.DeleteJob(context.Background(), jobID); err != nil {
		mainLogger.Fatal("delete job", "job", jobID, "error", err)
	}
	if artifacts, err := openArtifacts(); err == nil {
		if err := artifacts.RemoveJob(jobID); err != nil {
			mainLogger.Warn("remove artifacts", "job", jobID, "error", err)
		}
	}
	mainLogger.Info("job deleted", "job", jobID)
}

func runCleanupJobs(cmd *cobra.Command, args []string) {
	mainLogger, _, _, jobsLogger := createLoggers()

	age, _ := cmd.Flags().GetDuration("older-than")
	cutoff := time.Now().Add(-age)

	jobs, err := openStore(jobsLogger)
	if err != nil {
		mainLogger.Fatal("open job store", "error", err)
	}
	defer jobs.Close()

	stale, err := jobs.ListJobsOlderThan(context.Background(), cutoff)
	if err != nil {
		mainLogger.Fatal("list stale jobs", "error", err)
	}
	if len(stale) == 0 {
		mainLogger.Info("nothing to clean up", "cutoff", cutoff)
		return
	}

	artifacts, artifactsErr := openArtifacts()
	for _, jobID := range stale {
		if err := jobs.DeleteJob(context.Background(), jobID); err != nil {
			mainLogger.Error("delete job", "job", jobID, "error", err)
			continue
		}
		if artifactsErr == nil {
			if err := artifacts.RemoveJob(jobID); err != nil {
				mainLogger.Warn("remove artifacts", "job", jobID, "error", err)
			}
		}
		mainLogger.Info("job deleted", "job", jobID)
	}
	mainLogger.Info("cleanup finished", "deleted", len(stale), "cutoff", cutoff)
}

// openStore picks Postgres when a database URL is configured, SQLite
// otherwise.
func openStore(logger *log.Logger) (store.Store, error) {
	if url := viper.GetString(config.KeyDatabaseURL); url != "" {
		return store.OpenPostgres(context.Background(), url, logger)
	}
	return store.OpenSQLite(viper.GetString(config.KeySQLitePath), logger)
}

func openArtifacts() (*store.ArtifactStore, error) {
	return store.NewArtifactStore(viper.GetString(config.KeyArtifactDir))
}

// buildPipeline assembles the finalization pipeline from the
// configured engines. The caller owns the store's lifetime.
func buildPipeline(jobs store.Store, pipelineLogger *log.Logger) (*pipeline.Pipeline, error) {
	artifacts, err := openArtifacts()
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	var transcriber transcribe.Transcriber
	switch engine := viper.GetString(config.KeyTranscriber); engine {
	case "gemini":
		transcriber, err = transcribe.NewGeminiTranscriber(
			context.Background(), viper.GetString(config.KeyGeminiAPIKey))
		if err != nil {
			return nil, fmt.Errorf("gemini transcriber: %w", err)
		}
	default:
		transcriber = transcribe.NewWhisperTranscriber(
			viper.GetString(config.KeyOpenAIAPIKey))
	}

	var speech tts.SpeechGenerator
	switch engine := viper.GetString(config.KeyTTSEngine); engine {
	case "elevenlabs":
		speech = tts.NewElevenLabsSpeechGenerator(
			viper.GetString(config.KeyElevenLabsAPIKey))
	default:
		speech = tts.NewOpenAISpeechGenerator(
			viper.GetString(config.KeyOpenAIAPIKey))
	}

	extractor := llm.NewExtractor(llm.NewOpenAILanguageModel(
		viper.GetString(config.KeyOpenAIAPIKey)))

	p := pipeline.New(
		transcriber,
		extractor,
		speech,
		jobs,
		artifacts,
		viper.GetInt(config.KeySynthesisWorkers),
		pipelineLogger,
	)
	if url := viper.GetString(config.KeyWebhookURL); url != "" {
		p = p.WithWebhook(pipeline.NewWebhook(url, pipelineLogger))
	}
	return p, nil
}

func createLoggers() (mainLogger, micLogger, liveLogger, jobsLogger *log.Logger) {
	logger.SetLevel(log.DebugLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	micLogger = logger.With().WithPrefix("mic")
	liveLogger = logger.With().WithPrefix("live")
	jobsLogger = logger.With().WithPrefix("data")

	return
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
