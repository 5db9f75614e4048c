// Package config centralizes the viper keys the tool reads and their
// defaults. Values come from config.yaml in the working directory, the
// environment (via AutomaticEnv), a .env file if present, and bound
// command-line flags, in the usual viper precedence order.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	KeyOpenAIAPIKey     = "openai_api_key"
	KeyDeepgramAPIKey   = "deepgram_api_key"
	KeyElevenLabsAPIKey = "elevenlabs_api_key"
	KeyGeminiAPIKey     = "gemini_api_key"

	KeyServerURL = "server_url"
	KeyPort      = "port"

	KeyLiveEngine  = "live_engine"
	KeyTranscriber = "transcriber"
	KeyTTSEngine   = "tts_engine"

	KeyDatabaseURL = "database_url"
	KeySQLitePath  = "sqlite_path"
	KeyArtifactDir = "artifact_dir"
	KeyWebhookURL  = "webhook_url"

	KeySliceMs            = "slice_ms"
	KeyMinDurationMs      = "min_duration_ms"
	KeyMinTranscriptChars = "min_transcript_chars"
	KeyStopAckTimeout     = "stop_ack_timeout"
	KeyFinalizeTimeout    = "finalize_timeout"
	KeySynthesisWorkers   = "synthesis_workers"
)

// Load reads .env and config.yaml and installs defaults. A missing
// config file is not an error; everything can come from the
// environment or flags.
func Load() error {
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	return nil
}

func setDefaults() {
	viper.SetDefault(KeyServerURL, "http://localhost:8080")
	viper.SetDefault(KeyPort, 8080)
	viper.SetDefault(KeyLiveEngine, "whisper")
	viper.SetDefault(KeyTranscriber, "whisper")
	viper.SetDefault(KeyTTSEngine, "openai")
	viper.SetDefault(KeySQLitePath, "apd.db")
	viper.SetDefault(KeyArtifactDir, "artifacts")
	viper.SetDefault(KeySliceMs, 1000)
	viper.SetDefault(KeyMinDurationMs, 1500)
	viper.SetDefault(KeyMinTranscriptChars, 10)
	viper.SetDefault(KeyStopAckTimeout, 30*time.Second)
	viper.SetDefault(KeyFinalizeTimeout, 300*time.Second)
	viper.SetDefault(KeySynthesisWorkers, 8)
}

// ValidateServe checks the keys the serve command cannot run without.
func ValidateServe() error {
	if viper.GetString(KeyOpenAIAPIKey) == "" {
		return fmt.Errorf("missing OPENAI_API_KEY or --openai-api-key=")
	}
	if viper.GetString(KeyLiveEngine) == "deepgram" &&
		viper.GetString(KeyDeepgramAPIKey) == "" {
		return fmt.Errorf("live_engine is deepgram but DEEPGRAM_API_KEY is missing")
	}
	if viper.GetString(KeyTranscriber) == "gemini" &&
		viper.GetString(KeyGeminiAPIKey) == "" {
		return fmt.Errorf("transcriber is gemini but GEMINI_API_KEY is missing")
	}
	if viper.GetString(KeyTTSEngine) == "elevenlabs" &&
		viper.GetString(KeyElevenLabsAPIKey) == "" {
		return fmt.Errorf("tts_engine is elevenlabs but ELEVENLABS_API_KEY is missing")
	}
	switch engine := viper.GetString(KeyLiveEngine); engine {
	case "whisper", "deepgram":
	default:
		return fmt.Errorf("unknown live_engine %q", engine)
	}
	switch tr := viper.GetString(KeyTranscriber); tr {
	case "whisper", "gemini":
	default:
		return fmt.Errorf("unknown transcriber %q", tr)
	}
	switch tts := viper.GetString(KeyTTSEngine); tts {
	case "openai", "elevenlabs":
	default:
		return fmt.Errorf("unknown tts_engine %q", tts)
	}
	return nil
}
