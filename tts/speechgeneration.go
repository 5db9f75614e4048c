// Package tts synthesizes spoken audio for instruction steps.
package tts

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/haguro/elevenlabs-go"
	"github.com/sashabaranov/go-openai"
)

type SpeechGenerator interface {
	TextToSpeechStreaming(ctx context.Context, text string, writer io.Writer) error
}

// OpenAISpeechGenerator synthesizes with the OpenAI speech endpoint.
type OpenAISpeechGenerator struct {
	client *openai.Client
}

func NewOpenAISpeechGenerator(apiKey string) *OpenAISpeechGenerator {
	return &OpenAISpeechGenerator{client: openai.NewClient(apiKey)}
}

func (o *OpenAISpeechGenerator) TextToSpeechStreaming(
	ctx context.Context,
	text string,
	writer io.Writer,
) error {
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model: openai.TTSModel1,
		Voice: openai.VoiceAlloy,
		Input: text,
	})
	if err != nil {
		return fmt.Errorf("failed to generate speech: %w", err)
	}
	defer resp.Close()

	if _, err := io.Copy(writer, resp); err != nil {
		return fmt.Errorf("failed to stream speech: %w", err)
	}
	return nil
}

type ElevenLabsSpeechGenerator struct {
	apiKey string
}

func NewElevenLabsSpeechGenerator(apiKey string) *ElevenLabsSpeechGenerator {
	return &ElevenLabsSpeechGenerator{apiKey: apiKey}
}

func (e *ElevenLabsSpeechGenerator) TextToSpeechStreaming(
	ctx context.Context,
	text string,
	writer io.Writer,
) error {
	client := elevenlabs.NewClient(ctx, e.apiKey, 30*time.Second)
	ttsReq := elevenlabs.TextToSpeechRequest{
		Text:    text,
		ModelID: "eleven_turbo_v2_5",
	}

	err := client.TextToSpeechStream(
		writer,
		"pKLLpypGseGMUjkb5fEZ",
		ttsReq,
	)
	if err != nil {
		return fmt.Errorf("failed to generate speech: %w", err)
	}
	return nil
}
