package transcribe

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// WhisperTranscriber transcribes audio with the OpenAI speech-to-text
// endpoint.
type WhisperTranscriber struct {
	client *openai.Client
}

func NewWhisperTranscriber(apiKey string) *WhisperTranscriber {
	return &WhisperTranscriber{client: openai.NewClient(apiKey)}
}

func (w *WhisperTranscriber) Transcribe(
	ctx context.Context,
	filename string,
	audio io.Reader,
) (string, error) {
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: filename,
		Reader:   audio,
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
