package transcribe

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const geminiSystemPrompt = `Transcribe this audio recording as accurately as possible, with good grammar and punctuation. Reply with the transcription only.`

// GeminiTranscriber transcribes audio with a Gemini generative model,
// passing the recording inline as a blob part.
type GeminiTranscriber struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewGeminiTranscriber(ctx context.Context, apiKey string) (*GeminiTranscriber, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := client.GenerativeModel("gemini-1.5-pro")
	model.GenerationConfig.SetMaxOutputTokens(8192)
	model.GenerationConfig.SetTemperature(0.1)
	model.GenerationConfig.SetTopP(1.0)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(geminiSystemPrompt)},
	}

	return &GeminiTranscriber{client: client, model: model}, nil
}

func (g *GeminiTranscriber) Transcribe(
	ctx context.Context,
	filename string,
	audio io.Reader,
) (string, error) {
	data, err := io.ReadAll(audio)
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(filename))
	if mimeType == "" {
		mimeType = "audio/ogg"
	}

	resp, err := g.model.GenerateContent(ctx, genai.Blob{
		MIMEType: mimeType,
		Data:     data,
	})
	if err != nil {
		return "", fmt.Errorf("gemini transcription: %w", err)
	}

	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}
	return strings.TrimSpace(text.String()), nil
}

func (g *GeminiTranscriber) Close() error {
	return g.client.Close()
}
