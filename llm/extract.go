// Package llm extracts the instruction-bearing sentences from a
// transcript and splits each one into playback steps.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const extractSystemPrompt = `You are given the transcript of a spoken recording. ` +
	`Extract every sentence that gives an actionable instruction, keeping the ` +
	`original wording. Discard greetings, filler, commentary, and anything that ` +
	`is not something a listener should do. ` +
	`Reply with a JSON object of the form {"instructions": ["...", "..."]}. ` +
	`Reply with {"instructions": []} if there are none.`

// Extractor asks a language model for the actionable sentences in a
// transcript.
type Extractor struct {
	model LanguageModel
}

func NewExtractor(model LanguageModel) *Extractor {
	return &Extractor{model: model}
}

func (e *Extractor) Extract(ctx context.Context, transcript string) ([]string, error) {
	reply, err := e.model.Complete(ctx, CompletionRequest{
		SystemPrompt: extractSystemPrompt,
		UserMessage:  transcript,
		MaxTokens:    2048,
		Temperature:  0.1,
		JSONMode:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("extract instructions: %w", err)
	}

	var parsed struct {
		Instructions []string `json:"instructions"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(reply)), &parsed); err != nil {
		return nil, fmt.Errorf("parse extraction reply: %w", err)
	}

	instructions := make([]string, 0, len(parsed.Instructions))
	for _, text := range parsed.Instructions {
		text = strings.TrimSpace(text)
		if text != "" {
			instructions = append(instructions, text)
		}
	}
	return instructions, nil
}
