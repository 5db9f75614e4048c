package llm

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

type CompletionRequest struct {
	SystemPrompt string
	UserMessage  string
	MaxTokens    int
	Temperature  float32
	JSONMode     bool
}

// LanguageModel is the text-understanding step behind instruction
// extraction. Implementations return the assistant's full reply.
type LanguageModel interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

type OpenAILanguageModel struct {
	client *openai.Client
	model  string
}

func NewOpenAILanguageModel(apiKey string) *OpenAILanguageModel {
	return &OpenAILanguageModel{
		client: openai.NewClient(apiKey),
		model:  openai.GPT4oMini,
	}
}

func (o *OpenAILanguageModel) Complete(
	ctx context.Context,
	req CompletionRequest,
) (string, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       o.model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.SystemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: req.UserMessage,
			},
		},
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
