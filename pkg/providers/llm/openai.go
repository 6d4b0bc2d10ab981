package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/orchestrator"
	"github.com/sashabaranov/go-openai"
)

// OpenAILLM streams chat completions from OpenAI or any server speaking
// the same API (Groq, local gateways).
type OpenAILLM struct {
	client    *openai.Client
	model     string
	name      string
	maxTokens int
}

func NewOpenAILLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return NewOpenAICompatibleLLM(apiKey, "", model, "openai-llm")
}

// NewOpenAICompatibleLLM points the client at baseURL. An empty baseURL
// keeps the OpenAI default.
func NewOpenAICompatibleLLM(apiKey, baseURL, model, name string) *OpenAILLM {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAILLM{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		name:   name,
	}
}

func (l *OpenAILLM) SetMaxTokens(n int) {
	l.maxTokens = n
}

func (l *OpenAILLM) Stream(ctx context.Context, messages []orchestrator.Message) (orchestrator.TokenStream, error) {
	req := openai.ChatCompletionRequest{
		Model:     l.model,
		Messages:  toOpenAIMessages(messages),
		MaxTokens: l.maxTokens,
		Stream:    true,
	}
	stream, err := l.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create completion stream: %w", l.name, err)
	}
	return &openAIStream{stream: stream, name: l.name}, nil
}

func (l *OpenAILLM) Name() string {
	return l.name
}

func toOpenAIMessages(messages []orchestrator.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
	name   string
}

func (s *openAIStream) Next() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("%s: stream: %w", s.name, err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}
