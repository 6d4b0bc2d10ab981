package llm

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/orchestrator"
)

type AnthropicLLM struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropicLLM(apiKey string, model string, opts ...option.RequestOption) *AnthropicLLM {
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicLLM{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: 1024,
	}
}

func (l *AnthropicLLM) SetMaxTokens(n int) {
	l.maxTokens = int64(n)
}

func (l *AnthropicLLM) Stream(ctx context.Context, messages []orchestrator.Message) (orchestrator.TokenStream, error) {
	system, turns := toAnthropicMessages(messages)
	if len(turns) == 0 {
		return nil, fmt.Errorf("anthropic-llm: no user message")
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(l.model),
		MaxTokens: l.maxTokens,
		Messages:  turns,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return &anthropicStream{stream: l.client.Messages.NewStreaming(ctx, params)}, nil
}

func (l *AnthropicLLM) Name() string {
	return "anthropic-llm"
}

// toAnthropicMessages lifts system messages into the system prompt and
// merges consecutive turns of the same role; the API rejects both.
func toAnthropicMessages(messages []orchestrator.Message) (string, []anthropic.MessageParam) {
	var system []string
	var roles []string
	var texts []string
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		if n := len(roles); n > 0 && roles[n-1] == role {
			texts[n-1] += "\n" + m.Content
			continue
		}
		roles = append(roles, role)
		texts = append(texts, m.Content)
	}
	// Conversations must open with the user.
	for len(roles) > 0 && roles[0] != "user" {
		roles, texts = roles[1:], texts[1:]
	}

	out := make([]anthropic.MessageParam, 0, len(roles))
	for i, role := range roles {
		block := anthropic.NewTextBlock(texts[i])
		if role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return strings.Join(system, "\n\n"), out
}

type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

func (s *anthropicStream) Next() (string, error) {
	for s.stream.Next() {
		switch ev := s.stream.Current().AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
				return d.Text, nil
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", fmt.Errorf("anthropic-llm: stream: %w", err)
	}
	return "", io.EOF
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}
