package llm

import (
	"context"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/orchestrator"
	"google.golang.org/genai"
)

// GoogleLLM streams answers from the Gemini API.
type GoogleLLM struct {
	client *genai.Client
	model  string
}

func NewGoogleLLM(apiKey string, model string) (*GoogleLLM, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google-llm: %w", err)
	}
	return NewGoogleLLMWithClient(client, model), nil
}

func NewGoogleLLMWithClient(client *genai.Client, model string) *GoogleLLM {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GoogleLLM{client: client, model: strings.TrimPrefix(model, "models/")}
}

func (l *GoogleLLM) Stream(ctx context.Context, messages []orchestrator.Message) (orchestrator.TokenStream, error) {
	cfg, contents := toGeminiContents(messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("google-llm: no contents")
	}
	next, stop := iter.Pull2(l.client.Models.GenerateContentStream(ctx, l.model, contents, cfg))
	return &geminiStream{next: next, stop: stop}, nil
}

func (l *GoogleLLM) Name() string {
	return "google-llm"
}

func toGeminiContents(messages []orchestrator.Message) (*genai.GenerateContentConfig, []*genai.Content) {
	cfg := &genai.GenerateContentConfig{}
	var system []*genai.Part
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, genai.NewPartFromText(m.Content))
			continue
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: system}
	}
	return cfg, contents
}

type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
}

func (s *geminiStream) Next() (string, error) {
	for {
		resp, err, ok := s.next()
		if !ok {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("google-llm: stream: %w", err)
		}
		if text := candidateText(resp); text != "" {
			return text, nil
		}
	}
}

func (s *geminiStream) Close() error {
	s.stop()
	return nil
}

func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && p.Text != "" && !p.Thought {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
