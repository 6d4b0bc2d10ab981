package stt

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/audio"
	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/orchestrator"
	"github.com/sashabaranov/go-openai"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// WhisperSTT transcribes one utterance per request through an
// OpenAI-compatible /audio/transcriptions endpoint.
type WhisperSTT struct {
	client     *openai.Client
	model      string
	name       string
	sampleRate int
}

func NewOpenAISTT(apiKey string, model string) *WhisperSTT {
	if model == "" {
		model = openai.Whisper1
	}
	return NewWhisperSTT(apiKey, "", model, "openai_stt")
}

func NewGroqSTT(apiKey string, model string) *WhisperSTT {
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	return NewWhisperSTT(apiKey, groqBaseURL, model, "groq_stt")
}

// NewWhisperSTT targets baseURL, or OpenAI when it is empty.
func NewWhisperSTT(apiKey, baseURL, model, name string) *WhisperSTT {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &WhisperSTT{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		name:       name,
		sampleRate: 44100,
	}
}

func (s *WhisperSTT) SetSampleRate(rate int) {
	s.sampleRate = rate
}

func (s *WhisperSTT) Name() string {
	return s.name
}

func (s *WhisperSTT) Transcribe(ctx context.Context, audioPCM []byte, lang orchestrator.Language) (string, error) {
	req := openai.AudioRequest{
		Model:    s.model,
		FilePath: "audio.wav",
		Reader:   bytes.NewReader(audio.NewWavBuffer(audioPCM, s.sampleRate)),
		Language: string(lang),
	}
	resp, err := s.client.CreateTranscription(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", s.name, err)
	}
	return strings.TrimSpace(resp.Text), nil
}
