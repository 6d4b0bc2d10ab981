package config

import (
	"fmt"

	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/providers/llm"
	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/providers/stt"
	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/providers/tts"
)

type Providers struct {
	STT orchestrator.STTProvider
	LLM orchestrator.LLMProvider
	TTS orchestrator.TTSProvider
}

// BuildProviders validates s and constructs the selected providers.
func BuildProviders(s Settings) (Providers, error) {
	if err := s.Validate(); err != nil {
		return Providers{}, err
	}

	var p Providers
	switch s.STTProvider {
	case "openai":
		p.STT = stt.NewOpenAISTT(s.OpenAIKey, s.STTModel)
	case "deepgram":
		p.STT = stt.NewDeepgramSTT(s.DeepgramKey)
	default:
		p.STT = stt.NewGroqSTT(s.GroqKey, s.STTModel)
	}
	if r, ok := p.STT.(interface{ SetSampleRate(int) }); ok {
		r.SetSampleRate(s.EffectiveSampleRate())
	}

	switch s.LLMProvider {
	case "openai":
		p.LLM = llm.NewOpenAILLM(s.OpenAIKey, s.LLMModel)
	case "anthropic":
		p.LLM = llm.NewAnthropicLLM(s.AnthropicKey, s.LLMModel)
	case "google":
		g, err := llm.NewGoogleLLM(s.GoogleKey, s.LLMModel)
		if err != nil {
			return Providers{}, fmt.Errorf("build google llm: %w", err)
		}
		p.LLM = g
	default:
		p.LLM = llm.NewGroqLLM(s.GroqKey, s.LLMModel)
	}

	switch s.TTSProvider {
	case "openai":
		p.TTS = tts.NewOpenAITTS(s.OpenAIKey)
	default:
		p.TTS = tts.NewLokutorTTS(s.LokutorKey)
	}
	return p, nil
}

// NewOrchestrator wires providers, a fresh VAD and logger into an
// orchestrator configured from s.
func NewOrchestrator(s Settings, p Providers, logger orchestrator.Logger) *orchestrator.Orchestrator {
	vad := orchestrator.NewRMSVADWithConfig(s.VADConfig())
	return orchestrator.NewWithLogger(p.STT, p.LLM, p.TTS, vad, s.OrchestratorConfig(), logger)
}
