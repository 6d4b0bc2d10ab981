// Package config loads process settings from the environment and an
// optional .env file and turns them into providers and an
// orchestrator.Config.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/providers/tts"
)

var (
	ErrMissingKey   = errors.New("missing required setting")
	ErrInvalidValue = errors.New("invalid setting")
)

type Settings struct {
	STTProvider string
	LLMProvider string
	TTSProvider string
	STTModel    string
	LLMModel    string

	GroqKey      string
	OpenAIKey    string
	AnthropicKey string
	GoogleKey    string
	DeepgramKey  string
	LokutorKey   string

	Language     orchestrator.Language
	Voice        orchestrator.Voice
	SystemPrompt string

	SampleRate   int
	VADThreshold float64
	VADSilence   time.Duration

	AbortTimeout    time.Duration
	DuplicateWindow time.Duration

	ListenAddr     string
	TextQueryRate  float64
	TextQueryBurst int

	LogLevel  string
	LogFormat string
}

func Defaults() Settings {
	return Settings{
		STTProvider:     "groq",
		LLMProvider:     "groq",
		TTSProvider:     "lokutor",
		Language:        orchestrator.LanguageEn,
		Voice:           orchestrator.VoiceF1,
		SystemPrompt:    "You are a helpful and concise voice assistant. Use short sentences suitable for speech.",
		SampleRate:      44100,
		VADThreshold:    0.02,
		VADSilence:      700 * time.Millisecond,
		AbortTimeout:    7 * time.Second,
		DuplicateWindow: 2 * time.Second,
		ListenAddr:      ":8080",
		TextQueryRate:   2,
		TextQueryBurst:  4,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// Load reads the given .env files (".env" when none are named), then lets
// the process environment override them. Missing files are skipped.
func Load(files ...string) (Settings, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	values := map[string]string{}
	for _, f := range files {
		m, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Settings{}, fmt.Errorf("read %s: %w", f, err)
		}
		for k, v := range m {
			values[k] = v
		}
	}
	return FromLookup(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	})
}

// FromLookup builds Settings from a key lookup, starting from Defaults.
func FromLookup(lookup func(string) (string, bool)) (Settings, error) {
	s := Defaults()
	r := reader{lookup: lookup}

	r.str("STT_PROVIDER", &s.STTProvider)
	r.str("LLM_PROVIDER", &s.LLMProvider)
	r.str("TTS_PROVIDER", &s.TTSProvider)
	r.str("STT_MODEL", &s.STTModel)
	r.str("LLM_MODEL", &s.LLMModel)

	r.str("GROQ_API_KEY", &s.GroqKey)
	r.str("OPENAI_API_KEY", &s.OpenAIKey)
	r.str("ANTHROPIC_API_KEY", &s.AnthropicKey)
	r.str("GOOGLE_API_KEY", &s.GoogleKey)
	r.str("DEEPGRAM_API_KEY", &s.DeepgramKey)
	r.str("LOKUTOR_API_KEY", &s.LokutorKey)

	if v, ok := r.get("AGENT_LANGUAGE"); ok {
		lang, err := orchestrator.ParseLanguage(v)
		r.fail("AGENT_LANGUAGE", err)
		s.Language = lang
	}
	if v, ok := r.get("AGENT_VOICE"); ok {
		voice, err := orchestrator.ParseVoice(strings.ToUpper(v))
		r.fail("AGENT_VOICE", err)
		s.Voice = voice
	}
	r.str("SYSTEM_PROMPT", &s.SystemPrompt)

	r.integer("SAMPLE_RATE", &s.SampleRate)
	r.float("VAD_THRESHOLD", &s.VADThreshold)
	r.duration("VAD_SILENCE", &s.VADSilence)
	r.duration("ABORT_TIMEOUT", &s.AbortTimeout)
	r.duration("DUPLICATE_WINDOW", &s.DuplicateWindow)

	r.str("LISTEN_ADDR", &s.ListenAddr)
	r.float("TEXT_QUERY_RATE", &s.TextQueryRate)
	r.integer("TEXT_QUERY_BURST", &s.TextQueryBurst)

	r.str("LOG_LEVEL", &s.LogLevel)
	r.str("LOG_FORMAT", &s.LogFormat)

	if err := errors.Join(r.errs...); err != nil {
		return Settings{}, err
	}
	return s, nil
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) get(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) fail(key string, err error) {
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err))
	}
}

func (r *reader) str(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r *reader) integer(key string, dst *int) {
	if v, ok := r.get(key); ok {
		n, err := strconv.Atoi(v)
		r.fail(key, err)
		if err == nil {
			*dst = n
		}
	}
}

func (r *reader) float(key string, dst *float64) {
	if v, ok := r.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		r.fail(key, err)
		if err == nil {
			*dst = f
		}
	}
}

func (r *reader) duration(key string, dst *time.Duration) {
	if v, ok := r.get(key); ok {
		d, err := time.ParseDuration(v)
		r.fail(key, err)
		if err == nil {
			*dst = d
		}
	}
}

// Validate checks that every selected provider has its key.
func (s Settings) Validate() error {
	var errs []error
	need := func(key, value, purpose string) {
		if value == "" {
			errs = append(errs, fmt.Errorf("%w: %s must be set for %s", ErrMissingKey, key, purpose))
		}
	}

	switch s.STTProvider {
	case "groq":
		need("GROQ_API_KEY", s.GroqKey, "groq STT")
	case "openai":
		need("OPENAI_API_KEY", s.OpenAIKey, "openai STT")
	case "deepgram":
		need("DEEPGRAM_API_KEY", s.DeepgramKey, "deepgram STT")
	default:
		errs = append(errs, fmt.Errorf("%w: unknown STT_PROVIDER %q", ErrInvalidValue, s.STTProvider))
	}

	switch s.LLMProvider {
	case "groq":
		need("GROQ_API_KEY", s.GroqKey, "groq LLM")
	case "openai":
		need("OPENAI_API_KEY", s.OpenAIKey, "openai LLM")
	case "anthropic":
		need("ANTHROPIC_API_KEY", s.AnthropicKey, "anthropic LLM")
	case "google":
		need("GOOGLE_API_KEY", s.GoogleKey, "google LLM")
	default:
		errs = append(errs, fmt.Errorf("%w: unknown LLM_PROVIDER %q", ErrInvalidValue, s.LLMProvider))
	}

	switch s.TTSProvider {
	case "lokutor":
		need("LOKUTOR_API_KEY", s.LokutorKey, "lokutor TTS")
	case "openai":
		need("OPENAI_API_KEY", s.OpenAIKey, "openai TTS")
	default:
		errs = append(errs, fmt.Errorf("%w: unknown TTS_PROVIDER %q", ErrInvalidValue, s.TTSProvider))
	}

	if s.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("%w: SAMPLE_RATE must be positive", ErrInvalidValue))
	}
	return errors.Join(errs...)
}

// OrchestratorConfig maps the settings onto the pipeline configuration.
func (s Settings) OrchestratorConfig() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.SampleRate = s.EffectiveSampleRate()
	cfg.Language = s.Language
	cfg.VoiceStyle = s.Voice
	if s.AbortTimeout > 0 {
		cfg.Pipeline.AbortTimeout = s.AbortTimeout
	}
	if s.DuplicateWindow > 0 {
		cfg.Pipeline.DuplicateWindow = s.DuplicateWindow
	}
	return cfg
}

// EffectiveSampleRate is the rate the whole pipeline runs at. OpenAI
// speech only comes at 24kHz, so selecting it pins the rate.
func (s Settings) EffectiveSampleRate() int {
	if s.TTSProvider == "openai" {
		return tts.OpenAISampleRate
	}
	return s.SampleRate
}

func (s Settings) VADConfig() orchestrator.VADConfig {
	cfg := orchestrator.DefaultVADConfig()
	if s.VADThreshold > 0 {
		cfg.Threshold = s.VADThreshold
	}
	if s.VADSilence > 0 {
		cfg.SilenceLimit = s.VADSilence
	}
	return cfg
}
