package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Orchestrator owns the providers and builds per-session pipelines.
type Orchestrator struct {
	stt     STTProvider
	llm     LLMProvider
	tts     TTSProvider
	vad     VADProvider
	config  Config
	logger  Logger
	metrics *Metrics
	mu      sync.RWMutex
}

// New creates a new orchestrator with the given providers
// If logger is nil, a no-op logger is used
func New(stt STTProvider, llm LLMProvider, tts TTSProvider, config Config) *Orchestrator {
	return NewWithLogger(stt, llm, tts, nil, config, &NoOpLogger{})
}

// NewWithVAD creates a new orchestrator with the given providers including VAD
func NewWithVAD(stt STTProvider, llm LLMProvider, tts TTSProvider, vad VADProvider, config Config) *Orchestrator {
	return NewWithLogger(stt, llm, tts, vad, config, &NoOpLogger{})
}

// NewWithLogger creates a new orchestrator with a custom logger
func NewWithLogger(stt STTProvider, llm LLMProvider, tts TTSProvider, vad VADProvider, config Config, logger Logger) *Orchestrator {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Orchestrator{
		stt:    stt,
		llm:    llm,
		tts:    tts,
		vad:    vad,
		config: config,
		logger: logger,
	}
}

// SetMetrics attaches collectors used by every coordinator created afterwards.
func (o *Orchestrator) SetMetrics(m *Metrics) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics = m
}

// PushAudio processes a continuous stream of audio chunks through the VAD
func (o *Orchestrator) PushAudio(chunk []byte) (*VADEvent, error) {
	if o.vad == nil {
		return nil, ErrVADNotConfigured
	}
	return o.vad.Process(chunk)
}

func timeoutCtx(ctx context.Context, seconds uint) (context.Context, context.CancelFunc) {
	if seconds == 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
}

// Transcribe converts audio to text
func (o *Orchestrator) Transcribe(ctx context.Context, audioData []byte, lang Language) (string, error) {
	if o.stt == nil {
		return "", ErrNilProvider
	}
	ctx, cancel := timeoutCtx(ctx, o.GetConfig().STTTimeout)
	defer cancel()

	transcript, err := o.stt.Transcribe(ctx, audioData, lang)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
		return "", fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return "", ErrEmptyTranscription
	}
	o.logger.Debug("transcription completed", "provider", o.stt.Name(), "length", len(transcript))
	return transcript, nil
}

// GenerateResponse runs the LLM over the session context and returns the
// whole answer. Conversational turns go through a Coordinator instead.
func (o *Orchestrator) GenerateResponse(ctx context.Context, session *ConversationSession) (string, error) {
	if o.llm == nil {
		return "", ErrNilProvider
	}
	ctx, cancel := timeoutCtx(ctx, o.GetConfig().LLMTimeout)
	defer cancel()

	stream, err := o.llm.Stream(ctx, session.GetContextCopy())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLLMFailed, err)
	}
	defer stream.Close()

	answer, err := DrainText(stream)
	if err != nil {
		return answer, fmt.Errorf("%w: %v", ErrLLMFailed, err)
	}
	return answer, nil
}

// Synthesize converts text to speech audio
func (o *Orchestrator) Synthesize(ctx context.Context, text string, voice Voice, lang Language) ([]byte, error) {
	if o.tts == nil {
		return nil, ErrNilProvider
	}
	ctx, cancel := timeoutCtx(ctx, o.GetConfig().TTSTimeout)
	defer cancel()

	var audio []byte
	err := o.tts.Synthesize(ctx, StaticText(NormalizeFragment(text)), voice, lang, func(unit SynthesisUnit) error {
		audio = append(audio, unit.Audio...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTTSFailed, err)
	}
	return audio, nil
}

// NewCoordinator builds a generation pipeline for session. The caller
// starts it.
func (o *Orchestrator) NewCoordinator(session Session, hooks Hooks) *Coordinator {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return NewCoordinator(o.llm, o.tts, session, o.config, o.logger, o.metrics, hooks)
}

// UpdateConfig updates the orchestrator configuration
func (o *Orchestrator) UpdateConfig(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.config = cfg
}

// GetConfig returns the current configuration
func (o *Orchestrator) GetConfig() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.config
}

// GetProviders returns information about the current providers
func (o *Orchestrator) GetProviders() map[string]string {
	names := map[string]string{}
	if o.stt != nil {
		names["stt"] = o.stt.Name()
	}
	if o.llm != nil {
		names["llm"] = o.llm.Name()
	}
	if o.tts != nil {
		names["tts"] = o.tts.Name()
	}
	if o.vad != nil {
		names["vad"] = o.vad.Name()
	}
	return names
}

// NewSessionWithDefaults creates a new conversation session with orchestrator's default config
// This automatically applies the orchestrator's configured defaults to the session
func (o *Orchestrator) NewSessionWithDefaults(userID string) *ConversationSession {
	cfg := o.GetConfig()
	session := NewConversationSession(userID)
	session.MaxMessages = cfg.MaxContextMessages
	session.CurrentVoice = cfg.VoiceStyle
	session.CurrentLanguage = cfg.Language
	return session
}

// NewManagedStream creates a new managed stream for a session
// This follows the Plug & Play pattern for full-duplex voice orchestration
func (o *Orchestrator) NewManagedStream(ctx context.Context, session *ConversationSession) (*ManagedStream, error) {
	return NewManagedStream(ctx, o, session)
}
