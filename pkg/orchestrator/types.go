package orchestrator

import (
	"context"
	"sync"
	"time"
)

type Logger interface {
	Debug(msg string, args ...interface{})

	Info(msg string, args ...interface{})

	Warn(msg string, args ...interface{})

	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

type STTProvider interface {
	Transcribe(ctx context.Context, audio []byte, lang Language) (string, error)
	Name() string
}

type StreamingSTTProvider interface {
	STTProvider
	StreamTranscribe(ctx context.Context, lang Language, onTranscript func(transcript string, isFinal bool) error) (chan<- []byte, error)
}

// TokenStream is a pull iterator over generated text fragments.
// Next returns io.EOF once the answer is complete.
type TokenStream interface {
	Next() (string, error)
	Close() error
}

type LLMProvider interface {
	// Stream starts generating an answer for messages. Cancelling ctx must
	// make a pending Next return promptly.
	Stream(ctx context.Context, messages []Message) (TokenStream, error)
	Name() string
}

// TextSource yields the text a synthesizer should speak, one fragment at a
// time, and returns io.EOF when there is nothing left.
type TextSource interface {
	Next() (string, error)
}

type WordTiming struct {
	Word  string        `json:"word"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// SynthesisUnit is one piece of synthesizer output. Either field may be empty.
type SynthesisUnit struct {
	Audio []byte
	Words []WordTiming
}

type TTSProvider interface {
	// Synthesize must return promptly once ctx is done. That is how a
	// single call is stopped; other calls on the provider are unaffected.
	Synthesize(ctx context.Context, src TextSource, voice Voice, lang Language, onUnit func(SynthesisUnit) error) error
	// Abort stops every synthesis in flight on this provider, across all
	// sessions sharing it.
	Abort() error
	Name() string
}

type VADProvider interface {
	Process(chunk []byte) (*VADEvent, error)
	Reset()
	Clone() VADProvider
	Name() string
}

type VADEventType string

const (
	VADSpeechStart VADEventType = "SPEECH_START"
	VADSpeechEnd   VADEventType = "SPEECH_END"
	VADSilence     VADEventType = "SILENCE"
)

type VADEvent struct {
	Type      VADEventType
	Timestamp int64
}

type EventType string

const (
	UserSpeaking      EventType = "USER_SPEAKING"
	UserStopped       EventType = "USER_STOPPED"
	TranscriptPartial EventType = "TRANSCRIPT_PARTIAL"
	TranscriptFinal   EventType = "TRANSCRIPT_FINAL"
	BotThinking       EventType = "BOT_THINKING"
	// BotResponsePartial carries the answer text produced so far (payload is string)
	BotResponsePartial EventType = "BOT_RESPONSE_PARTIAL"
	// BotResponse carries the assistant's textual response (payload is string)
	BotResponse EventType = "BOT_RESPONSE"
	BotSpeaking EventType = "BOT_SPEAKING"
	WordTimings EventType = "WORD_TIMING"
	Interrupted EventType = "INTERRUPTED"
	AudioChunk  EventType = "AUDIO_CHUNK"
	ErrorEvent  EventType = "ERROR"
)

type OrchestratorEvent struct {
	Type         EventType   `json:"type"`
	SessionID    string      `json:"session_id"`
	GenerationID uint64      `json:"generation_id,omitempty"`
	Data         interface{} `json:"data,omitempty"`
}

type Voice string

const (
	VoiceF1 Voice = "F1"
	VoiceF2 Voice = "F2"
	VoiceF3 Voice = "F3"
	VoiceF4 Voice = "F4"
	VoiceF5 Voice = "F5"
	VoiceM1 Voice = "M1"
	VoiceM2 Voice = "M2"
	VoiceM3 Voice = "M3"
	VoiceM4 Voice = "M4"
	VoiceM5 Voice = "M5"
)

type Language string

const (
	LanguageEn Language = "en"
	LanguageEs Language = "es"
	LanguageFr Language = "fr"
	LanguageDe Language = "de"
	LanguageIt Language = "it"
	LanguagePt Language = "pt"
	LanguageJa Language = "ja"
	LanguageZh Language = "zh"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Config struct {
	SampleRate         int
	Channels           int
	BytesPerSamp       int
	MaxContextMessages int
	VoiceStyle         Voice
	Language           Language
	STTTimeout         uint
	LLMTimeout         uint
	TTSTimeout         uint
	Pipeline           PipelineConfig
}

// PipelineConfig tunes the generation coordinator and its stages.
type PipelineConfig struct {
	// Jitter buffer: a gap is on time when it is at most
	// JitterTolerance times the chunk's play duration.
	JitterTolerance    float64
	JitterMaxHeld      time.Duration
	JitterOnTimeStreak int

	// Requests with identical text inside this window are dropped.
	DuplicateWindow time.Duration

	SimilarityThreshold  float64
	SimilarityTailWords  int
	SimilarityTailWeight float64

	// Boundary detection over the streamed answer, counted in runes.
	BoundaryMinLength   int
	BoundaryMaxLength   int
	BoundaryMinAlphaNum int

	AbortTimeout      time.Duration
	WorkerStopTimeout time.Duration
	ShutdownTimeout   time.Duration
	FinalPollInterval time.Duration
	RequestQueueSize  int
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		JitterTolerance:      0.1,
		JitterMaxHeld:        500 * time.Millisecond,
		JitterOnTimeStreak:   2,
		DuplicateWindow:      2 * time.Second,
		SimilarityThreshold:  0.95,
		SimilarityTailWords:  5,
		SimilarityTailWeight: 0.7,
		BoundaryMinLength:    6,
		BoundaryMaxLength:    120,
		BoundaryMinAlphaNum:  10,
		AbortTimeout:         7 * time.Second,
		WorkerStopTimeout:    5 * time.Second,
		ShutdownTimeout:      5 * time.Second,
		FinalPollInterval:    50 * time.Millisecond,
		RequestQueueSize:     32,
	}
}

func DefaultConfig() Config {
	return Config{
		SampleRate:         44100,
		Channels:           1,
		BytesPerSamp:       2,
		MaxContextMessages: 20,
		VoiceStyle:         VoiceF1,
		Language:           LanguageEn,
		STTTimeout:         30,
		LLMTimeout:         60,
		TTSTimeout:         30,
		Pipeline:           DefaultPipelineConfig(),
	}
}

// History is the conversation log a coordinator reads prompts from and
// records turns into.
type History interface {
	AddMessage(role, content string)
	GetContextCopy() []Message
	ClearContext()
}

type ConversationSession struct {
	mu              sync.RWMutex
	ID              string
	Context         []Message
	LastUser        string
	LastAssistant   string
	MaxMessages     int
	CurrentVoice    Voice
	CurrentLanguage Language
}

func NewConversationSession(userID string) *ConversationSession {
	return &ConversationSession{
		ID:              userID,
		Context:         []Message{},
		MaxMessages:     20,
		CurrentVoice:    VoiceF1,
		CurrentLanguage: LanguageEn,
	}
}

func (s *ConversationSession) AddMessage(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Context = append(s.Context, Message{Role: role, Content: content})
	if len(s.Context) > s.MaxMessages {
		// keep a leading system prompt when trimming
		if s.Context[0].Role == "system" && s.MaxMessages > 1 {
			tail := s.Context[len(s.Context)-s.MaxMessages+1:]
			s.Context = append([]Message{s.Context[0]}, tail...)
		} else {
			s.Context = s.Context[len(s.Context)-s.MaxMessages:]
		}
	}
	if role == "user" {
		s.LastUser = content
	} else if role == "assistant" {
		s.LastAssistant = content
	}
}

// ClearContext drops the conversation but keeps the system prompt.
func (s *ConversationSession) ClearContext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []Message
	if len(s.Context) > 0 && s.Context[0].Role == "system" {
		kept = append(kept, s.Context[0])
	}
	s.Context = append([]Message{}, kept...)
	s.LastUser = ""
	s.LastAssistant = ""
}

func (s *ConversationSession) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Context) > 0 && s.Context[0].Role == "system" {
		s.Context[0].Content = prompt
		return
	}
	s.Context = append([]Message{{Role: "system", Content: prompt}}, s.Context...)
}

func (s *ConversationSession) GetContextCopy() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	contextCopy := make([]Message, len(s.Context))
	copy(contextCopy, s.Context)
	return contextCopy
}

func (s *ConversationSession) GetCurrentVoice() Voice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CurrentVoice
}

func (s *ConversationSession) SetVoice(voice Voice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentVoice = voice
}

func (s *ConversationSession) GetCurrentLanguage() Language {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CurrentLanguage
}

func (s *ConversationSession) SetLanguage(lang Language) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentLanguage = lang
}
