package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/orchestrator"
	"github.com/sashabaranov/go-openai"
)

// OpenAISampleRate is the fixed rate of OpenAI's raw PCM speech output.
const OpenAISampleRate = 24000

var openAIVoices = map[orchestrator.Voice]openai.SpeechVoice{
	orchestrator.VoiceF1: openai.VoiceNova,
	orchestrator.VoiceF2: openai.VoiceShimmer,
	orchestrator.VoiceF3: openai.VoiceAlloy,
	orchestrator.VoiceF4: openai.VoiceNova,
	orchestrator.VoiceF5: openai.VoiceShimmer,
	orchestrator.VoiceM1: openai.VoiceOnyx,
	orchestrator.VoiceM2: openai.VoiceEcho,
	orchestrator.VoiceM3: openai.VoiceFable,
	orchestrator.VoiceM4: openai.VoiceOnyx,
	orchestrator.VoiceM5: openai.VoiceEcho,
}

// OpenAITTS speaks phrases through the /audio/speech endpoint as
// 24kHz 16-bit mono PCM.
type OpenAITTS struct {
	client    *openai.Client
	model     openai.SpeechModel
	minWords  int
	chunkSize int

	mu      sync.Mutex
	cancels map[int]context.CancelFunc
	nextID  int
}

func NewOpenAITTS(apiKey string) *OpenAITTS {
	return NewOpenAITTSWithBaseURL(apiKey, "")
}

func NewOpenAITTSWithBaseURL(apiKey, baseURL string) *OpenAITTS {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAITTS{
		client:    openai.NewClientWithConfig(cfg),
		model:     openai.TTSModel1,
		minWords:  defaultMinPhraseWords,
		chunkSize: 4800,
		cancels:   make(map[int]context.CancelFunc),
	}
}

func (t *OpenAITTS) Name() string {
	return "openai-tts"
}

func (t *OpenAITTS) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.cancels[id] = cancel
	t.mu.Unlock()
	return ctx, func() {
		t.mu.Lock()
		delete(t.cancels, id)
		t.mu.Unlock()
		cancel()
	}
}

func (t *OpenAITTS) Synthesize(ctx context.Context, src orchestrator.TextSource, voice orchestrator.Voice, lang orchestrator.Language, onUnit func(orchestrator.SynthesisUnit) error) error {
	ctx, done := t.track(ctx)
	defer done()

	sv, ok := openAIVoices[voice]
	if !ok {
		sv = openai.VoiceAlloy
	}
	phrases := NewPhraseReader(src, t.minWords)
	for {
		phrase, err := phrases.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := t.speak(ctx, phrase, sv, onUnit); err != nil {
			return err
		}
	}
}

func (t *OpenAITTS) speak(ctx context.Context, text string, voice openai.SpeechVoice, onUnit func(orchestrator.SynthesisUnit) error) error {
	resp, err := t.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          t.model,
		Input:          text,
		Voice:          voice,
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return fmt.Errorf("openai-tts: %w", err)
	}
	defer resp.Close()

	buf := make([]byte, t.chunkSize)
	var carry []byte
	for {
		n, err := io.ReadFull(resp, buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			// Keep units on whole samples.
			even := len(chunk) &^ 1
			carry = append([]byte(nil), chunk[even:]...)
			if even > 0 {
				if uerr := onUnit(orchestrator.SynthesisUnit{Audio: append([]byte(nil), chunk[:even]...)}); uerr != nil {
					return uerr
				}
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("openai-tts: read: %w", err)
		}
	}
}

// Abort cancels every request in flight.
func (t *OpenAITTS) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, cancel := range t.cancels {
		cancel()
		delete(t.cancels, id)
	}
	return nil
}
