package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchestratorCreation(t *testing.T) {
	orch := NewWithVAD(&MockSTTProvider{}, &MockLLMProvider{}, &MockTTSProvider{}, NewRMSVAD(0.1, time.Second), DefaultConfig())
	require.NotNil(t, orch)
	assert.Equal(t, map[string]string{
		"stt": "MockSTT",
		"llm": "MockLLM",
		"tts": "MockTTS",
		"vad": "rms_vad",
	}, orch.GetProviders())
}

func TestOrchestrator_GetProvidersSkipsMissing(t *testing.T) {
	orch := New(nil, &MockLLMProvider{}, nil, DefaultConfig())
	assert.Equal(t, map[string]string{"llm": "MockLLM"}, orch.GetProviders())
}

func TestOrchestrator_Transcribe(t *testing.T) {
	orch := New(&MockSTTProvider{transcribeResult: "  hi  "}, nil, nil, DefaultConfig())
	text, err := orch.Transcribe(context.Background(), []byte{1}, LanguageEn)
	require.NoError(t, err)
	assert.Equal(t, "hi", text)

	orch = New(&MockSTTProvider{transcribeResult: "   "}, nil, nil, DefaultConfig())
	_, err = orch.Transcribe(context.Background(), []byte{1}, LanguageEn)
	assert.ErrorIs(t, err, ErrEmptyTranscription)

	orch = New(nil, nil, nil, DefaultConfig())
	_, err = orch.Transcribe(context.Background(), []byte{1}, LanguageEn)
	assert.ErrorIs(t, err, ErrNilProvider)
}

func TestOrchestrator_TranscribeCancelled(t *testing.T) {
	orch := New(&MockSTTProvider{transcribeErr: errors.New("aborted")}, nil, nil, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := orch.Transcribe(ctx, []byte{1}, LanguageEn)
	assert.ErrorIs(t, err, ErrContextCancelled)
}

func TestOrchestrator_GenerateResponse(t *testing.T) {
	llm := &MockLLMProvider{reply: llmScript{tokens: []string{"Hel", "lo"}}}
	orch := New(nil, llm, nil, DefaultConfig())
	session := orch.NewSessionWithDefaults("s")
	session.AddMessage("user", "hi")

	answer, err := orch.GenerateResponse(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, "Hello", answer)
	assert.Equal(t, int32(1), llm.closed.Load())
	require.Len(t, llm.Requests(), 1)
	assert.Equal(t, "hi", llm.Requests()[0][0].Content)
}

func TestOrchestrator_Synthesize(t *testing.T) {
	orch := New(nil, nil, &MockTTSProvider{}, DefaultConfig())
	audio, err := orch.Synthesize(context.Background(), "It’s ok", VoiceF1, LanguageEn)
	require.NoError(t, err)
	assert.Equal(t, "It's ok", string(audio))

	orch = New(nil, nil, &MockTTSProvider{err: errors.New("bad voice")}, DefaultConfig())
	_, err = orch.Synthesize(context.Background(), "x", VoiceF1, LanguageEn)
	assert.ErrorIs(t, err, ErrTTSFailed)
}

func TestOrchestrator_PushAudio(t *testing.T) {
	orch := New(nil, nil, nil, DefaultConfig())
	_, err := orch.PushAudio([]byte{1, 2})
	assert.ErrorIs(t, err, ErrVADNotConfigured)

	vad := NewRMSVAD(0.1, time.Second)
	vad.SetMinConfirmed(1)
	orch = NewWithVAD(nil, nil, nil, vad, DefaultConfig())
	ev, err := orch.PushAudio(loudChunk(100))
	require.NoError(t, err)
	assert.Equal(t, VADSpeechStart, ev.Type)
}

func TestOrchestrator_NewSessionWithDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxContextMessages = 4
	cfg.VoiceStyle = VoiceM1
	cfg.Language = LanguageFr
	orch := New(nil, nil, nil, cfg)

	s := orch.NewSessionWithDefaults("u")
	assert.Equal(t, 4, s.MaxMessages)
	assert.Equal(t, VoiceM1, s.GetCurrentVoice())
	assert.Equal(t, LanguageFr, s.GetCurrentLanguage())

	cfg.MaxContextMessages = 9
	orch.UpdateConfig(cfg)
	assert.Equal(t, 9, orch.GetConfig().MaxContextMessages)
}
