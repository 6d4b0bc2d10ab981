package orchestrator

import (
	"context"
	"fmt"
	"time"
)

var validVoices = map[Voice]bool{
	VoiceF1: true, VoiceF2: true, VoiceF3: true, VoiceF4: true, VoiceF5: true,
	VoiceM1: true, VoiceM2: true, VoiceM3: true, VoiceM4: true, VoiceM5: true,
}

var validLanguages = map[Language]bool{
	LanguageEn: true, LanguageEs: true, LanguageFr: true, LanguageDe: true,
	LanguageIt: true, LanguagePt: true, LanguageJa: true, LanguageZh: true,
}

// ParseVoice validates a voice name such as "F1" or "M3".
func ParseVoice(s string) (Voice, error) {
	v := Voice(s)
	if !validVoices[v] {
		return "", fmt.Errorf("invalid voice: %s (must be F1-F5 or M1-M5)", s)
	}
	return v, nil
}

// ParseLanguage validates a language code.
func ParseLanguage(s string) (Language, error) {
	l := Language(s)
	if !validLanguages[l] {
		return "", fmt.Errorf("invalid language: %s", s)
	}
	return l, nil
}

// Conversation is a half-duplex, turn-at-a-time API over an Orchestrator.
// Each call runs one whole turn; nothing is interruptible. Use a
// ManagedStream for barge-in.
type Conversation struct {
	orch    *Orchestrator
	session *ConversationSession
}

// NewConversation creates a conversation with the default configuration.
//
// Example:
//
//	conv := orchestrator.NewConversation(stt, llm, tts)
//	conv.SetSystemPrompt("You are a helpful assistant")
//	reply, err := conv.TextOnly(ctx, "Hello!")
func NewConversation(stt STTProvider, llm LLMProvider, tts TTSProvider) *Conversation {
	return NewConversationWithConfig(stt, llm, tts, DefaultConfig())
}

func NewConversationWithConfig(stt STTProvider, llm LLMProvider, tts TTSProvider, config Config) *Conversation {
	orch := New(stt, llm, tts, config)
	return &Conversation{
		orch:    orch,
		session: orch.NewSessionWithDefaults(fmt.Sprintf("conv_%d", time.Now().UnixNano())),
	}
}

func (c *Conversation) Session() *ConversationSession {
	return c.session
}

func (c *Conversation) SetVoiceByString(voice string) error {
	v, err := ParseVoice(voice)
	if err != nil {
		return err
	}
	c.session.SetVoice(v)
	return nil
}

func (c *Conversation) SetLanguageByString(language string) error {
	l, err := ParseLanguage(language)
	if err != nil {
		return err
	}
	c.session.SetLanguage(l)
	return nil
}

func (c *Conversation) SetSystemPrompt(prompt string) {
	c.session.SetSystemPrompt(prompt)
}

// ProcessAudio transcribes one recorded utterance, answers it and streams
// the spoken answer to onAudio.
func (c *Conversation) ProcessAudio(ctx context.Context, audio []byte, onAudio func([]byte) error) (string, string, error) {
	transcript, err := c.orch.Transcribe(ctx, audio, c.session.GetCurrentLanguage())
	if err != nil {
		return "", "", err
	}
	response, err := c.Chat(ctx, transcript, onAudio)
	if err != nil {
		return transcript, "", err
	}
	return transcript, response, nil
}

// Chat answers text and synthesizes the answer in one piece.
func (c *Conversation) Chat(ctx context.Context, text string, onAudio func([]byte) error) (string, error) {
	response, err := c.TextOnly(ctx, text)
	if err != nil {
		return "", err
	}
	audio, err := c.orch.Synthesize(ctx, response, c.session.GetCurrentVoice(), c.session.GetCurrentLanguage())
	if err != nil {
		c.orch.logger.Error("synthesis failed in chat", "sessionID", c.session.ID, "error", err)
		return response, err
	}
	if onAudio != nil && len(audio) > 0 {
		if err := onAudio(audio); err != nil {
			return response, err
		}
	}
	return response, nil
}

// TextOnly answers text without speech.
func (c *Conversation) TextOnly(ctx context.Context, text string) (string, error) {
	c.orch.logger.Info("text message received", "sessionID", c.session.ID, "messageLen", len(text))
	c.session.AddMessage("user", text)

	response, err := c.orch.GenerateResponse(ctx, c.session)
	if err != nil {
		c.orch.logger.Error("response generation failed", "sessionID", c.session.ID, "error", err)
		return "", err
	}
	c.session.AddMessage("assistant", response)
	return response, nil
}

func (c *Conversation) GetContext() []Message {
	return c.session.GetContextCopy()
}

func (c *Conversation) ClearContext() {
	c.session.ClearContext()
}

func (c *Conversation) GetProviders() map[string]string {
	return c.orch.GetProviders()
}
