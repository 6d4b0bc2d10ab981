package tts

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/orchestrator"
)

// LokutorTTS speaks over Lokutor's websocket API, one request per phrase.
// An idle connection is kept for reuse; calls running at the same time
// each get their own connection.
type LokutorTTS struct {
	apiKey   string
	host     string
	scheme   string
	speed    float64
	steps    int
	minWords int

	mu     sync.Mutex
	idle   *websocket.Conn
	active map[*websocket.Conn]struct{}
}

func NewLokutorTTS(apiKey string) *LokutorTTS {
	return &LokutorTTS{
		apiKey:   apiKey,
		host:     "api.lokutor.com",
		scheme:   "wss",
		speed:    1.0,
		steps:    6,
		minWords: defaultMinPhraseWords,
		active:   make(map[*websocket.Conn]struct{}),
	}
}

// SetMinPhraseWords sets how many words a phrase needs before it is sent
// on its own.
func (t *LokutorTTS) SetMinPhraseWords(n int) {
	t.minWords = n
}

func (t *LokutorTTS) acquire(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	if c := t.idle; c != nil {
		t.idle = nil
		t.active[c] = struct{}{}
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	u := url.URL{Scheme: t.scheme, Host: t.host, Path: "/ws", RawQuery: "api_key=" + url.QueryEscape(t.apiKey)}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lokutor: %w", err)
	}
	conn.SetReadLimit(10 * 1024 * 1024)

	t.mu.Lock()
	t.active[conn] = struct{}{}
	t.mu.Unlock()
	return conn, nil
}

// release parks a healthy connection for reuse. Connections that failed,
// or that Abort already closed, are dropped.
func (t *LokutorTTS) release(conn *websocket.Conn, healthy bool) {
	t.mu.Lock()
	_, live := t.active[conn]
	delete(t.active, conn)
	if healthy && live && t.idle == nil {
		t.idle = conn
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	conn.CloseNow()
}

func (t *LokutorTTS) Synthesize(ctx context.Context, src orchestrator.TextSource, voice orchestrator.Voice, lang orchestrator.Language, onUnit func(orchestrator.SynthesisUnit) error) error {
	phrases := NewPhraseReader(src, t.minWords)
	for {
		phrase, err := phrases.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := t.speak(ctx, phrase, voice, lang, onUnit); err != nil {
			return err
		}
	}
}

func (t *LokutorTTS) speak(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language, onUnit func(orchestrator.SynthesisUnit) error) error {
	conn, err := t.acquire(ctx)
	if err != nil {
		return err
	}

	req := map[string]interface{}{
		"text":    text,
		"voice":   string(voice),
		"lang":    string(lang),
		"speed":   t.speed,
		"steps":   t.steps,
		"visemes": false,
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.release(conn, false)
		return fmt.Errorf("failed to send synthesis request: %w", err)
	}

	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			t.release(conn, false)
			return fmt.Errorf("failed to read from lokutor: %w", err)
		}

		switch messageType {
		case websocket.MessageBinary:
			if err := onUnit(orchestrator.SynthesisUnit{Audio: payload}); err != nil {
				// Unread audio is still in flight; the connection can't be reused.
				t.release(conn, false)
				return err
			}
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				t.release(conn, true)
				return nil
			}
			if strings.HasPrefix(msg, "ERR:") {
				t.release(conn, true)
				return fmt.Errorf("lokutor error: %s", msg)
			}
		}
	}
}

func (t *LokutorTTS) Name() string {
	return "lokutor"
}

func (t *LokutorTTS) Close() error {
	t.mu.Lock()
	idle := t.idle
	t.idle = nil
	t.mu.Unlock()
	t.Abort()
	if idle != nil {
		return idle.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}

// Abort closes every connection with a synthesis in flight so blocked
// reads and writes return at once.
func (t *LokutorTTS) Abort() error {
	t.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(t.active))
	for c := range t.active {
		conns = append(conns, c)
	}
	t.active = make(map[*websocket.Conn]struct{})
	t.mu.Unlock()

	for _, c := range conns {
		c.CloseNow()
	}
	return nil
}
