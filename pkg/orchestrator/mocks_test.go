package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type MockSTTProvider struct {
	transcribeResult string
	transcribeErr    error
}

func (m *MockSTTProvider) Transcribe(ctx context.Context, audio []byte, lang Language) (string, error) {
	return m.transcribeResult, m.transcribeErr
}

func (m *MockSTTProvider) Name() string {
	return "MockSTT"
}

// llmScript is what MockLLMProvider streams for one request.
type llmScript struct {
	tokens []string
	// hang keeps the stream open after the last token until it is closed
	// or its context is cancelled.
	hang    bool
	openErr error
	nextErr error
}

type MockLLMProvider struct {
	// script picks a reply from the latest user message. When nil, reply
	// is used for every request.
	script func(user string) llmScript
	reply  llmScript

	mu       sync.Mutex
	requests [][]Message
	opened   atomic.Int32
	closed   atomic.Int32
}

func (m *MockLLMProvider) Stream(ctx context.Context, messages []Message) (TokenStream, error) {
	m.mu.Lock()
	m.requests = append(m.requests, messages)
	m.mu.Unlock()

	s := m.reply
	if m.script != nil {
		user := ""
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == "user" {
				user = messages[i].Content
				break
			}
		}
		s = m.script(user)
	}
	if s.openErr != nil {
		return nil, s.openErr
	}
	m.opened.Add(1)
	return &mockTokenStream{ctx: ctx, script: s, done: make(chan struct{}), onClose: func() { m.closed.Add(1) }}, nil
}

func (m *MockLLMProvider) Name() string {
	return "MockLLM"
}

func (m *MockLLMProvider) Requests() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]Message(nil), m.requests...)
}

type mockTokenStream struct {
	ctx       context.Context
	script    llmScript
	pos       int
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func (s *mockTokenStream) Next() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.pos < len(s.script.tokens) {
		tok := s.script.tokens[s.pos]
		s.pos++
		return tok, nil
	}
	if s.script.nextErr != nil {
		return "", s.script.nextErr
	}
	if !s.script.hang {
		return "", io.EOF
	}
	select {
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	case <-s.done:
		return "", errors.New("stream closed")
	}
}

func (s *mockTokenStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.onClose()
	})
	return nil
}

// MockTTSProvider turns every text fragment into one unit whose audio is
// the fragment's bytes, so tests can read back what was spoken.
type MockTTSProvider struct {
	err error
	// failOn makes Synthesize fail once a fragment contains it.
	failOn string
	// stuck blocks every call, ignoring context and Abort, until closed.
	stuck chan struct{}
	// delay is slept before each fragment, honouring the context.
	delay time.Duration
	// abortKills makes Abort fail every call in flight, as real
	// providers do.
	abortKills bool

	mu     sync.Mutex
	calls  []string
	kill   chan struct{}
	aborts atomic.Int32
}

func (m *MockTTSProvider) killed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kill == nil {
		m.kill = make(chan struct{})
	}
	return m.kill
}

func (m *MockTTSProvider) Synthesize(ctx context.Context, text TextSource, voice Voice, lang Language, onUnit func(SynthesisUnit) error) error {
	if m.stuck != nil {
		<-m.stuck
		return errors.New("released")
	}
	if m.err != nil {
		return m.err
	}

	var spoken strings.Builder
	defer func() {
		m.mu.Lock()
		m.calls = append(m.calls, spoken.String())
		m.mu.Unlock()
	}()

	for {
		frag, err := text.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if frag == "" {
			continue
		}
		if m.failOn != "" && strings.Contains(frag, m.failOn) {
			return errors.New("synthesizer rejected text")
		}
		if m.delay > 0 {
			select {
			case <-time.After(m.delay):
			case <-ctx.Done():
				return ctx.Err()
			case <-m.killed():
				return errors.New("synthesizer aborted")
			}
		}
		spoken.WriteString(frag)
		unit := SynthesisUnit{
			Audio: []byte(frag),
			Words: []WordTiming{{Word: strings.TrimSpace(frag), End: 10 * time.Millisecond}},
		}
		if err := onUnit(unit); err != nil {
			return err
		}
	}
}

func (m *MockTTSProvider) Abort() error {
	m.aborts.Add(1)
	if m.abortKills {
		m.mu.Lock()
		if m.kill != nil {
			close(m.kill)
		}
		m.kill = nil
		m.mu.Unlock()
	}
	return nil
}

func (m *MockTTSProvider) Name() string {
	return "MockTTS"
}

func (m *MockTTSProvider) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// hookRecorder captures coordinator hooks on channels.
type hookRecorder struct {
	started chan *RunningGeneration
	ended   chan *RunningGeneration

	mu       sync.Mutex
	aborted  map[uint64]bool
	partials map[uint64][]string
	words    atomic.Int32
	first    atomic.Int32
}

func newHookRecorder() *hookRecorder {
	return &hookRecorder{
		started:  make(chan *RunningGeneration, 16),
		ended:    make(chan *RunningGeneration, 16),
		aborted:  map[uint64]bool{},
		partials: map[uint64][]string{},
	}
}

func (h *hookRecorder) hooks() Hooks {
	return Hooks{
		OnGenerationStart: func(g *RunningGeneration) { h.started <- g },
		OnPartialAnswer: func(g *RunningGeneration, text string) {
			h.mu.Lock()
			h.partials[g.ID()] = append(h.partials[g.ID()], text)
			h.mu.Unlock()
		},
		OnWords:      func(*RunningGeneration, []WordTiming) { h.words.Add(1) },
		OnFirstAudio: func(*RunningGeneration) { h.first.Add(1) },
		OnGenerationEnd: func(g *RunningGeneration, aborted bool) {
			h.mu.Lock()
			h.aborted[g.ID()] = aborted
			h.mu.Unlock()
			h.ended <- g
		},
	}
}

func (h *hookRecorder) wasAborted(g *RunningGeneration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted[g.ID()]
}

func (h *hookRecorder) partialsFor(g *RunningGeneration) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.partials[g.ID()]...)
}

func waitGeneration(t *testing.T, ch <-chan *RunningGeneration) *RunningGeneration {
	t.Helper()
	select {
	case g := <-ch:
		return g
	case <-time.After(3 * time.Second):
		require.FailNow(t, "timed out waiting for generation hook")
	}
	return nil
}

func requireNoGeneration(t *testing.T, ch <-chan *RunningGeneration, wait time.Duration) {
	t.Helper()
	select {
	case g := <-ch:
		require.FailNowf(t, "unexpected generation", "generation %d %q", g.ID(), g.InputText())
	case <-time.After(wait):
	}
}

// drainFrames reads a finished generation's queue to the end.
func drainFrames(g *RunningGeneration) []AudioFrame {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var frames []AudioFrame
	for {
		f, ok := g.Audio().Pop(ctx)
		if !ok {
			return frames
		}
		frames = append(frames, f)
	}
}

func spokenText(frames []AudioFrame, phase Phase) string {
	var sb strings.Builder
	for _, f := range frames {
		if f.Phase == phase {
			sb.Write(f.PCM)
		}
	}
	return sb.String()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Pipeline.AbortTimeout = 2 * time.Second
	cfg.Pipeline.WorkerStopTimeout = 500 * time.Millisecond
	cfg.Pipeline.ShutdownTimeout = 2 * time.Second
	cfg.Pipeline.FinalPollInterval = 5 * time.Millisecond
	return cfg
}
