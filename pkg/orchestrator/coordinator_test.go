package orchestrator

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type coordFixture struct {
	coord   *Coordinator
	session *ConversationSession
	metrics *Metrics
	hooks   *hookRecorder
}

func newCoordFixture(t *testing.T, llm LLMProvider, tts TTSProvider, cfg Config) *coordFixture {
	t.Helper()
	f := &coordFixture{
		session: NewConversationSession("test"),
		metrics: NewMetrics("test", prometheus.NewRegistry()),
		hooks:   newHookRecorder(),
	}
	f.coord = NewCoordinator(llm, tts, f.session, cfg, nil, f.metrics, f.hooks.hooks())
	require.NoError(t, f.coord.Start())
	t.Cleanup(func() { f.coord.Shutdown(time.Second) })
	return f
}

func TestCoordinator_StartRequiresProviders(t *testing.T) {
	c := NewCoordinator(nil, &MockTTSProvider{}, NewConversationSession("x"), testConfig(), nil, nil, Hooks{})
	assert.ErrorIs(t, c.Start(), ErrNilProvider)
	assert.False(t, c.Running())
}

func TestCoordinator_PrepareErrors(t *testing.T) {
	c := NewCoordinator(&MockLLMProvider{}, &MockTTSProvider{}, NewConversationSession("x"), testConfig(), nil, nil, Hooks{})
	assert.ErrorIs(t, c.Prepare("hello"), ErrNotStarted)
	assert.ErrorIs(t, c.Prepare("   "), ErrEmptyUtterance)
	assert.ErrorIs(t, c.Finish(), ErrNotStarted)
}

func TestCoordinator_StartIsIdempotent(t *testing.T) {
	f := newCoordFixture(t, &MockLLMProvider{}, &MockTTSProvider{}, testConfig())
	ws := f.coord.ws.Load()
	require.NoError(t, f.coord.Start())
	assert.Same(t, ws, f.coord.ws.Load())
}

func TestCoordinator_QuickThenFinal(t *testing.T) {
	llm := &MockLLMProvider{reply: llmScript{tokens: []string{"Hello ", "world. ", "How are you?"}}}
	tts := &MockTTSProvider{}
	f := newCoordFixture(t, llm, tts, testConfig())

	require.NoError(t, f.coord.Prepare("Hi there"))
	g := waitGeneration(t, f.hooks.started)
	end := waitGeneration(t, f.hooks.ended)
	require.Same(t, g, end)
	assert.False(t, f.hooks.wasAborted(g))

	assert.Equal(t, "Hello world.", g.QuickAnswer())
	assert.Equal(t, "", g.Overhang())
	assert.Equal(t, "How are you?", g.FinalAnswer())
	assert.Equal(t, "Hello world. How are you?", g.Answer())
	assert.Equal(t, StateComplete, g.State())
	assert.True(t, g.BoundaryFound())
	assert.True(t, g.FinalDone())
	assert.False(t, g.FinalAborted())
	assert.Nil(t, f.coord.Current())

	frames := drainFrames(g)
	require.NotEmpty(t, frames)
	assert.Equal(t, "Hello world.", spokenText(frames, PhaseQuick))
	assert.Equal(t, "How are you?", spokenText(frames, PhaseFinal))
	seenFinal := false
	for i, fr := range frames {
		assert.Equal(t, g.ID(), fr.GenerationID)
		assert.Equal(t, uint64(i), fr.Seq)
		if fr.Phase == PhaseFinal {
			seenFinal = true
		}
		if seenFinal {
			assert.Equal(t, PhaseFinal, fr.Phase, "quick audio after final audio")
		}
	}

	assert.Equal(t, []string{"Hello world.", "How are you?"}, tts.Calls())
	assert.Equal(t, []Message{
		{Role: "user", Content: "Hi there"},
		{Role: "assistant", Content: "Hello world. How are you?"},
	}, f.session.GetContextCopy())

	partials := f.hooks.partialsFor(g)
	require.NotEmpty(t, partials)
	assert.Equal(t, "Hello ", partials[0])
	assert.Equal(t, "Hello world. How are you?", partials[len(partials)-1])
	assert.Equal(t, int32(1), f.hooks.first.Load())
	assert.Positive(t, f.hooks.words.Load())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.generationsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.generationsEnded.WithLabelValues("complete")))
}

func TestCoordinator_OverhangOpensFinalPhase(t *testing.T) {
	llm := &MockLLMProvider{reply: llmScript{tokens: []string{"Hello ", "world. How", " are you?"}}}
	tts := &MockTTSProvider{}
	f := newCoordFixture(t, llm, tts, testConfig())

	require.NoError(t, f.coord.Prepare("Hi"))
	g := waitGeneration(t, f.hooks.ended)

	assert.Equal(t, "Hello world.", g.QuickAnswer())
	assert.Equal(t, "How", g.Overhang())
	assert.Equal(t, "How are you?", g.FinalAnswer())
	assert.Equal(t, []string{"Hello world.", "How are you?"}, tts.Calls())
}

func TestCoordinator_NoBoundarySpeaksQuickOnly(t *testing.T) {
	llm := &MockLLMProvider{reply: llmScript{tokens: []string{"Yes", " indeed"}}}
	tts := &MockTTSProvider{}
	f := newCoordFixture(t, llm, tts, testConfig())

	require.NoError(t, f.coord.Prepare("Is it true"))
	g := waitGeneration(t, f.hooks.ended)

	assert.False(t, g.BoundaryFound())
	assert.False(t, g.FinalStarted())
	assert.Equal(t, "Yes indeed", g.Answer())
	frames := drainFrames(g)
	assert.Equal(t, "Yes indeed", spokenText(frames, PhaseQuick))
	assert.Empty(t, spokenText(frames, PhaseFinal))
	assert.Equal(t, []string{"Yes indeed"}, tts.Calls())
}

func TestCoordinator_DuplicatePrepareStartsOneGeneration(t *testing.T) {
	llm := &MockLLMProvider{reply: llmScript{tokens: []string{"Hi."}}}
	f := newCoordFixture(t, llm, &MockTTSProvider{}, testConfig())

	require.NoError(t, f.coord.Prepare("hello there"))
	require.NoError(t, f.coord.Prepare("hello there"))

	waitGeneration(t, f.hooks.started)
	requireNoGeneration(t, f.hooks.started, 200*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.generationsStarted))
	assert.EqualValues(t, 1, f.coord.Generations())
}

func TestCoordinator_FinishResetsDuplicateDetection(t *testing.T) {
	llm := &MockLLMProvider{reply: llmScript{tokens: []string{"Hi."}}}
	f := newCoordFixture(t, llm, &MockTTSProvider{}, testConfig())

	require.NoError(t, f.coord.Prepare("hello there"))
	waitGeneration(t, f.hooks.ended)

	require.NoError(t, f.coord.Finish())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, f.coord.Prepare("hello there"))
	waitGeneration(t, f.hooks.started)
	waitGeneration(t, f.hooks.started)
}

func TestCoordinator_SimilarUtteranceIsIgnored(t *testing.T) {
	llm := &MockLLMProvider{reply: llmScript{hang: true}}
	f := newCoordFixture(t, llm, &MockTTSProvider{}, testConfig())

	require.NoError(t, f.coord.Prepare("what is the weather today"))
	g := waitGeneration(t, f.hooks.started)

	require.NoError(t, f.coord.Prepare("What is the weather today?"))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.requestsDropped.WithLabelValues("similar")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Same(t, g, f.coord.Current())
	assert.False(t, g.AbortRequested())
}

func TestCoordinator_NewUtteranceAbortsRunning(t *testing.T) {
	llm := &MockLLMProvider{script: func(user string) llmScript {
		if user == "Tell me about whales" {
			return llmScript{tokens: []string{"Whales are large mammals. "}, hang: true}
		}
		return llmScript{tokens: []string{"It is noon."}}
	}}
	tts := &MockTTSProvider{}
	f := newCoordFixture(t, llm, tts, testConfig())

	require.NoError(t, f.coord.Prepare("Tell me about whales"))
	a := waitGeneration(t, f.hooks.started)
	require.Eventually(t, a.FinalStarted, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.coord.Prepare("What time is it in Tokyo"))
	ended := waitGeneration(t, f.hooks.ended)
	require.Same(t, a, ended)
	assert.True(t, f.hooks.wasAborted(a))
	assert.True(t, a.Aborted())
	assert.Equal(t, StateAborted, a.State())
	assert.Error(t, a.Context().Err())
	assert.Zero(t, a.Audio().Len())
	assert.False(t, a.Audio().Push(AudioFrame{PCM: []byte("late")}), "aborted generation accepted audio")

	b := waitGeneration(t, f.hooks.started)
	require.NotSame(t, a, b)
	waitGeneration(t, f.hooks.ended)
	assert.False(t, f.hooks.wasAborted(b))
	assert.Equal(t, "It is noon.", spokenText(drainFrames(b), PhaseQuick))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.aborts))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.generationsEnded.WithLabelValues("aborted")))
	assert.Eventually(t, func() bool { return llm.closed.Load() == llm.opened.Load() }, time.Second, 5*time.Millisecond)

	// The aborted turn leaves only its user message behind.
	assert.Equal(t, []Message{
		{Role: "user", Content: "Tell me about whales"},
		{Role: "user", Content: "What time is it in Tokyo"},
		{Role: "assistant", Content: "It is noon."},
	}, f.session.GetContextCopy())
}

func TestCoordinator_AtMostOneLiveGeneration(t *testing.T) {
	llm := &MockLLMProvider{reply: llmScript{tokens: []string{"Thinking about it. "}, hang: true}}
	session := NewConversationSession("test")

	var live, maxLive atomic.Int32
	hooks := Hooks{
		OnGenerationStart: func(*RunningGeneration) {
			n := live.Add(1)
			if n > maxLive.Load() {
				maxLive.Store(n)
			}
		},
		OnGenerationEnd: func(*RunningGeneration, bool) { live.Add(-1) },
	}
	c := NewCoordinator(llm, &MockTTSProvider{}, session, testConfig(), nil, nil, hooks)
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Shutdown(time.Second) })

	texts := []string{"apples", "bicycles are fun", "tell me a joke", "what's the capital of France", "how tall is Everest"}
	for _, text := range texts {
		require.NoError(t, c.Prepare(text))
		time.Sleep(10 * time.Millisecond)
	}

	last := texts[len(texts)-1]
	require.Eventually(t, func() bool {
		g := c.Current()
		return g != nil && g.InputText() == last
	}, 3*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, maxLive.Load(), int32(1))
}

func TestCoordinator_AbortIdleReturnsImmediately(t *testing.T) {
	f := newCoordFixture(t, &MockLLMProvider{}, &MockTTSProvider{}, testConfig())

	start := time.Now()
	assert.True(t, f.coord.Abort(true, time.Second))
	assert.True(t, f.coord.Abort(false, 0))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(f.metrics.aborts))
}

func TestCoordinator_AbortIsIdempotent(t *testing.T) {
	llm := &MockLLMProvider{reply: llmScript{hang: true}}
	f := newCoordFixture(t, llm, &MockTTSProvider{}, testConfig())

	require.NoError(t, f.coord.Prepare("keep talking"))
	g := waitGeneration(t, f.hooks.started)

	assert.True(t, f.coord.Abort(true, time.Second))
	assert.Same(t, g, waitGeneration(t, f.hooks.ended))
	assert.True(t, f.hooks.wasAborted(g))
	assert.Nil(t, f.coord.Current())

	assert.True(t, f.coord.Abort(true, time.Second))
	requireNoGeneration(t, f.hooks.ended, 100*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.aborts))
	assert.True(t, f.coord.gate.IsSet())
}

func TestCoordinator_ShutdownIsBoundedWithStuckSynthesizer(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.WorkerStopTimeout = 100 * time.Millisecond
	llm := &MockLLMProvider{reply: llmScript{tokens: []string{"Hello world. ", "More text"}}}
	tts := &MockTTSProvider{stuck: make(chan struct{})}
	f := newCoordFixture(t, llm, tts, cfg)
	t.Cleanup(func() { close(tts.stuck) })

	require.NoError(t, f.coord.Prepare("Hi"))
	g := waitGeneration(t, f.hooks.started)
	require.Eventually(t, g.QuickStarted, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	ok := f.coord.Shutdown(400 * time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, ok, "stuck worker reported as joined")
	assert.Less(t, elapsed, time.Second)
	assert.False(t, f.coord.Running())
	assert.Nil(t, f.coord.Current())
	assert.True(t, g.AbortRequested())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.workerTimeouts.WithLabelValues(workerQuick)))
	assert.ErrorIs(t, f.coord.Prepare("again"), ErrNotStarted)
}

func TestCoordinator_RestartAfterShutdown(t *testing.T) {
	llm := &MockLLMProvider{reply: llmScript{tokens: []string{"Back again."}}}
	f := newCoordFixture(t, llm, &MockTTSProvider{}, testConfig())

	require.True(t, f.coord.Shutdown(time.Second))
	assert.ErrorIs(t, f.coord.Prepare("hello"), ErrNotStarted)

	require.NoError(t, f.coord.Start())
	require.NoError(t, f.coord.Prepare("hello"))
	g := waitGeneration(t, f.hooks.ended)
	assert.Equal(t, "Back again.", g.Answer())
}

func TestCoordinator_LLMOpenFailureEndsTurn(t *testing.T) {
	llm := &MockLLMProvider{reply: llmScript{openErr: errors.New("quota exceeded")}}
	tts := &MockTTSProvider{}
	f := newCoordFixture(t, llm, tts, testConfig())

	require.NoError(t, f.coord.Prepare("hello"))
	g := waitGeneration(t, f.hooks.ended)

	assert.False(t, f.hooks.wasAborted(g))
	assert.True(t, g.LLMAborted())
	assert.Empty(t, drainFrames(g))
	assert.Empty(t, tts.Calls())
	assert.Equal(t, []Message{{Role: "user", Content: "hello"}}, f.session.GetContextCopy())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.stageFailures.WithLabelValues(workerLLM)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.generationsEnded.WithLabelValues("llm_failed")))
}

func TestCoordinator_LLMStreamFailureSkipsSpeech(t *testing.T) {
	llm := &MockLLMProvider{reply: llmScript{tokens: []string{"Partial answ"}, nextErr: errors.New("connection reset")}}
	tts := &MockTTSProvider{}
	f := newCoordFixture(t, llm, tts, testConfig())

	require.NoError(t, f.coord.Prepare("hello"))
	g := waitGeneration(t, f.hooks.ended)

	assert.True(t, g.LLMAborted())
	assert.Empty(t, tts.Calls())
	assert.Equal(t, "Partial answ", g.Answer())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.generationsEnded.WithLabelValues("llm_failed")))
}

func TestCoordinator_QuickSynthesisFailure(t *testing.T) {
	llm := &MockLLMProvider{reply: llmScript{tokens: []string{"Hello world. ", "And more."}}}
	tts := &MockTTSProvider{failOn: "Hello"}
	f := newCoordFixture(t, llm, tts, testConfig())

	require.NoError(t, f.coord.Prepare("hi"))
	g := waitGeneration(t, f.hooks.ended)

	assert.True(t, g.QuickDone())
	assert.True(t, g.QuickAborted())
	assert.False(t, g.FinalStarted())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.stageFailures.WithLabelValues(workerQuick)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.generationsEnded.WithLabelValues("quick_failed")))
	assert.Eventually(t, func() bool { return llm.closed.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_ResetClearsHistory(t *testing.T) {
	llm := &MockLLMProvider{reply: llmScript{tokens: []string{"Sure."}}}
	f := newCoordFixture(t, llm, &MockTTSProvider{}, testConfig())
	f.session.SetSystemPrompt("be brief")

	require.NoError(t, f.coord.Prepare("hello"))
	waitGeneration(t, f.hooks.ended)
	require.Len(t, f.session.GetContextCopy(), 3)

	assert.True(t, f.coord.Reset(true))
	assert.Equal(t, []Message{{Role: "system", Content: "be brief"}}, f.session.GetContextCopy())
}

func TestCoordinator_AbortSparesOtherSessionsOnSharedTTS(t *testing.T) {
	tts := &MockTTSProvider{delay: 300 * time.Millisecond, abortKills: true}
	a := newCoordFixture(t, &MockLLMProvider{reply: llmScript{tokens: []string{"speaking for session one"}}}, tts, testConfig())
	b := newCoordFixture(t, &MockLLMProvider{reply: llmScript{tokens: []string{"speaking for session two"}}}, tts, testConfig())

	require.NoError(t, a.coord.Prepare("first user"))
	require.NoError(t, b.coord.Prepare("second user"))
	waitGeneration(t, a.hooks.started)
	gb := waitGeneration(t, b.hooks.started)

	time.Sleep(100 * time.Millisecond)
	require.True(t, a.coord.Abort(true, time.Second))

	end := waitGeneration(t, b.hooks.ended)
	require.Same(t, gb, end)
	assert.False(t, b.hooks.wasAborted(gb))
	assert.False(t, gb.QuickAborted())
	assert.Equal(t, StateComplete, gb.State())
	assert.Equal(t, "speaking for session two", spokenText(drainFrames(gb), PhaseQuick))
}

func TestCoordinator_TypographicPunctuationSplitsQuickAnswer(t *testing.T) {
	tests := []struct {
		name   string
		tokens []string
		quick  string
		final  string
	}{
		{
			name:   "ellipsis",
			tokens: []string{"Well, let me think about it… ", "the answer is yes and the rest follows"},
			quick:  "Well, let me think about it...",
			final:  "the answer is yes and the rest follows",
		},
		{
			name:   "em dash",
			tokens: []string{"Sure thing, here it is — ", "the list you asked for."},
			quick:  "Sure thing, here it is -",
			final:  "the list you asked for.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tts := &MockTTSProvider{}
			f := newCoordFixture(t, &MockLLMProvider{reply: llmScript{tokens: tt.tokens}}, tts, testConfig())

			require.NoError(t, f.coord.Prepare("question"))
			g := waitGeneration(t, f.hooks.ended)

			assert.True(t, g.BoundaryFound())
			assert.Equal(t, tt.quick, g.QuickAnswer())
			assert.Equal(t, tt.final, g.FinalAnswer())
			assert.Equal(t, []string{tt.quick, tt.final}, tts.Calls())
			for _, p := range f.hooks.partialsFor(g) {
				assert.NotContains(t, p, "…")
				assert.NotContains(t, p, "—")
			}
		})
	}
}

func TestCoordinator_BlankQuickAnswerHandsOverToFinal(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.BoundaryMinLength = 0
	cfg.Pipeline.BoundaryMinAlphaNum = 0
	tts := &MockTTSProvider{}
	f := newCoordFixture(t, &MockLLMProvider{reply: llmScript{tokens: []string{"\n", "then the rest of it."}}}, tts, cfg)

	require.NoError(t, f.coord.Prepare("go on"))
	g := waitGeneration(t, f.hooks.ended)

	assert.False(t, f.hooks.wasAborted(g))
	assert.True(t, g.BoundaryFound())
	assert.True(t, g.FinalDone())
	assert.Equal(t, "then the rest of it.", g.FinalAnswer())
	assert.Equal(t, []string{"then the rest of it."}, tts.Calls())
	assert.Equal(t, "then the rest of it.", spokenText(drainFrames(g), PhaseFinal))
	assert.Nil(t, f.coord.Current())
}
