package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	workerDispatch = "dispatch"
	workerLLM      = "llm"
	workerQuick    = "quick_tts"
	workerFinal    = "final_tts"
)

// Session is what a coordinator needs from the conversation it speaks in.
type Session interface {
	History
	GetCurrentVoice() Voice
	GetCurrentLanguage() Language
}

// Hooks are optional callbacks fired by the coordinator's workers. Any
// field may be nil. Hooks run on worker goroutines and must not block for
// long or call back into Abort, Reset or Shutdown.
type Hooks struct {
	OnGenerationStart func(g *RunningGeneration)
	OnPartialAnswer   func(g *RunningGeneration, text string)
	OnWords           func(g *RunningGeneration, words []WordTiming)
	OnFirstAudio      func(g *RunningGeneration)
	OnGenerationEnd   func(g *RunningGeneration, aborted bool)
}

type stageWorker struct {
	name     string
	ready    *signal
	stop     *signal
	finished *signal
	active   atomic.Bool
	pending  atomic.Pointer[RunningGeneration]
}

func newStageWorker(name string) *stageWorker {
	w := &stageWorker{name: name, ready: newSignal(), stop: newSignal(), finished: newSignal()}
	w.finished.Set()
	return w
}

// trigger hands g to the worker and wakes it.
func (w *stageWorker) trigger(g *RunningGeneration) {
	w.pending.Store(g)
	w.finished.Clear()
	w.ready.Set()
}

// await parks until the worker is triggered. It reports false on quit.
func (w *stageWorker) await(quit *signal) bool {
	select {
	case <-w.ready.Done():
	case <-quit.Done():
		return false
	}
	if quit.IsSet() {
		return false
	}
	w.active.Store(true)
	w.ready.Clear()
	return true
}

func (w *stageWorker) begin() {
	w.active.Store(true)
	w.finished.Clear()
}

func (w *stageWorker) end() {
	w.active.Store(false)
	w.finished.Set()
}

// workerSet is one Start's worth of goroutines and their signals.
type workerSet struct {
	quit     *signal
	requests chan PipelineRequest
	ctx      context.Context
	cancel   context.CancelFunc
	llm      *stageWorker
	quick    *stageWorker
	final    *stageWorker
	wg       sync.WaitGroup

	// prev is the last request the dispatcher acted on.
	prev *PipelineRequest
}

func (ws *workerSet) stages() []*stageWorker {
	return []*stageWorker{ws.llm, ws.quick, ws.final}
}

// Coordinator runs the staged generation pipeline for one conversation:
// a dispatch worker, an LLM worker, a quick-TTS worker and a final-TTS
// worker. At most one generation is live at a time.
type Coordinator struct {
	llm      LLMProvider
	tts      TTSProvider
	session  Session
	audioCfg Config
	cfg      PipelineConfig
	logger   Logger
	metrics  *Metrics
	hooks    Hooks
	policy   *InterruptionPolicy
	boundary *BoundaryDetector

	lifeMu  sync.Mutex
	ws      atomic.Pointer[workerSet]
	running atomic.Bool

	// abortMu covers the abort protocol and replacing the live generation.
	abortMu sync.Mutex
	slot    atomic.Pointer[RunningGeneration]
	created atomic.Uint64
	// gate is open (set) unless an abort is in progress.
	gate *signal
}

func NewCoordinator(llm LLMProvider, tts TTSProvider, session Session, cfg Config, logger Logger, metrics *Metrics, hooks Hooks) *Coordinator {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	c := &Coordinator{
		llm:      llm,
		tts:      tts,
		session:  session,
		audioCfg: cfg,
		cfg:      cfg.Pipeline,
		logger:   logger,
		metrics:  metrics,
		hooks:    hooks,
		policy:   NewInterruptionPolicy(cfg.Pipeline),
		boundary: NewBoundaryDetector(cfg.Pipeline),
		gate:     newSignal(),
	}
	c.gate.Set()
	return c
}

// Start launches the workers. Calling it on a running coordinator is a
// no-op; calling it after Shutdown starts a fresh set.
func (c *Coordinator) Start() error {
	if c.llm == nil || c.tts == nil || c.session == nil {
		return ErrNilProvider
	}
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.running.Load() {
		return nil
	}

	size := c.cfg.RequestQueueSize
	if size <= 0 {
		size = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	ws := &workerSet{
		quit:     newSignal(),
		requests: make(chan PipelineRequest, size),
		ctx:      ctx,
		cancel:   cancel,
		llm:      newStageWorker(workerLLM),
		quick:    newStageWorker(workerQuick),
		final:    newStageWorker(workerFinal),
	}
	c.gate.Set()
	c.ws.Store(ws)

	ws.wg.Add(4)
	go c.dispatchLoop(ws)
	go c.llmLoop(ws)
	go c.quickLoop(ws)
	go c.finalLoop(ws)

	c.running.Store(true)
	c.logger.Info("pipeline workers started")
	return nil
}

func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// Current returns the live generation, or nil.
func (c *Coordinator) Current() *RunningGeneration {
	return c.slot.Load()
}

// Generations reports how many generations this coordinator has created.
func (c *Coordinator) Generations() uint64 {
	return c.created.Load()
}

// Prepare queues a finalized utterance. While an abort is in progress it
// blocks until the abort finishes or the abort timeout elapses.
func (c *Coordinator) Prepare(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyUtterance
	}
	return c.enqueue(PipelineRequest{Action: ActionPrepare, Payload: text, Timestamp: time.Now()})
}

// Finish queues a finish marker. It performs no work of its own but resets
// duplicate detection.
func (c *Coordinator) Finish() error {
	return c.enqueue(PipelineRequest{Action: ActionFinish, Timestamp: time.Now()})
}

func (c *Coordinator) enqueue(req PipelineRequest) error {
	ws := c.ws.Load()
	if ws == nil || !c.running.Load() {
		return ErrNotStarted
	}
	c.gate.Wait(c.cfg.AbortTimeout)
	select {
	case ws.requests <- req:
		return nil
	case <-ws.quit.Done():
		return ErrShutdown
	}
}

func (c *Coordinator) dispatchLoop(ws *workerSet) {
	defer ws.wg.Done()
	for {
		select {
		case req := <-ws.requests:
			req, dropped := latestRequest(req, ws.requests)
			for i := 0; i < dropped; i++ {
				c.metrics.requestDropped("superseded")
			}
			c.handleRequest(ws, req)
		case <-ws.quit.Done():
			return
		}
	}
}

func (c *Coordinator) handleRequest(ws *workerSet, req PipelineRequest) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("dispatch worker panic", "worker", workerDispatch, "panic", r)
		}
	}()

	if req.isDuplicateOf(ws.prev, c.cfg.DuplicateWindow) {
		c.logger.Debug("dropping duplicate request", "action", req.Action, "payload", req.Payload)
		c.metrics.requestDropped("duplicate")
		return
	}
	if !c.waitGate(ws) {
		return
	}

	r := req
	ws.prev = &r
	switch req.Action {
	case ActionFinish:
		c.logger.Debug("finish request received")
	case ActionPrepare:
		c.startGeneration(ws, req.Payload)
	}
}

func (c *Coordinator) waitGate(ws *workerSet) bool {
	select {
	case <-c.gate.Done():
		return !ws.quit.IsSet()
	case <-ws.quit.Done():
		return false
	}
}

func (c *Coordinator) startGeneration(ws *workerSet, text string) {
	running := c.slot.Load()
	decision, score := c.policy.Decide(text, running)
	switch decision {
	case Ignore:
		c.logger.Info("ignoring utterance similar to running generation",
			"generationID", running.ID(), "similarity", score)
		c.metrics.requestDropped("similar")
		return
	case Abort:
		c.logger.Info("new utterance interrupts running generation",
			"generationID", running.ID(), "similarity", score)
		if !c.Abort(true, c.cfg.AbortTimeout) {
			c.logger.Warn("abort did not complete in time, continuing", "generationID", running.ID())
		}
	}
	if !c.waitGate(ws) {
		return
	}

	c.abortMu.Lock()
	if cur := c.slot.Load(); cur != nil && !cur.AbortRequested() && !cur.Completed() {
		c.abortMu.Unlock()
		c.logger.Error("generation still live, dropping utterance", "generationID", cur.ID())
		return
	}
	g := newRunningGeneration(ws.ctx, text)
	c.slot.Store(g)
	c.created.Add(1)
	c.abortMu.Unlock()

	c.metrics.generationStarted()
	c.logger.Info("generation started", "generationID", g.ID())
	c.session.AddMessage("user", text)
	if c.hooks.OnGenerationStart != nil {
		c.hooks.OnGenerationStart(g)
	}

	stream, err := c.openStream(g)
	if err != nil {
		if g.AbortRequested() {
			return
		}
		c.logger.Error("failed to open llm stream", "generationID", g.ID(), "error", err)
		c.metrics.stageFailed(workerLLM)
		g.llmAborted.Store(true)
		g.llmDone.Store(true)
		c.finishGeneration(g, "llm_failed")
		return
	}
	if !g.attachStream(stream) {
		stream.Close()
		return
	}
	ws.llm.trigger(g)
}

func (c *Coordinator) openStream(g *RunningGeneration) (stream TokenStream, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrLLMFailed, r)
		}
	}()
	stream, err = c.llm.Stream(g.Context(), c.session.GetContextCopy())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLLMFailed, err)
	}
	return stream, nil
}

func (c *Coordinator) llmLoop(ws *workerSet) {
	defer ws.wg.Done()
	w := ws.llm
	for w.await(ws.quit) {
		g := w.pending.Swap(nil)
		if w.stop.IsSet() || g == nil || g.AbortRequested() {
			c.logger.Debug("llm worker woke for a stopped generation", "worker", w.name)
			w.end()
			continue
		}
		c.runLLM(ws, w, g)
		w.end()
	}
}

func (c *Coordinator) runLLM(ws *workerSet, w *stageWorker, g *RunningGeneration) {
	stream := g.takeStream()
	if stream == nil {
		return
	}
	g.llmStarted.Store(true)
	handedOff := false

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("llm worker panic", "worker", w.name, "generationID", g.ID(), "panic", r)
			c.metrics.stageFailed(workerLLM)
			g.llmAborted.Store(true)
		}
		if !handedOff {
			stream.Close()
		}
		g.llmDone.Store(true)
		if !g.AbortRequested() {
			ws.quick.trigger(g)
		}
	}()

	stopped := func() bool { return w.stop.IsSet() || g.AbortRequested() }
	for {
		if stopped() {
			g.llmAborted.Store(true)
			return
		}
		tok, err := stream.Next()
		if err == io.EOF {
			g.freezeQuick(strings.TrimSpace(g.QuickAnswer()), "")
			c.logger.Debug("llm stream ended without a boundary", "generationID", g.ID())
			return
		}
		if err != nil {
			g.llmAborted.Store(true)
			if !stopped() {
				c.logger.Error("llm stream failed", "generationID", g.ID(), "error", err)
				c.metrics.stageFailed(workerLLM)
			}
			return
		}

		text := g.appendQuick(NormalizeFragment(tok))
		c.partialAnswer(g, text)
		if head, tail, ok := c.boundary.Cut(text); ok {
			g.freezeQuick(head, tail)
			g.boundaryFound.Store(true)
			g.parkStream(stream)
			handedOff = true
			c.logger.Debug("quick answer boundary found", "generationID", g.ID(), "quick", head)
			return
		}
	}
}

func (c *Coordinator) quickLoop(ws *workerSet) {
	defer ws.wg.Done()
	w := ws.quick
	for w.await(ws.quit) {
		g := w.pending.Swap(nil)
		if w.stop.IsSet() || g == nil || g.AbortRequested() {
			w.end()
			continue
		}
		c.runQuick(w, g)
		w.end()
	}
}

func (c *Coordinator) runQuick(w *stageWorker, g *RunningGeneration) {
	outcome := "complete"
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("quick tts worker panic", "worker", w.name, "generationID", g.ID(), "panic", r)
			c.metrics.stageFailed(workerQuick)
			g.setQuickDone(true)
			outcome = "quick_failed"
		}
		if g.AbortRequested() {
			return
		}
		// With a clean boundary the final worker takes over from here.
		if outcome != "complete" || !g.BoundaryFound() {
			c.finishGeneration(g, outcome)
		}
	}()

	if g.LLMAborted() {
		outcome = "llm_failed"
		return
	}
	g.quickStarted.Store(true)
	text := g.QuickAnswer()
	if strings.TrimSpace(text) == "" {
		// Nothing to say, so the final worker continues from the overhang.
		g.setQuickDone(false)
		return
	}
	completed, err := c.newStage(g).Run(g.Context(), StaticText(text), c.newJitter(g, PhaseQuick), func() bool {
		return w.stop.IsSet() || g.AbortRequested()
	})
	if err != nil {
		c.logger.Error("quick synthesis failed", "generationID", g.ID(), "error", err)
		c.metrics.stageFailed(workerQuick)
	}
	g.setQuickDone(!completed)
	if !completed {
		outcome = "quick_failed"
	}
}

// finalLoop polls because its trigger is the conjunction of several
// other workers' flags rather than a single event.
func (c *Coordinator) finalLoop(ws *workerSet) {
	defer ws.wg.Done()
	w := ws.final
	interval := c.cfg.FinalPollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.quit.Done():
			return
		case <-ticker.C:
		}
		g := c.slot.Load()
		if g == nil || !g.QuickDone() || g.FinalStarted() {
			continue
		}
		w.begin()
		if w.stop.IsSet() || !g.tryStartFinal() {
			w.end()
			continue
		}
		c.runFinal(w, g)
		w.end()
	}
}

func (c *Coordinator) runFinal(w *stageWorker, g *RunningGeneration) {
	stream := g.takeStream()
	outcome := "complete"
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("final tts worker panic", "worker", w.name, "generationID", g.ID(), "panic", r)
			c.metrics.stageFailed(workerFinal)
			g.setFinalDone(true)
			outcome = "final_failed"
		}
		if stream != nil {
			stream.Close()
		}
		if !g.AbortRequested() {
			c.finishGeneration(g, outcome)
		}
	}()

	overhang := g.Overhang()
	src := TextSourceFunc(func() (string, error) {
		var frag string
		if overhang != "" {
			frag, overhang = overhang, ""
		} else {
			if stream == nil {
				return "", io.EOF
			}
			tok, err := stream.Next()
			if err != nil {
				return "", err
			}
			frag = tok
		}
		frag = NormalizeFragment(frag)
		if text, ok := g.appendFinal(frag); ok {
			c.partialAnswer(g, text)
		}
		return frag, nil
	})

	completed, err := c.newStage(g).Run(g.Context(), src, c.newJitter(g, PhaseFinal), func() bool {
		return w.stop.IsSet() || g.AbortRequested()
	})
	if err != nil {
		c.logger.Error("final synthesis failed", "generationID", g.ID(), "error", err)
		c.metrics.stageFailed(workerFinal)
	}
	g.setFinalDone(!completed)
	if !completed {
		outcome = "final_failed"
	}
}

func (c *Coordinator) newStage(g *RunningGeneration) *SynthesisStage {
	return NewSynthesisStage(c.tts, c.session.GetCurrentVoice(), c.session.GetCurrentLanguage(), func(words []WordTiming) {
		if c.hooks.OnWords != nil && c.isLive(g) {
			c.hooks.OnWords(g, words)
		}
	}, c.logger)
}

func (c *Coordinator) newJitter(g *RunningGeneration, phase Phase) *JitterBuffer {
	return NewJitterBuffer(c.audioCfg, func(pcm []byte) {
		if g.pushAudio(phase, pcm) {
			c.metrics.audioFrame(phase)
		}
	}, func() {
		if !g.firstAudio.CompareAndSwap(false, true) || !c.isLive(g) {
			return
		}
		c.metrics.firstAudio(time.Since(g.CreatedAt()))
		if c.hooks.OnFirstAudio != nil {
			c.hooks.OnFirstAudio(g)
		}
	})
}

// isLive guards callbacks from workers that outlived their generation.
func (c *Coordinator) isLive(g *RunningGeneration) bool {
	cur := c.slot.Load()
	return cur != nil && cur.ID() == g.ID() && !g.AbortRequested()
}

func (c *Coordinator) partialAnswer(g *RunningGeneration, text string) {
	if c.hooks.OnPartialAnswer != nil && c.isLive(g) {
		c.hooks.OnPartialAnswer(g, text)
	}
}

func (c *Coordinator) finishGeneration(g *RunningGeneration, outcome string) {
	if !g.markCompleted() {
		return
	}
	g.closeStream()
	g.audio.Close()
	if answer := g.Answer(); answer != "" {
		c.session.AddMessage("assistant", answer)
	}
	c.slot.CompareAndSwap(g, nil)

	c.metrics.generationEnded(outcome)
	c.logger.Info("generation finished", "generationID", g.ID(), "outcome", outcome)
	if c.hooks.OnGenerationEnd != nil {
		c.hooks.OnGenerationEnd(g, false)
	}
}

// Abort stops the live generation. With wait it blocks until the abort
// protocol completes or timeout elapses; on timeout the generation is
// dropped anyway and Abort reports false. Aborting with nothing running
// returns true immediately.
func (c *Coordinator) Abort(wait bool, timeout time.Duration) bool {
	g := c.slot.Load()
	if g == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.runAbort(g)
	}()
	if !wait {
		return true
	}
	if timeout <= 0 {
		timeout = c.cfg.AbortTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		c.logger.Warn("abort timed out, force clearing generation", "timeout", timeout)
		c.forceClear(g)
		return false
	}
}

// forceClear drops g without waiting on its workers. If no abort protocol
// had claimed g yet, its end is reported here.
func (c *Coordinator) forceClear(g *RunningGeneration) {
	claimed := g.requestAbort()
	g.audio.Discard()
	c.slot.CompareAndSwap(g, nil)
	if !claimed {
		return
	}
	g.closeStream()
	g.markAborted()
	c.metrics.generationEnded("aborted")
	if c.hooks.OnGenerationEnd != nil {
		c.hooks.OnGenerationEnd(g, true)
	}
}

// runAbort is the abort protocol for g. It does nothing if g is no longer
// the live generation or is already finishing or aborting.
func (c *Coordinator) runAbort(g *RunningGeneration) {
	c.abortMu.Lock()
	defer c.abortMu.Unlock()

	if c.slot.Load() != g || !g.requestAbort() {
		return
	}
	c.gate.Clear()
	defer c.gate.Set()
	c.logger.Info("aborting generation", "generationID", g.ID(), "state", g.State())

	ws := c.ws.Load()
	if ws != nil {
		var waiting []*stageWorker
		for _, w := range ws.stages() {
			active := w.active.Load()
			if !active && !w.ready.IsSet() {
				continue
			}
			w.stop.Set()
			if !active {
				w.ready.Set()
			}
			waiting = append(waiting, w)
		}
		for _, w := range waiting {
			if !w.finished.Wait(c.cfg.WorkerStopTimeout) {
				c.logger.Warn("worker did not stop in time", "worker", w.name, "generationID", g.ID())
				c.metrics.workerTimedOut(w.name)
			}
		}
	}

	g.closeStream()
	g.audio.Discard()
	g.markAborted()
	c.slot.CompareAndSwap(g, nil)

	if ws != nil {
		for _, w := range ws.stages() {
			w.stop.Clear()
			if !w.active.Load() && w.ready.IsSet() {
				w.ready.Clear()
				w.pending.CompareAndSwap(g, nil)
				w.finished.Set()
			}
		}
	}

	c.metrics.abortRan()
	c.metrics.generationEnded("aborted")
	c.logger.Info("generation aborted", "generationID", g.ID())
	if c.hooks.OnGenerationEnd != nil {
		c.hooks.OnGenerationEnd(g, true)
	}
}

// Reset aborts the live generation, waiting for it, and optionally clears
// the conversation history.
func (c *Coordinator) Reset(clearHistory bool) bool {
	ok := c.Abort(true, c.cfg.AbortTimeout)
	if clearHistory {
		c.session.ClearContext()
	}
	return ok
}

// Shutdown aborts any live generation, stops the workers and waits for them
// to exit, all within timeout. It reports whether every worker exited.
func (c *Coordinator) Shutdown(timeout time.Duration) bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	ws := c.ws.Load()
	if ws == nil || !c.running.Load() {
		return true
	}
	if timeout <= 0 {
		timeout = c.cfg.ShutdownTimeout
	}
	deadline := time.Now().Add(timeout)

	c.Abort(true, timeout/2)
	c.running.Store(false)
	ws.quit.Set()
	ws.cancel()
	for _, w := range ws.stages() {
		w.stop.Set()
	}

	joined := make(chan struct{})
	go func() {
		ws.wg.Wait()
		close(joined)
	}()

	ok := true
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-joined:
	case <-timer.C:
		ok = false
		c.logger.Warn("pipeline workers did not exit in time", "timeout", timeout)
	}

	if g := c.slot.Load(); g != nil {
		c.forceClear(g)
	}
	c.gate.Set()
	c.logger.Info("pipeline workers stopped", "clean", ok)
	return ok
}
