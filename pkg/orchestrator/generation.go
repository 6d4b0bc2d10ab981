package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var generationSeq atomic.Uint64

type GenerationState string

const (
	StateCreated           GenerationState = "created"
	StateLLMStreaming      GenerationState = "llm_streaming"
	StateBoundaryFound     GenerationState = "boundary_found"
	StateQuickOnly         GenerationState = "quick_only"
	StateQuickSynthesizing GenerationState = "quick_synthesizing"
	StateQuickDone         GenerationState = "quick_done"
	StateFinalSynthesizing GenerationState = "final_synthesizing"
	StateComplete          GenerationState = "complete"
	StateAborting          GenerationState = "aborting"
	StateAborted           GenerationState = "aborted"
)

// RunningGeneration is one attempt to answer one utterance. Only the
// coordinator's workers mutate it; everything exported is read-only.
type RunningGeneration struct {
	id        uint64
	input     string
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	audio  *AudioQueue

	mu             sync.Mutex
	stream         TokenStream
	quickText      string
	overhang       string
	finalText      string
	abortRequested bool
	completed      bool
	finalStarted   bool
	quickDoneAt    time.Time
	finalDoneAt    time.Time
	endedAt        time.Time

	llmStarted    atomic.Bool
	llmDone       atomic.Bool
	llmAborted    atomic.Bool
	boundaryFound atomic.Bool
	quickStarted  atomic.Bool
	quickDone     atomic.Bool
	quickAborted  atomic.Bool
	finalDone     atomic.Bool
	finalAborted  atomic.Bool
	aborted       atomic.Bool
	firstAudio    atomic.Bool
}

func newRunningGeneration(parent context.Context, input string) *RunningGeneration {
	ctx, cancel := context.WithCancel(parent)
	return &RunningGeneration{
		id:        generationSeq.Add(1),
		input:     input,
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		audio:     NewAudioQueue(),
	}
}

func (g *RunningGeneration) ID() uint64 { return g.id }
func (g *RunningGeneration) InputText() string { return g.input }
func (g *RunningGeneration) CreatedAt() time.Time { return g.createdAt }

// Audio is the generation's ordered output. Quick-phase frames always
// precede final-phase frames.
func (g *RunningGeneration) Audio() *AudioQueue { return g.audio }

// Context is cancelled when the generation is aborted.
func (g *RunningGeneration) Context() context.Context { return g.ctx }

func (g *RunningGeneration) QuickAnswer() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.quickText
}

func (g *RunningGeneration) Overhang() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.overhang
}

// FinalAnswer is the text spoken in the final phase so far.
func (g *RunningGeneration) FinalAnswer() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finalText
}

// Answer joins the quick and final answers.
func (g *RunningGeneration) Answer() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return joinAnswer(g.quickText, g.finalText)
}

func joinAnswer(quick, final string) string {
	quick = strings.TrimSpace(quick)
	final = strings.TrimSpace(final)
	switch {
	case quick == "":
		return final
	case final == "":
		return quick
	}
	return quick + " " + final
}

func (g *RunningGeneration) AbortRequested() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.abortRequested
}

func (g *RunningGeneration) Aborted() bool { return g.aborted.Load() }
func (g *RunningGeneration) BoundaryFound() bool { return g.boundaryFound.Load() }
func (g *RunningGeneration) LLMAborted() bool { return g.llmAborted.Load() }
func (g *RunningGeneration) QuickStarted() bool { return g.quickStarted.Load() }
func (g *RunningGeneration) QuickDone() bool { return g.quickDone.Load() }
func (g *RunningGeneration) QuickAborted() bool { return g.quickAborted.Load() }
func (g *RunningGeneration) FinalDone() bool { return g.finalDone.Load() }
func (g *RunningGeneration) FinalAborted() bool { return g.finalAborted.Load() }

func (g *RunningGeneration) FinalStarted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finalStarted
}

func (g *RunningGeneration) Completed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.completed
}

// Timestamps reports when the quick phase, the final phase and the whole
// generation finished. Zero means not yet.
func (g *RunningGeneration) Timestamps() (quickDone, finalDone, ended time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.quickDoneAt, g.finalDoneAt, g.endedAt
}

func (g *RunningGeneration) State() GenerationState {
	g.mu.Lock()
	abortReq, completed, finalStarted := g.abortRequested, g.completed, g.finalStarted
	g.mu.Unlock()

	switch {
	case g.aborted.Load():
		return StateAborted
	case abortReq:
		return StateAborting
	case completed:
		return StateComplete
	case finalStarted:
		return StateFinalSynthesizing
	case g.quickDone.Load():
		return StateQuickDone
	case g.quickStarted.Load():
		return StateQuickSynthesizing
	case g.llmDone.Load() && !g.boundaryFound.Load():
		return StateQuickOnly
	case g.boundaryFound.Load():
		return StateBoundaryFound
	case g.llmStarted.Load():
		return StateLLMStreaming
	}
	return StateCreated
}

// requestAbort marks the generation as aborting and cancels its context.
// It reports false when the generation already finished or is aborting.
func (g *RunningGeneration) requestAbort() bool {
	g.mu.Lock()
	if g.abortRequested || g.completed {
		g.mu.Unlock()
		return false
	}
	g.abortRequested = true
	g.mu.Unlock()
	g.cancel()
	return true
}

// markCompleted ends a generation that was not aborted.
func (g *RunningGeneration) markCompleted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.abortRequested || g.completed {
		return false
	}
	g.completed = true
	g.endedAt = time.Now()
	return true
}

func (g *RunningGeneration) markAborted() {
	g.mu.Lock()
	g.endedAt = time.Now()
	g.mu.Unlock()
	g.aborted.Store(true)
	g.cancel()
}

// attachStream parks the token stream on the generation. It fails if the
// generation is already being aborted; the caller then owns the stream.
func (g *RunningGeneration) attachStream(s TokenStream) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.abortRequested {
		return false
	}
	g.stream = s
	return true
}

// takeStream moves the stream out of the generation. Whoever takes it is
// its only reader until it is parked again or closed.
func (g *RunningGeneration) takeStream() TokenStream {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stream
	g.stream = nil
	return s
}

// parkStream returns a taken stream, closing it instead if the generation
// is aborting.
func (g *RunningGeneration) parkStream(s TokenStream) {
	if s == nil {
		return
	}
	if !g.attachStream(s) {
		s.Close()
	}
}

func (g *RunningGeneration) closeStream() {
	if s := g.takeStream(); s != nil {
		s.Close()
	}
}

func (g *RunningGeneration) appendQuick(tok string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quickText += tok
	return g.quickText
}

func (g *RunningGeneration) freezeQuick(quick, overhang string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quickText = quick
	g.overhang = overhang
}

func (g *RunningGeneration) appendFinal(frag string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.abortRequested {
		return "", false
	}
	g.finalText += frag
	return joinAnswer(g.quickText, g.finalText), true
}

func (g *RunningGeneration) setQuickDone(aborted bool) {
	g.mu.Lock()
	g.quickDoneAt = time.Now()
	g.mu.Unlock()
	g.quickAborted.Store(aborted)
	g.quickDone.Store(true)
}

func (g *RunningGeneration) setFinalDone(aborted bool) {
	g.mu.Lock()
	g.finalDoneAt = time.Now()
	g.mu.Unlock()
	g.finalAborted.Store(aborted)
	g.finalDone.Store(true)
}

// tryStartFinal flips finalStarted once the quick phase has completed
// cleanly after a boundary was found.
func (g *RunningGeneration) tryStartFinal() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.abortRequested || g.completed || g.finalStarted {
		return false
	}
	if !(g.quickStarted.Load() && g.quickDone.Load() && g.boundaryFound.Load() && !g.quickAborted.Load()) {
		return false
	}
	g.finalStarted = true
	return true
}

// pushAudio enqueues a frame unless the generation is aborting.
func (g *RunningGeneration) pushAudio(phase Phase, pcm []byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.abortRequested {
		return false
	}
	return g.audio.Push(AudioFrame{GenerationID: g.id, Phase: phase, PCM: pcm})
}
