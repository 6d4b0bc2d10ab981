package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ManagedStream handles full-duplex voice orchestration for one session.
// Microphone audio goes in through Write; synthesized audio and text
// events come out of Events in the order the client should handle them.
type ManagedStream struct {
	orch    *Orchestrator
	session *ConversationSession
	coord   *Coordinator
	ctx     context.Context
	cancel  context.CancelFunc
	events  chan OrchestratorEvent
	vad     VADProvider
	echo    *EchoGuard
	logger  Logger

	audioBuf *bytes.Buffer
	mu       sync.Mutex

	sttChan         chan<- []byte
	sttCancel       context.CancelFunc
	lastAudioSentAt time.Time

	gens    chan *RunningGeneration
	playing atomic.Pointer[RunningGeneration]
	cut     atomic.Uint64 // highest interrupted generation ID

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManagedStream creates a managed stream and starts its pipeline.
func NewManagedStream(ctx context.Context, o *Orchestrator, session *ConversationSession) (*ManagedStream, error) {
	mCtx, mCancel := context.WithCancel(ctx)

	var streamVAD VADProvider
	if o.vad != nil {
		streamVAD = o.vad.Clone()
	}

	ms := &ManagedStream{
		orch:     o,
		session:  session,
		ctx:      mCtx,
		cancel:   mCancel,
		events:   make(chan OrchestratorEvent, 1024),
		audioBuf: new(bytes.Buffer),
		vad:      streamVAD,
		echo:     NewEchoGuard(o.GetConfig()),
		logger:   o.logger,
		gens:     make(chan *RunningGeneration, 16),
	}

	ms.coord = o.NewCoordinator(session, Hooks{
		OnGenerationStart: ms.onGenerationStart,
		OnPartialAnswer: func(g *RunningGeneration, text string) {
			ms.emitFor(g, BotResponsePartial, text)
		},
		OnWords: func(g *RunningGeneration, words []WordTiming) {
			ms.emitFor(g, WordTimings, words)
		},
		OnFirstAudio: ms.onFirstAudio,
	})
	if err := ms.coord.Start(); err != nil {
		mCancel()
		return nil, err
	}

	ms.wg.Add(1)
	go ms.forwardAudio()
	return ms, nil
}

// Coordinator exposes the stream's generation pipeline.
func (ms *ManagedStream) Coordinator() *Coordinator {
	return ms.coord
}

// Write adds audio data to the stream and processes it through the VAD
func (ms *ManagedStream) Write(chunk []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.vad == nil {
		return ErrVADNotConfigured
	}

	// Dynamic Echo Guard: If we're currently or recently sent audio, increase VAD threshold
	if rmsVAD, ok := ms.vad.(*RMSVAD); ok {
		originalThreshold := rmsVAD.Threshold()
		if time.Since(ms.lastAudioSentAt) < 250*time.Millisecond {
			rmsVAD.SetThreshold(0.35)
			defer rmsVAD.SetThreshold(originalThreshold)
		}
	}

	if !ms.userSpeaking() && ms.echo.IsEcho(chunk) {
		return nil
	}

	event, err := ms.vad.Process(chunk)
	if err != nil {
		return err
	}

	isUserSpeaking := ms.userSpeaking()

	if event != nil {
		switch event.Type {
		case VADSpeechStart:
			ms.emit(UserSpeaking, nil)
			// Recording started: barge in on anything being generated or played.
			ms.interruptLocked()

			if sProvider, ok := ms.orch.stt.(StreamingSTTProvider); ok {
				ms.startStreamingSTT(sProvider)
			}

		case VADSpeechEnd:
			ms.emit(UserStopped, nil)

			if ms.sttChan != nil {
				close(ms.sttChan)
				ms.sttChan = nil
			} else {
				audioData := make([]byte, ms.audioBuf.Len())
				copy(audioData, ms.audioBuf.Bytes())
				ms.audioBuf.Reset()
				go ms.runBatchTranscription(audioData)
			}
		}
	}

	if ms.sttChan != nil {
		select {
		case ms.sttChan <- chunk:
		default:
			// Channel full
		}
	}

	// Buffer management with pre-roll: while the user is silent keep only
	// the last ~500ms as lead-in for the next utterance.
	ms.audioBuf.Write(chunk)
	leadIn := ms.preRollBytes()
	if !isUserSpeaking && ms.audioBuf.Len() > leadIn+leadIn/8 {
		data := ms.audioBuf.Bytes()
		tail := append([]byte(nil), data[len(data)-leadIn:]...)
		ms.audioBuf.Reset()
		ms.audioBuf.Write(tail)
	}

	return nil
}

func (ms *ManagedStream) userSpeaking() bool {
	if rmsVAD, ok := ms.vad.(*RMSVAD); ok {
		return rmsVAD.IsSpeaking()
	}
	return false
}

func (ms *ManagedStream) preRollBytes() int {
	cfg := ms.orch.GetConfig()
	n := cfg.SampleRate * cfg.Channels * cfg.BytesPerSamp / 2
	if n <= 0 {
		n = 44100
	}
	return n
}

// startStreamingSTT must be called with ms.mu held.
func (ms *ManagedStream) startStreamingSTT(provider StreamingSTTProvider) {
	if ms.sttCancel != nil {
		ms.sttCancel()
	}
	ctx, cancel := context.WithCancel(ms.ctx)

	sttChan, err := provider.StreamTranscribe(ctx, ms.session.GetCurrentLanguage(), func(transcript string, isFinal bool) error {
		if isFinal {
			ms.OnUtterance(transcript)
		} else {
			ms.OnPartialTranscript(transcript)
		}
		return nil
	})
	if err != nil {
		ms.emit(ErrorEvent, fmt.Sprintf("failed to start streaming STT: %v", err))
		cancel()
		return
	}

	ms.sttCancel = cancel
	ms.sttChan = sttChan

	// Flush pre-roll buffer to the new STT stream
	if ms.audioBuf.Len() > 0 {
		data := make([]byte, ms.audioBuf.Len())
		copy(data, ms.audioBuf.Bytes())
		select {
		case sttChan <- data:
		default:
		}
	}
}

func (ms *ManagedStream) runBatchTranscription(audioData []byte) {
	transcript, err := ms.orch.Transcribe(ms.ctx, audioData, ms.session.GetCurrentLanguage())
	if err != nil {
		if !errors.Is(err, ErrEmptyTranscription) && ms.ctx.Err() == nil {
			ms.emit(ErrorEvent, fmt.Sprintf("transcription error: %v", err))
		}
		return
	}
	ms.OnUtterance(transcript)
}

// OnPartialTranscript echoes an in-progress transcript to the client.
func (ms *ManagedStream) OnPartialTranscript(text string) {
	ms.emit(TranscriptPartial, text)
}

// OnUtterance hands a finalized user utterance to the pipeline.
func (ms *ManagedStream) OnUtterance(text string) {
	ms.emit(TranscriptFinal, text)
	if err := ms.coord.Prepare(text); err != nil {
		if errors.Is(err, ErrEmptyUtterance) {
			return
		}
		ms.emit(ErrorEvent, fmt.Sprintf("prepare failed: %v", err))
	}
}

// SubmitText answers a typed query, cutting off whatever is playing first.
func (ms *ManagedStream) SubmitText(text string) {
	ms.Interrupt()
	ms.OnUtterance(text)
}

// Interrupt stops the running generation and any audio still queued for
// the client.
func (ms *ManagedStream) Interrupt() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.interruptLocked()
}

// Reset interrupts and optionally clears the conversation history.
func (ms *ManagedStream) Reset(clearHistory bool) bool {
	ms.Interrupt()
	return ms.coord.Reset(clearHistory)
}

// interruptLocked must be called with ms.mu held.
func (ms *ManagedStream) interruptLocked() {
	busy := false
	// The live generation may still be queued behind the one playing, so
	// both are cut here rather than when the abort completes.
	if cur := ms.coord.Current(); cur != nil {
		busy = true
		ms.cutThrough(cur.ID())
		cur.Audio().Discard()
		ms.coord.Abort(false, 0)
	}
	if p := ms.playing.Load(); p != nil {
		busy = true
		ms.cutThrough(p.ID())
		p.Audio().Discard()
	}
	ms.echo.Clear()
	if !busy {
		return
	}

	// Clear the events channel of any pending AudioChunks to ensure
	// the Interrupted event is processed as soon as possible by the client.
	ms.drainAudioChunks()
	ms.emit(Interrupted, nil)
}

// cutThrough marks every generation up to id as interrupted. IDs only grow,
// so one watermark covers a queued generation and the one before it.
func (ms *ManagedStream) cutThrough(id uint64) {
	if id > ms.cut.Load() {
		ms.cut.Store(id)
	}
}

func (ms *ManagedStream) isCut(g *RunningGeneration) bool {
	return g.ID() <= ms.cut.Load()
}

func (ms *ManagedStream) onGenerationStart(g *RunningGeneration) {
	ms.emitFor(g, BotThinking, nil)
	select {
	case ms.gens <- g:
	case <-ms.ctx.Done():
	}
}

func (ms *ManagedStream) onFirstAudio(g *RunningGeneration) {
	// Clear VAD state right before speaking so pre-existing echo/noise
	// doesn't trigger a barge-in immediately.
	ms.mu.Lock()
	if ms.vad != nil {
		ms.vad.Reset()
	}
	ms.mu.Unlock()
	ms.emitFor(g, BotSpeaking, nil)
}

// forwardAudio drains generations one at a time, in creation order. A
// generation's final answer is emitted only after its audio.
func (ms *ManagedStream) forwardAudio() {
	defer ms.wg.Done()
	for {
		var g *RunningGeneration
		select {
		case g = <-ms.gens:
		case <-ms.ctx.Done():
			return
		}

		ms.playing.Store(g)
		for {
			frame, ok := g.Audio().Pop(ms.ctx)
			if !ok {
				break
			}
			// Checked under mu so nothing from a cut generation follows
			// the Interrupted event.
			ms.mu.Lock()
			if !ms.isCut(g) {
				ms.lastAudioSentAt = time.Now()
				ms.echo.Played(frame.PCM)
				ms.emitFor(g, AudioChunk, frame.PCM)
			}
			ms.mu.Unlock()
		}
		ms.playing.CompareAndSwap(g, nil)

		if g.Completed() && !ms.isCut(g) {
			ms.emitFor(g, BotResponse, g.Answer())
		}
	}
}

// Events returns the event channel
func (ms *ManagedStream) Events() <-chan OrchestratorEvent {
	return ms.events
}

// Close stops the pipeline and closes the event channel.
func (ms *ManagedStream) Close() {
	ms.closeOnce.Do(func() {
		// Cancel first so hooks blocked on delivery give up.
		ms.cancel()
		ms.coord.Shutdown(ms.orch.GetConfig().Pipeline.ShutdownTimeout)

		ms.mu.Lock()
		if ms.sttCancel != nil {
			ms.sttCancel()
			ms.sttCancel = nil
		}
		ms.sttChan = nil
		ms.mu.Unlock()

		ms.wg.Wait()

		ms.closeMu.Lock()
		ms.closed = true
		close(ms.events)
		ms.closeMu.Unlock()
	})
}

func (ms *ManagedStream) emit(eventType EventType, data interface{}) {
	ms.send(OrchestratorEvent{Type: eventType, SessionID: ms.session.ID, Data: data})
}

func (ms *ManagedStream) emitFor(g *RunningGeneration, eventType EventType, data interface{}) {
	ms.send(OrchestratorEvent{Type: eventType, SessionID: ms.session.ID, GenerationID: g.ID(), Data: data})
}

// send never drops events; it blocks until the client reads or the stream
// is closed.
func (ms *ManagedStream) send(event OrchestratorEvent) {
	ms.closeMu.RLock()
	defer ms.closeMu.RUnlock()
	if ms.closed {
		return
	}
	select {
	case ms.events <- event:
	case <-ms.ctx.Done():
	}
}

// drainAudioChunks removes all AudioChunk events from the events channel
func (ms *ManagedStream) drainAudioChunks() {
	var controlEvents []OrchestratorEvent
DrainLoop:
	for {
		select {
		case ev := <-ms.events:
			if ev.Type != AudioChunk {
				controlEvents = append(controlEvents, ev)
			}
		default:
			break DrainLoop
		}
	}
	for _, ev := range controlEvents {
		select {
		case ms.events <- ev:
		default:
		}
	}
}
