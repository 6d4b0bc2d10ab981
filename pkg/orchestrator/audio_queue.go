package orchestrator

import (
	"context"
	"sync"
)

type Phase string

const (
	PhaseQuick Phase = "quick"
	PhaseFinal Phase = "final"
)

// AudioFrame is one released chunk of synthesized PCM.
type AudioFrame struct {
	GenerationID uint64
	Phase        Phase
	Seq          uint64
	PCM          []byte
}

// AudioQueue is an unbounded FIFO with one consumer. Producers never block.
type AudioQueue struct {
	mu      sync.Mutex
	frames  []AudioFrame
	notify  chan struct{}
	closed  bool
	nextSeq uint64
}

func NewAudioQueue() *AudioQueue {
	return &AudioQueue{notify: make(chan struct{}, 1)}
}

// Push appends a frame and assigns its sequence number. It reports false
// when the queue no longer accepts audio.
func (q *AudioQueue) Push(f AudioFrame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	f.Seq = q.nextSeq
	q.nextSeq++
	q.frames = append(q.frames, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks for the next frame. ok is false once the queue is closed and
// empty, or ctx is done.
func (q *AudioQueue) Pop(ctx context.Context) (AudioFrame, bool) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = AudioFrame{}
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return f, true
		}
		if q.closed {
			q.mu.Unlock()
			return AudioFrame{}, false
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return AudioFrame{}, false
		}
	}
}

// Close stops accepting frames and wakes the consumer. Queued frames still drain.
func (q *AudioQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Discard drops everything queued and closes the queue.
func (q *AudioQueue) Discard() {
	q.mu.Lock()
	q.frames = nil
	q.mu.Unlock()
	q.Close()
}

func (q *AudioQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
