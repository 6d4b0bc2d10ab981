package orchestrator

import (
	"sync"
	"time"
)

// JitterBuffer smooths bursty synthesizer output. Chunks are held back
// until either enough audio is buffered or the synthesizer has delivered a
// run of chunks faster than they play, then released in order to out.
type JitterBuffer struct {
	mu sync.Mutex

	out     func([]byte)
	onFirst func()
	now     func() time.Time

	bytesPerSecond int
	tolerance      float64
	maxHeld        time.Duration
	streakNeeded   int

	held     [][]byte
	heldDur  time.Duration
	streak   int
	last     time.Time
	started  bool
	notified bool
}

// NewJitterBuffer creates a buffer for PCM with the given format. onFirst,
// if set, runs once when the first chunk is submitted.
func NewJitterBuffer(cfg Config, out func([]byte), onFirst func()) *JitterBuffer {
	bps := cfg.SampleRate * cfg.Channels * cfg.BytesPerSamp
	if bps <= 0 {
		bps = 44100 * 2
	}
	p := cfg.Pipeline
	return &JitterBuffer{
		out:            out,
		onFirst:        onFirst,
		now:            time.Now,
		bytesPerSecond: bps,
		tolerance:      p.JitterTolerance,
		maxHeld:        p.JitterMaxHeld,
		streakNeeded:   p.JitterOnTimeStreak,
	}
}

func (b *JitterBuffer) playDuration(chunk []byte) time.Duration {
	return time.Duration(float64(len(chunk)) / float64(b.bytesPerSecond) * float64(time.Second))
}

// Submit adds one chunk. It never drops audio.
func (b *JitterBuffer) Submit(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	b.mu.Lock()
	now := b.now()
	dur := b.playDuration(chunk)

	if b.started {
		gap := now.Sub(b.last)
		if float64(gap) <= float64(dur)*b.tolerance {
			b.streak++
		} else {
			b.streak = 0
		}
	}
	b.started = true
	b.last = now

	b.held = append(b.held, chunk)
	b.heldDur += dur

	if b.streak >= b.streakNeeded || b.heldDur > b.maxHeld {
		b.release()
	}

	fire := !b.notified
	b.notified = true
	b.mu.Unlock()

	if fire && b.onFirst != nil {
		b.onFirst()
	}
}

// Flush releases everything still held.
func (b *JitterBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.release()
}

// Held reports how many chunks are waiting to be released.
func (b *JitterBuffer) Held() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.held)
}

// release runs with mu held so concurrent callers cannot interleave output.
func (b *JitterBuffer) release() {
	for _, c := range b.held {
		b.out(c)
	}
	b.held = nil
	b.heldDur = 0
}
