package orchestrator

import (
	"math"
	"sync"
	"time"
)

// EchoGuard flags microphone chunks that look like the assistant's own
// playback picked up by the mic. It compares the amplitude envelope of the
// input against the audio recently sent to the client.
type EchoGuard struct {
	mu        sync.Mutex
	played    []byte
	maxBytes  int
	lastPlay  time.Time
	window    time.Duration
	threshold float64
	now       func() time.Time
}

// NewEchoGuard keeps about two seconds of played audio for cfg's format.
func NewEchoGuard(cfg Config) *EchoGuard {
	n := cfg.SampleRate * cfg.Channels * cfg.BytesPerSamp * 2
	if n <= 0 {
		n = 176400
	}
	return &EchoGuard{
		maxBytes:  n,
		window:    1200 * time.Millisecond,
		threshold: 0.6,
		now:       time.Now,
	}
}

// Played records audio that was just sent for playback.
func (e *EchoGuard) Played(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.played = append(e.played, pcm...)
	if over := len(e.played) - e.maxBytes; over > 0 {
		e.played = append(e.played[:0], e.played[over:]...)
	}
	e.lastPlay = e.now()
}

// Clear forgets played audio, e.g. after an interruption.
func (e *EchoGuard) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.played = e.played[:0]
	e.lastPlay = time.Time{}
}

// IsEcho reports whether chunk correlates with recent playback.
func (e *EchoGuard) IsEcho(chunk []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(chunk) == 0 || len(e.played) == 0 || e.now().Sub(e.lastPlay) > e.window {
		return false
	}
	return envelopeCorrelation(pcm16ToFloat(chunk), pcm16ToFloat(e.played), 8) > e.threshold
}

func (e *EchoGuard) SetThreshold(t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t > 0 && t <= 1 {
		e.threshold = t
	}
}

// pcm16ToFloat decodes 16-bit little-endian PCM into [-1, 1].
func pcm16ToFloat(data []byte) []float64 {
	out := make([]float64, len(data)/2)
	for i := range out {
		out[i] = float64(int16(uint16(data[2*i])|uint16(data[2*i+1])<<8)) / 32768.0
	}
	return out
}

func envelope(samples []float64, decimation int) []float64 {
	env := make([]float64, len(samples)/decimation)
	for i := range env {
		for _, s := range samples[i*decimation : (i+1)*decimation] {
			env[i] += math.Abs(s)
		}
	}
	return env
}

// envelopeCorrelation slides in's envelope over ref's and returns the best
// Pearson correlation found. Envelopes survive the phase shifts a room adds.
func envelopeCorrelation(in, ref []float64, decimation int) float64 {
	a := envelope(in, decimation)
	b := envelope(ref, decimation)
	n := len(a)
	if n == 0 || len(b) < n {
		return 0
	}

	meanA := 0.0
	for _, v := range a {
		meanA += v
	}
	meanA /= float64(n)
	varA := 0.0
	for i := range a {
		a[i] -= meanA
		varA += a[i] * a[i]
	}
	if varA == 0 {
		return 0
	}

	stride := n / 4
	if stride < 2 {
		stride = 2
	}
	best := 0.0
	for pos := 0; pos+n <= len(b); pos += stride {
		seg := b[pos : pos+n]
		meanB := 0.0
		for _, v := range seg {
			meanB += v
		}
		meanB /= float64(n)
		dot, varB := 0.0, 0.0
		for i, v := range seg {
			d := v - meanB
			dot += a[i] * d
			varB += d * d
		}
		if varB == 0 {
			continue
		}
		if c := dot / math.Sqrt(varA*varB); c > best {
			best = c
		}
	}
	return best
}
