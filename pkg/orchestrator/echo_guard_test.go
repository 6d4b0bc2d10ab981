package orchestrator

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// tonePCM renders 16-bit PCM whose amplitude follows a slow envelope, so
// the echo guard has a shape to match.
func tonePCM(samples int, freq, envFreq float64) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		env := 0.5 + 0.5*math.Sin(2*math.Pi*envFreq*float64(i)/16000)
		v := env * math.Sin(2*math.Pi*freq*float64(i)/16000)
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v*20000)))
	}
	return out
}

func echoGuardFixture() (*EchoGuard, *fakeClock) {
	cfg := DefaultConfig()
	cfg.SampleRate = 16000
	g := NewEchoGuard(cfg)
	clock := &fakeClock{now: time.Unix(100, 0)}
	g.now = clock.Now
	return g, clock
}

func TestEchoGuard_DetectsPlayedAudio(t *testing.T) {
	g, _ := echoGuardFixture()
	played := tonePCM(8000, 440, 6)
	g.Played(played)

	assert.True(t, g.IsEcho(played[4000:8000]))
}

func TestEchoGuard_IgnoresUnrelatedAudio(t *testing.T) {
	g, _ := echoGuardFixture()
	g.Played(tonePCM(8000, 440, 6))

	assert.False(t, g.IsEcho(make([]byte, 4000)), "silence has no envelope")
}

func TestEchoGuard_WindowExpires(t *testing.T) {
	g, clock := echoGuardFixture()
	played := tonePCM(8000, 440, 6)
	g.Played(played)
	clock.Advance(2 * time.Second)
	assert.False(t, g.IsEcho(played[:4000]))
}

func TestEchoGuard_ClearForgets(t *testing.T) {
	g, _ := echoGuardFixture()
	played := tonePCM(8000, 440, 6)
	g.Played(played)
	g.Clear()
	assert.False(t, g.IsEcho(played[:4000]))
}

func TestEchoGuard_KeepsBoundedHistory(t *testing.T) {
	g, _ := echoGuardFixture()
	for i := 0; i < 10; i++ {
		g.Played(tonePCM(16000, 440, 6))
	}
	assert.LessOrEqual(t, len(g.played), g.maxBytes)
}

func TestEchoGuard_NoiseIsNotEcho(t *testing.T) {
	g, _ := echoGuardFixture()
	g.Played(tonePCM(8000, 440, 6))

	r := rand.New(rand.NewSource(1))
	noise := make([]byte, 4000)
	for i := 0; i < len(noise); i += 2 {
		binary.LittleEndian.PutUint16(noise[i:], uint16(int16(r.Intn(20000)-10000)))
	}
	assert.False(t, g.IsEcho(noise))
}
