package orchestrator

import (
	"math"
	"time"
)

// VADConfig tunes RMSVAD.
type VADConfig struct {
	// Threshold is the RMS level in [0, 1] above which a chunk counts as sound.
	Threshold float64
	// SilenceLimit is how long the level must stay below Threshold before
	// speech is considered over.
	SilenceLimit time.Duration
	// MinConfirmed is the number of consecutive loud chunks needed to start
	// speech. It filters out clicks and echo onsets.
	MinConfirmed int
}

func DefaultVADConfig() VADConfig {
	return VADConfig{Threshold: 0.02, SilenceLimit: 700 * time.Millisecond, MinConfirmed: 7}
}

// RMSVAD is a root-mean-square voice activity detector for 16-bit PCM.
// It is not safe for concurrent use; ManagedStream clones one per stream.
type RMSVAD struct {
	cfg          VADConfig
	isSpeaking   bool
	silenceStart time.Time
	loudRun      int
	lastRMS      float64
	now          func() time.Time
}

func NewRMSVAD(threshold float64, silenceLimit time.Duration) *RMSVAD {
	cfg := DefaultVADConfig()
	cfg.Threshold = threshold
	cfg.SilenceLimit = silenceLimit
	return NewRMSVADWithConfig(cfg)
}

func NewRMSVADWithConfig(cfg VADConfig) *RMSVAD {
	if cfg.MinConfirmed <= 0 {
		cfg.MinConfirmed = 1
	}
	return &RMSVAD{cfg: cfg, now: time.Now}
}

func (v *RMSVAD) SetMinConfirmed(count int) {
	if count > 0 {
		v.cfg.MinConfirmed = count
	}
}

func (v *RMSVAD) SetThreshold(threshold float64) { v.cfg.Threshold = threshold }
func (v *RMSVAD) Threshold() float64            { return v.cfg.Threshold }

// LastRMS returns the level of the last processed chunk.
func (v *RMSVAD) LastRMS() float64 { return v.lastRMS }
func (v *RMSVAD) IsSpeaking() bool { return v.isSpeaking }

func (v *RMSVAD) Process(chunk []byte) (*VADEvent, error) {
	rms := chunkRMS(chunk)
	v.lastRMS = rms
	now := v.now()

	if rms > v.cfg.Threshold {
		v.loudRun++
		v.silenceStart = time.Time{}
		if !v.isSpeaking && v.loudRun >= v.cfg.MinConfirmed {
			v.isSpeaking = true
			return &VADEvent{Type: VADSpeechStart, Timestamp: now.UnixMilli()}, nil
		}
		return nil, nil
	}

	v.loudRun = 0
	if v.isSpeaking {
		if v.silenceStart.IsZero() {
			v.silenceStart = now
		}
		if now.Sub(v.silenceStart) >= v.cfg.SilenceLimit {
			v.isSpeaking = false
			v.silenceStart = time.Time{}
			return &VADEvent{Type: VADSpeechEnd, Timestamp: now.UnixMilli()}, nil
		}
	}
	return &VADEvent{Type: VADSilence, Timestamp: now.UnixMilli()}, nil
}

func (v *RMSVAD) Name() string {
	return "rms_vad"
}

func (v *RMSVAD) Reset() {
	v.isSpeaking = false
	v.silenceStart = time.Time{}
	v.loudRun = 0
}

// Clone returns a detector with the same tuning and fresh state.
func (v *RMSVAD) Clone() VADProvider {
	return &RMSVAD{cfg: v.cfg, now: v.now}
}

func chunkRMS(chunk []byte) float64 {
	samples := pcm16ToFloat(chunk)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}
