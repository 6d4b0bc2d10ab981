package orchestrator

import (
	"context"
	"errors"
	"fmt"
)

var errStageCancelled = errors.New("synthesis cancelled")

// SynthesisStage drives one synthesizer call into a jitter buffer. The same
// stage serves the quick phase (a fixed string) and the final phase (the
// overhang followed by the rest of the token stream).
type SynthesisStage struct {
	tts     TTSProvider
	voice   Voice
	lang    Language
	onWords func([]WordTiming)
	logger  Logger
}

func NewSynthesisStage(tts TTSProvider, voice Voice, lang Language, onWords func([]WordTiming), logger Logger) *SynthesisStage {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &SynthesisStage{tts: tts, voice: voice, lang: lang, onWords: onWords, logger: logger}
}

// Run synthesizes src into buf until the text runs out or cancelled reports
// true. It returns completed=true only when the text was exhausted normally.
//
// Cancellation is scoped to this call: the synthesizer runs under its own
// context, cancelled when the stage stops, so a provider shared between
// sessions keeps serving the others. On cancellation the buffer's held tail
// is left unflushed. On a synthesizer error whatever is held is flushed and
// the error is returned.
func (s *SynthesisStage) Run(ctx context.Context, src TextSource, buf *JitterBuffer, cancelled func() bool) (bool, error) {
	if s.tts == nil {
		return false, ErrNilProvider
	}
	if cancelled() {
		return false, nil
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopped := func() bool {
		if cancelled() {
			cancel()
			return true
		}
		return false
	}

	guarded := TextSourceFunc(func() (string, error) {
		if stopped() {
			return "", errStageCancelled
		}
		return src.Next()
	})

	err := s.tts.Synthesize(callCtx, guarded, s.voice, s.lang, func(unit SynthesisUnit) error {
		if stopped() {
			return errStageCancelled
		}
		if len(unit.Audio) > 0 {
			buf.Submit(unit.Audio)
		}
		if len(unit.Words) > 0 && s.onWords != nil {
			s.onWords(unit.Words)
		}
		return nil
	})

	if cancelled() || errors.Is(err, errStageCancelled) || ctx.Err() != nil {
		return false, nil
	}
	if err != nil {
		buf.Flush()
		return false, fmt.Errorf("%w: %v", ErrTTSFailed, err)
	}

	buf.Flush()
	return true, nil
}
