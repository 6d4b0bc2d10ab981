package orchestrator

type Decision int

const (
	// Proceed: nothing is running, start a new generation.
	Proceed Decision = iota
	// Ignore: the running generation already answers this utterance.
	Ignore
	// AwaitAbort: an abort is in flight; wait for it, then start.
	AwaitAbort
	// Abort: stop the running generation, then start.
	Abort
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Ignore:
		return "ignore"
	case AwaitAbort:
		return "await_abort"
	case Abort:
		return "abort"
	}
	return "unknown"
}

// InterruptionPolicy decides what a new utterance does to the generation
// currently running.
type InterruptionPolicy struct {
	similarity *TextSimilarity
	threshold  float64
}

func NewInterruptionPolicy(cfg PipelineConfig) *InterruptionPolicy {
	return &InterruptionPolicy{
		similarity: NewTextSimilarity(cfg),
		threshold:  cfg.SimilarityThreshold,
	}
}

// Decide returns the decision and the similarity score it was based on.
func (p *InterruptionPolicy) Decide(text string, running *RunningGeneration) (Decision, float64) {
	if running == nil || running.Aborted() || running.Completed() {
		return Proceed, 0
	}
	if running.AbortRequested() {
		return AwaitAbort, 0
	}
	score := p.similarity.Score(text, running.InputText())
	if score >= p.threshold {
		return Ignore, score
	}
	return Abort, score
}
