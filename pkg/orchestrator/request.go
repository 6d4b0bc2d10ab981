package orchestrator

import "time"

type RequestAction string

const (
	ActionPrepare RequestAction = "prepare"
	ActionFinish  RequestAction = "finish"
)

type PipelineRequest struct {
	Action    RequestAction
	Payload   string
	Timestamp time.Time
}

// isDuplicateOf reports whether r repeats prev: same action and payload,
// arriving within window.
func (r PipelineRequest) isDuplicateOf(prev *PipelineRequest, window time.Duration) bool {
	if prev == nil || prev.Action != r.Action || prev.Payload != r.Payload {
		return false
	}
	return r.Timestamp.Sub(prev.Timestamp) < window
}

// latestRequest drains everything already queued behind first and returns
// the newest request.
func latestRequest(first PipelineRequest, queue <-chan PipelineRequest) (PipelineRequest, int) {
	latest := first
	dropped := 0
	for {
		select {
		case r := <-queue:
			latest = r
			dropped++
		default:
			return latest, dropped
		}
	}
}
