package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPipelineRequest_IsDuplicateOf(t *testing.T) {
	now := time.Now()
	prev := &PipelineRequest{Action: ActionPrepare, Payload: "hi", Timestamp: now}
	window := 2 * time.Second

	assert.False(t, PipelineRequest{Action: ActionPrepare, Payload: "hi", Timestamp: now}.isDuplicateOf(nil, window))
	assert.True(t, PipelineRequest{Action: ActionPrepare, Payload: "hi", Timestamp: now.Add(time.Second)}.isDuplicateOf(prev, window))
	assert.False(t, PipelineRequest{Action: ActionPrepare, Payload: "hi", Timestamp: now.Add(2 * time.Second)}.isDuplicateOf(prev, window))
	assert.False(t, PipelineRequest{Action: ActionPrepare, Payload: "hey", Timestamp: now}.isDuplicateOf(prev, window))
	assert.False(t, PipelineRequest{Action: ActionFinish, Payload: "hi", Timestamp: now}.isDuplicateOf(prev, window))
}

func TestLatestRequest(t *testing.T) {
	q := make(chan PipelineRequest, 4)
	q <- PipelineRequest{Payload: "b"}
	q <- PipelineRequest{Payload: "c"}

	latest, dropped := latestRequest(PipelineRequest{Payload: "a"}, q)
	assert.Equal(t, "c", latest.Payload)
	assert.Equal(t, 2, dropped)

	latest, dropped = latestRequest(PipelineRequest{Payload: "x"}, q)
	assert.Equal(t, "x", latest.Payload)
	assert.Zero(t, dropped)
}
