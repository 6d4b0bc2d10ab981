package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudioQueue_FIFOWithSequence(t *testing.T) {
	q := NewAudioQueue()
	require.True(t, q.Push(AudioFrame{PCM: []byte("a")}))
	require.True(t, q.Push(AudioFrame{PCM: []byte("b")}))
	assert.Equal(t, 2, q.Len())

	ctx := context.Background()
	f, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", string(f.PCM))
	assert.Equal(t, uint64(0), f.Seq)

	f, ok = q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.Seq)
}

func TestAudioQueue_CloseDrainsThenEnds(t *testing.T) {
	q := NewAudioQueue()
	q.Push(AudioFrame{PCM: []byte("a")})
	q.Close()
	assert.False(t, q.Push(AudioFrame{PCM: []byte("b")}))

	_, ok := q.Pop(context.Background())
	assert.True(t, ok)
	_, ok = q.Pop(context.Background())
	assert.False(t, ok)
}

func TestAudioQueue_DiscardDropsQueued(t *testing.T) {
	q := NewAudioQueue()
	q.Push(AudioFrame{PCM: []byte("a")})
	q.Discard()
	assert.Zero(t, q.Len())
	_, ok := q.Pop(context.Background())
	assert.False(t, ok)
}

func TestAudioQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewAudioQueue()
	got := make(chan string, 1)
	go func() {
		f, _ := q.Pop(context.Background())
		got <- string(f.PCM)
	}()
	time.Sleep(10 * time.Millisecond)
	q.Push(AudioFrame{PCM: []byte("late")})
	select {
	case s := <-got:
		assert.Equal(t, "late", s)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake")
	}
}

func TestAudioQueue_PopHonoursContext(t *testing.T) {
	q := NewAudioQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := q.Pop(ctx)
	assert.False(t, ok)
}
