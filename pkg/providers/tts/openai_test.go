package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAITTS_Synthesize(t *testing.T) {
	var mu sync.Mutex
	var reqs []map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" || !strings.HasSuffix(r.URL.Path, "/audio/speech") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		w.Header().Set("Content-Type", "audio/pcm")
		w.Write([]byte{1, 2, 3, 4, 5})
	}))
	defer server.Close()

	c := NewOpenAITTSWithBaseURL("test-key", server.URL)
	c.chunkSize = 2

	var units [][]byte
	err := c.Synthesize(context.Background(), &fragments{parts: []string{"Hello ", "world."}}, orchestrator.VoiceM2, orchestrator.LanguageEn, func(u orchestrator.SynthesisUnit) error {
		units = append(units, u.Audio)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, [][]byte{{1, 2}, {3, 4}}, units, "odd trailing byte is dropped")
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Hello world.", reqs[0]["input"])
	assert.Equal(t, "echo", reqs[0]["voice"])
	assert.Equal(t, "pcm", reqs[0]["response_format"])
	assert.Equal(t, "tts-1", reqs[0]["model"])
}

func TestOpenAITTS_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad voice","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	c := NewOpenAITTSWithBaseURL("test-key", server.URL)
	err := c.Synthesize(context.Background(), &fragments{parts: []string{"Hi."}}, orchestrator.VoiceF1, orchestrator.LanguageEn, func(orchestrator.SynthesisUnit) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai-tts")
}

func TestOpenAITTS_Abort(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/pcm")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	c := NewOpenAITTSWithBaseURL("test-key", server.URL)
	done := make(chan error, 1)
	go func() {
		done <- c.Synthesize(context.Background(), &fragments{parts: []string{"Hi."}}, orchestrator.VoiceF1, orchestrator.LanguageEn, func(orchestrator.SynthesisUnit) error { return nil })
	}()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		require.FailNow(t, "request never arrived")
	}
	require.NoError(t, c.Abort())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		require.FailNow(t, "Synthesize still blocked after Abort")
	}
}
