package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/orchestrator"
)

// DeepgramSTT supports both prerecorded requests and live streaming over a
// websocket.
type DeepgramSTT struct {
	apiKey     string
	httpURL    string
	wsURL      string
	model      string
	sampleRate int
	client     *http.Client

	flushTimeout time.Duration
}

func NewDeepgramSTT(apiKey string) *DeepgramSTT {
	return &DeepgramSTT{
		apiKey:     apiKey,
		httpURL:    "https://api.deepgram.com/v1/listen",
		wsURL:      "wss://api.deepgram.com/v1/listen",
		model:      "nova-2",
		sampleRate: 44100,
		client:     http.DefaultClient,

		flushTimeout: 5 * time.Second,
	}
}

func (s *DeepgramSTT) SetSampleRate(rate int) {
	s.sampleRate = rate
}

func (s *DeepgramSTT) Name() string {
	return "deepgram-stt"
}

func (s *DeepgramSTT) endpoint(base string, lang orchestrator.Language, live bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	params := u.Query()
	params.Set("model", s.model)
	params.Set("smart_format", "true")
	params.Set("encoding", "linear16")
	params.Set("sample_rate", strconv.Itoa(s.sampleRate))
	params.Set("channels", "1")
	if lang != "" {
		params.Set("language", string(lang))
	}
	if live {
		params.Set("interim_results", "true")
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

type deepgramAlternatives struct {
	Alternatives []struct {
		Transcript string `json:"transcript"`
	} `json:"alternatives"`
}

func (c deepgramAlternatives) transcript() string {
	if len(c.Alternatives) == 0 {
		return ""
	}
	return c.Alternatives[0].Transcript
}

func (s *DeepgramSTT) Transcribe(ctx context.Context, audioPCM []byte, lang orchestrator.Language) (string, error) {
	endpoint, err := s.endpoint(s.httpURL, lang, false)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audioPCM))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Token "+s.apiKey)
	req.Header.Set("Content-Type", fmt.Sprintf("audio/l16; rate=%d; channels=1", s.sampleRate))

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("deepgram error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Results struct {
			Channels []deepgramAlternatives `json:"channels"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if len(result.Results.Channels) == 0 {
		return "", nil
	}
	return result.Results.Channels[0].transcript(), nil
}

type deepgramResult struct {
	Type    string               `json:"type"`
	Channel deepgramAlternatives `json:"channel"`
	IsFinal bool                 `json:"is_final"`
}

// StreamTranscribe opens a live session. Audio written to the returned
// channel is forwarded as binary frames; closing the channel ends the
// utterance. Finalized segments accumulate and are reported as partials;
// the whole utterance is reported once as final after the server has
// flushed.
func (s *DeepgramSTT) StreamTranscribe(ctx context.Context, lang orchestrator.Language, onTranscript func(transcript string, isFinal bool) error) (chan<- []byte, error) {
	endpoint, err := s.endpoint(s.wsURL, lang, true)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Token " + s.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to deepgram: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	audioCh := make(chan []byte, 256)
	go s.pump(ctx, conn, audioCh)
	go s.receive(ctx, conn, onTranscript)
	return audioCh, nil
}

func (s *DeepgramSTT) pump(ctx context.Context, conn *websocket.Conn, audioCh <-chan []byte) {
	keepAlive := time.NewTicker(5 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case chunk, ok := <-audioCh:
			if !ok {
				wsjson.Write(ctx, conn, map[string]string{"type": "CloseStream"})
				// The server closes once it has flushed; don't wait forever.
				time.AfterFunc(s.flushTimeout, func() { conn.CloseNow() })
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := wsjson.Write(ctx, conn, map[string]string{"type": "KeepAlive"}); err != nil {
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "cancelled")
			return
		}
	}
}

func (s *DeepgramSTT) receive(ctx context.Context, conn *websocket.Conn, onTranscript func(string, bool) error) {
	defer conn.CloseNow()

	var segments []string
	for {
		var msg deepgramResult
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			break
		}
		if msg.Type != "Results" {
			continue
		}
		text := strings.TrimSpace(msg.Channel.transcript())
		if text == "" {
			continue
		}
		if msg.IsFinal {
			segments = append(segments, text)
			text = strings.Join(segments, " ")
		} else if len(segments) > 0 {
			text = strings.Join(segments, " ") + " " + text
		}
		if err := onTranscript(text, false); err != nil {
			return
		}
	}

	if ctx.Err() == nil && len(segments) > 0 {
		onTranscript(strings.Join(segments, " "), true)
	}
}
