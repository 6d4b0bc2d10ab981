// Package server exposes ManagedStream sessions over websockets.
//
// Binary frames in either direction are raw PCM16. Text frames carry JSON:
// the server sends orchestrator events, the client sends control messages
// (text_query, reset, interrupt, config, tts_start, tts_stop).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/orchestrator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

type Options struct {
	SystemPrompt string
	// BargeIn keeps microphone audio flowing while the client reports
	// playback. When false, audio received between tts_start and tts_stop
	// is dropped.
	BargeIn bool
	// TextQueryRate limits text_query messages per connection, per second.
	// Zero disables the limit.
	TextQueryRate  float64
	TextQueryBurst int
	OriginPatterns []string
	// Gatherer backs /metrics; nil leaves the endpoint out.
	Gatherer prometheus.Gatherer
}

type Server struct {
	orch   *orchestrator.Orchestrator
	logger orchestrator.Logger
	opts   Options

	sessions atomic.Int64
	wg       sync.WaitGroup
}

func New(orch *orchestrator.Orchestrator, logger orchestrator.Logger, opts Options) *Server {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Server{orch: orch, logger: logger, opts: opts}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Sessions reports how many websocket sessions are open.
func (s *Server) Sessions() int64 {
	return s.sessions.Load()
}

// Wait blocks until every session has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"sessions":  s.Sessions(),
		"providers": s.orch.GetProviders(),
	})
}

// clientMessage is any JSON control message from the client.
type clientMessage struct {
	Type         string `json:"type"`
	Query        string `json:"query,omitempty"`
	ClearHistory bool   `json:"clear_history,omitempty"`
	Voice        string `json:"voice,omitempty"`
	Language     string `json:"language,omitempty"`
}

const sessionStarted = "SESSION_STARTED"

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.OriginPatterns})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	s.wg.Add(1)
	s.sessions.Add(1)
	defer func() {
		s.sessions.Add(-1)
		s.wg.Done()
	}()

	c, err := s.newConnection(r.Context(), conn, r)
	if err != nil {
		s.logger.Error("failed to start session", "error", err)
		conn.Close(websocket.StatusInternalError, "session start failed")
		return
	}
	c.run()
}

type connection struct {
	srv     *Server
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	session *orchestrator.ConversationSession
	stream  *orchestrator.ManagedStream
	limiter *rate.Limiter
	logger  orchestrator.Logger

	clientPlaying atomic.Bool
	writeMu       sync.Mutex
}

func (s *Server) newConnection(parent context.Context, conn *websocket.Conn, r *http.Request) (*connection, error) {
	id := uuid.NewString()
	session := s.orch.NewSessionWithDefaults(id)
	if s.opts.SystemPrompt != "" {
		session.SetSystemPrompt(s.opts.SystemPrompt)
	}
	q := r.URL.Query()
	if v, err := orchestrator.ParseVoice(q.Get("voice")); err == nil {
		session.SetVoice(v)
	}
	if l, err := orchestrator.ParseLanguage(q.Get("language")); err == nil {
		session.SetLanguage(l)
	}

	ctx, cancel := context.WithCancel(parent)
	stream, err := s.orch.NewManagedStream(ctx, session)
	if err != nil {
		cancel()
		return nil, err
	}

	c := &connection{
		srv:     s,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		session: session,
		stream:  stream,
		logger:  s.logger,
	}
	if s.opts.TextQueryRate > 0 {
		burst := s.opts.TextQueryBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(s.opts.TextQueryRate), burst)
	}
	return c, nil
}

func (c *connection) run() {
	c.logger.Info("session started", "sessionID", c.session.ID)

	c.send(orchestrator.OrchestratorEvent{Type: sessionStarted, SessionID: c.session.ID})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writeEvents()
	}()

	err := c.readLoop()

	c.cancel()
	c.stream.Close()
	<-done

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		c.conn.Close(websocket.StatusNormalClosure, "")
	} else {
		c.conn.CloseNow()
	}
	c.logger.Info("session ended", "sessionID", c.session.ID)
}

func (c *connection) writeEvents() {
	for ev := range c.stream.Events() {
		if ev.Type == orchestrator.AudioChunk {
			pcm, _ := ev.Data.([]byte)
			c.writeMu.Lock()
			err := c.conn.Write(c.ctx, websocket.MessageBinary, pcm)
			c.writeMu.Unlock()
			if err != nil {
				c.cancel()
			}
			continue
		}
		c.send(ev)
	}
}

func (c *connection) send(ev orchestrator.OrchestratorEvent) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsjson.Write(c.ctx, c.conn, ev); err != nil && c.ctx.Err() == nil {
		c.logger.Debug("event write failed", "sessionID", c.session.ID, "error", err)
		c.cancel()
	}
}

func (c *connection) sendError(msg string) {
	c.send(orchestrator.OrchestratorEvent{Type: orchestrator.ErrorEvent, SessionID: c.session.ID, Data: msg})
}

func (c *connection) readLoop() error {
	for {
		typ, payload, err := c.conn.Read(c.ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			if c.clientPlaying.Load() && !c.srv.opts.BargeIn {
				continue
			}
			if err := c.stream.Write(payload); err != nil {
				if errors.Is(err, orchestrator.ErrVADNotConfigured) {
					c.sendError("audio input is not enabled on this server")
					continue
				}
				c.sendError(err.Error())
			}
		case websocket.MessageText:
			var msg clientMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				c.sendError("invalid message: " + err.Error())
				continue
			}
			c.handle(msg)
		}
	}
}

func (c *connection) handle(msg clientMessage) {
	switch msg.Type {
	case "text_query":
		if msg.Query == "" {
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.sendError("text_query rate limit exceeded")
			return
		}
		c.stream.SubmitText(msg.Query)
	case "interrupt":
		c.stream.Interrupt()
	case "reset":
		c.stream.Reset(msg.ClearHistory)
	case "tts_start":
		c.clientPlaying.Store(true)
	case "tts_stop":
		c.clientPlaying.Store(false)
	case "config":
		if msg.Voice != "" {
			v, err := orchestrator.ParseVoice(msg.Voice)
			if err != nil {
				c.sendError(err.Error())
				return
			}
			c.session.SetVoice(v)
		}
		if msg.Language != "" {
			l, err := orchestrator.ParseLanguage(msg.Language)
			if err != nil {
				c.sendError(err.Error())
				return
			}
			c.session.SetLanguage(l)
		}
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}
