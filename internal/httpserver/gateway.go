// Package httpserver wires the carrier WS gateway and the admin/outbound-call
// HTTP surface on top of echo, grounded on the teacher's
// internal/httpserver/router.go (echo + middleware.Logger/Recover) and
// internal/rtc/ws_signaling.go (gorilla/websocket upgrade + read loop).
package httpserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/mansuri-sabit/voicebridge/internal/agent"
	"github.com/mansuri-sabit/voicebridge/internal/carrier"
)

// Gateway accepts carrier WS connections, owns the live session/connection
// registry, and implements agent.OutboundSink itself by routing outbound
// frames to whichever connection currently owns a stream_sid. This lets one
// long-lived Pipeline (constructed once at startup with this Gateway as its
// sink) serve every call, rather than needing a sink rebuilt per connection.
// Grounded on the reference voicebot's package-level `sessions map[string]*
// VoiceSession` guarded by sync.RWMutex, adapted into per-process (not
// package-global) state owned by this struct.
type Gateway struct {
	pipeline    *agent.Pipeline
	upgrader    websocket.Upgrader
	idleTimeout time.Duration
	log         *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*agent.Session // by call_id
	conns    map[string]*wsConn        // by stream_sid
}

// idleReapInterval is how often the reaper scans for calls that have gone
// idleTimeout without inbound media.
const idleReapInterval = 15 * time.Second

// NewGateway builds a Gateway and, if idleTimeout is positive, starts a
// background reaper that closes any call's connection once it has gone
// idleTimeout without inbound media (Session.LastMediaAt). logger is used
// for call-scoped structured logging (call_id/stream_sid/event fields); a nil
// logger falls back to zap.NewNop().
func NewGateway(idleTimeout time.Duration, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		idleTimeout: idleTimeout,
		log:         logger,
		sessions:    make(map[string]*agent.Session),
		conns:       make(map[string]*wsConn),
	}
	if idleTimeout > 0 {
		go g.reapIdleSessions()
	}
	return g
}

func (g *Gateway) reapIdleSessions() {
	ticker := time.NewTicker(idleReapInterval)
	defer ticker.Stop()
	for range ticker.C {
		g.closeSessionsIdleSince(time.Now().Add(-g.idleTimeout))
	}
}

func (g *Gateway) closeSessionsIdleSince(cutoff time.Time) {
	g.mu.RLock()
	var stale []string
	for callID, session := range g.sessions {
		if session.LastMediaAt().Before(cutoff) {
			stale = append(stale, callID)
		}
	}
	g.mu.RUnlock()

	for _, callID := range stale {
		g.mu.RLock()
		session := g.sessions[callID]
		var wc *wsConn
		if session != nil {
			wc = g.conns[session.StreamSID()]
		}
		g.mu.RUnlock()
		if session == nil {
			continue
		}
		session.Deactivate()
		if wc != nil {
			g.log.Info("closing idle call",
				zap.String("call_id", callID),
				zap.String("event", "idle_reap"),
				zap.Duration("idle_timeout", g.idleTimeout),
			)
			_ = wc.close()
		}
	}
}

// SetPipeline wires the turn pipeline after construction, breaking the
// Gateway/Pipeline constructor cycle (the pipeline needs the gateway as its
// OutboundSink; the gateway needs the pipeline to drive each connection).
func (g *Gateway) SetPipeline(p *agent.Pipeline) { g.pipeline = p }

// SessionCount reports how many calls are currently live, for diagnostics.
func (g *Gateway) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) write(raw []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, raw)
}

// close tears down the underlying socket, unblocking the connection's
// ReadMessage loop so ServeWS's own cleanup runs.
func (w *wsConn) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Close()
}

// ServeWS upgrades the request to a WebSocket and runs the per-connection
// read loop until the carrier sends `stop` or the socket closes.
func (g *Gateway) ServeWS(c echo.Context) error {
	sampleRate := 8000
	if raw := c.QueryParam("sample_rate"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && (n == 8000 || n == 16000) {
			sampleRate = n
		}
	}
	callID := c.QueryParam("call_id")
	if callID == "" {
		callID = fmt.Sprintf("call-%d", time.Now().UnixNano())
	}

	conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("httpserver: ws upgrade: %w", err)
	}
	defer conn.Close()

	session := agent.NewSession(callID, sampleRate)
	wc := &wsConn{conn: conn}

	g.mu.Lock()
	g.sessions[callID] = session
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.sessions, callID)
		if sid := session.StreamSID(); sid != "" {
			delete(g.conns, sid)
		}
		g.mu.Unlock()
	}()

	ctx := c.Request().Context()
	bindStreamSID := func(sid string) {
		if sid == "" {
			return
		}
		g.mu.Lock()
		if _, exists := g.conns[sid]; !exists {
			g.conns[sid] = wc
		}
		g.mu.Unlock()
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			session.Deactivate()
			return nil
		}

		parsed, err := carrier.ParseEvent(raw)
		if err != nil {
			// ProtocolViolation policy: log and skip the frame, the connection stays up.
			g.log.Warn("carrier protocol violation",
				zap.String("call_id", callID),
				zap.String("event", "protocol_violation"),
				zap.Error(err),
			)
			continue
		}

		switch e := parsed.(type) {
		case *carrier.ConnectedEvent:
			session.SetStreamSID(e.StreamSID)
			bindStreamSID(session.StreamSID())
			session.SetCustomParameters(e.CustomParameters)
			g.pipeline.MaybeRunGreeting(ctx, session)

		case *carrier.StartEvent:
			session.SetStreamSID(e.Start.StreamSID)
			bindStreamSID(session.StreamSID())
			session.SetCustomParameters(e.Start.CustomParameters)
			g.pipeline.MaybeRunGreeting(ctx, session)

		case *carrier.MediaEvent:
			if e.Media.Track == carrier.TrackOutbound {
				continue
			}
			session.SetStreamSID(e.StreamSID)
			bindStreamSID(session.StreamSID())
			g.pipeline.MaybeRunGreeting(ctx, session)
			pcm, err := base64.StdEncoding.DecodeString(e.Media.Payload)
			if err != nil {
				g.log.Warn("bad media payload",
					zap.String("call_id", callID),
					zap.String("stream_sid", session.StreamSID()),
					zap.String("event", "media"),
					zap.Error(err),
				)
				continue
			}
			if _, appended := session.AppendInboundPCM(pcm); appended {
				g.pipeline.MaybeTriggerTurn(ctx, session)
			}

		case *carrier.MarkEvent:
			// Inbound marks are acknowledgements from the carrier; nothing to do.

		case *carrier.ClearEvent:
			session.SetBargeInPending()

		case *carrier.StopEvent:
			session.Deactivate()
			g.pipeline.FlushResidualOnStop(ctx, session)
			return nil
		}
	}
}

// SendMediaFrame implements agent.OutboundSink, routing by stream_sid to
// whichever connection currently owns it.
func (g *Gateway) SendMediaFrame(ctx context.Context, streamSID string, sequenceNumber int64, payloadBase64 string) error {
	wc, err := g.connFor(streamSID)
	if err != nil {
		return err
	}
	raw, err := carrier.EncodeMediaFrame(streamSID, sequenceNumber, payloadBase64)
	if err != nil {
		return err
	}
	return wc.write(raw)
}

// SendMarkFrame implements agent.OutboundSink.
func (g *Gateway) SendMarkFrame(ctx context.Context, streamSID, name string) error {
	wc, err := g.connFor(streamSID)
	if err != nil {
		return err
	}
	raw, err := carrier.EncodeMarkFrame(streamSID, name)
	if err != nil {
		return err
	}
	return wc.write(raw)
}

func (g *Gateway) connFor(streamSID string) (*wsConn, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	wc, ok := g.conns[streamSID]
	if !ok {
		return nil, fmt.Errorf("httpserver: no open connection for stream_sid %q", streamSID)
	}
	return wc, nil
}
