// Package signaling is the WebSocket side of the relay and of the sigpeer
// client. The relay endpoint feeds frames into a relay.Hub and writes what
// the hub decides; the peer side drives a WebRTC transport through the relay.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/sigrelay/internal/metrics"
	"github.com/1ureka/sigrelay/internal/relay"
	"github.com/1ureka/sigrelay/internal/util"
)

const (
	discardWait = 100 * time.Millisecond
	maxDiscard  = 1 << 20
)

// Options configures the relay endpoint.
type Options struct {
	MaxFrameBytes int64
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	IdleTimeout   time.Duration
}

// Server serves the relay WebSocket endpoint plus a small operator surface.
type Server struct {
	hub     *relay.Hub
	metrics *metrics.Relay
	opts    Options

	ready atomic.Bool
	conns sync.WaitGroup
}

// NewServer creates a server for hub. m may be nil.
func NewServer(hub *relay.Hub, m *metrics.Relay, opts Options) *Server {
	return &Server{hub: hub, metrics: m, opts: opts}
}

// Handler returns a mux with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes registers the WebSocket endpoint on /ws and /, and the
// operator endpoints.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/{$}", s.handleWS)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	})
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /session", s.handleSession)
	mux.HandleFunc("DELETE /session", s.handleReset)
}

// SetReady flips the /readyz answer.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Shutdown marks the server unready, disconnects every client and waits for
// their handlers to finish or ctx to end. http.Server.Shutdown does not wait
// for hijacked connections, so call this as well.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.hub.Close()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type slotView struct {
	Version     uint64 `json:"version"`
	Bytes       int    `json:"bytes"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

type sessionView struct {
	Offer       slotView `json:"offer"`
	Answer      slotView `json:"answer"`
	Connections int      `json:"connections"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	snap := s.hub.Store().Snapshot()
	view := func(text string, version uint64) slotView {
		v := slotView{Version: version, Bytes: len(text)}
		if text != "" {
			v.Fingerprint = fmt.Sprintf("%08x", util.Fingerprint(text))
		}
		return v
	}
	writeJSON(w, http.StatusOK, sessionView{
		Offer:       view(snap.Offer.Text, snap.Offer.Version),
		Answer:      view(snap.Answer.Text, snap.Answer.Version),
		Connections: s.hub.Len(),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.hub.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarning("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	ws := newWSConn(conn, s.opts.WriteTimeout)
	c, err := s.hub.Connect(ws)
	if err != nil {
		util.LogWarning("rejecting %s: %v", r.RemoteAddr, err)
		ws.closeWith(websocket.CloseTryAgainLater, err.Error())
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()
	s.serveConn(ws, c)
}

// serveConn runs one connection until either side ends it. The read loop
// runs here; the writer, keepalive and close watcher run alongside it.
func (s *Server) serveConn(ws *wsConn, c *relay.Conn) {
	conn := ws.conn
	conn.SetReadLimit(s.opts.MaxFrameBytes)
	extend := func() error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
	}
	_ = extend()
	conn.SetPongHandler(func(string) error { return extend() })

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := c.Serve(ctx); errors.Is(err, relay.ErrSendFailed) {
			util.LogWarning("[%s] %v", util.ShortID(c.ID().String()), err)
			s.hub.Disconnect(c, metrics.ReasonSendFailures)
		}
	}()
	go func() {
		defer wg.Done()
		s.keepalive(ctx, ws, c)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-c.Done():
			ws.closeWith(closeCode(c.Reason()), c.Reason())
		case <-ctx.Done():
		}
	}()

	reason := metrics.ReasonClosed
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			reason = readFailure(c, err)
			if reason == metrics.ReasonTooLarge {
				discardInput(conn)
			}
			break
		}
		_ = extend()
		if mt != websocket.TextMessage {
			util.LogWarning("[%s] non-text frame dropped (%d bytes)", util.ShortID(c.ID().String()), len(data))
			continue
		}
		s.hub.Receive(c, string(data))
	}
	s.hub.Disconnect(c, reason)
}

// keepalive pings the client every PingInterval. Each tick is also a
// writable opportunity, so pushes that failed earlier are retried even if
// nothing new arrives.
func (s *Server) keepalive(ctx context.Context, ws *wsConn, c *relay.Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				util.LogDebug("[%s] ping failed: %v", util.ShortID(c.ID().String()), err)
			}
			c.Wake()
		}
	}
}

func readFailure(c *relay.Conn, err error) string {
	tag := util.ShortID(c.ID().String())
	var ne net.Error
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		util.LogWarning("[%s] frame exceeds size limit, closing", tag)
		return metrics.ReasonTooLarge
	case errors.As(err, &ne) && ne.Timeout():
		util.LogInfo("[%s] idle timeout", tag)
		return metrics.ReasonIdle
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		return metrics.ReasonClosed
	default:
		util.LogDebug("[%s] read: %v", tag, err)
		return metrics.ReasonClosed
	}
}

// discardInput consumes what the client already sent, so that closing the
// socket ends with a FIN instead of a reset and the client can still read the
// close frame.
func discardInput(conn *websocket.Conn) {
	nc := conn.UnderlyingConn()
	_ = nc.SetReadDeadline(time.Now().Add(discardWait))
	_, _ = io.Copy(io.Discard, io.LimitReader(nc, maxDiscard))
}

func closeCode(reason string) int {
	switch reason {
	case metrics.ReasonShutdown:
		return websocket.CloseGoingAway
	case metrics.ReasonMailboxFull:
		return websocket.ClosePolicyViolation
	case metrics.ReasonTooLarge:
		return websocket.CloseMessageTooBig
	case metrics.ReasonSendFailures:
		return websocket.CloseInternalServerErr
	default:
		return websocket.CloseNormalClosure
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
