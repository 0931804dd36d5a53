// Package relay tracks connected signaling clients and decides what each of
// them is sent: the latest stored offer and answer, tracked per connection by
// version cursors, and every relayed ICE candidate, queued per connection.
package relay

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/sigrelay/internal/metrics"
	"github.com/1ureka/sigrelay/internal/protocol"
	"github.com/1ureka/sigrelay/internal/session"
	"github.com/1ureka/sigrelay/internal/util"
)

var (
	ErrHubClosed    = errors.New("relay hub closed")
	ErrTooManyConns = errors.New("too many connections")
	ErrMailboxFull  = errors.New("candidate mailbox full")
	ErrSendFailed   = errors.New("send failed")

	errConnClosed = errors.New("connection closed")
)

// Options configures a Hub.
type Options struct {
	// MaxConns caps concurrent connections. Zero means unlimited.
	MaxConns int
	// MaxPendingCandidates bounds each connection's mailbox. A connection
	// that falls further behind is disconnected. Zero means unbounded.
	MaxPendingCandidates int
	// MaxSendFailures is the number of consecutive failed flushes after
	// which Conn.Serve gives up.
	MaxSendFailures int
	// EchoCandidates also relays a candidate back to its sender.
	EchoCandidates bool
	// Classify tunes frame classification.
	Classify protocol.Options
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxPendingCandidates: 256,
		MaxSendFailures:      3,
		Classify:             protocol.DefaultOptions,
	}
}

// Hub is the connection registry and broadcaster. It shares one
// session.Store among all connections.
type Hub struct {
	store   *session.Store
	opts    Options
	metrics *metrics.Relay
	stats   *util.Stats

	mu     sync.RWMutex
	conns  map[uuid.UUID]*Conn
	closed bool
}

// NewHub creates a hub over store. m and stats may be nil.
func NewHub(store *session.Store, opts Options, m *metrics.Relay, stats *util.Stats) *Hub {
	if opts.MaxSendFailures <= 0 {
		opts.MaxSendFailures = 1
	}
	return &Hub{
		store:   store,
		opts:    opts,
		metrics: m,
		stats:   stats,
		conns:   make(map[uuid.UUID]*Conn),
	}
}

// Store returns the hub's session store.
func (h *Hub) Store() *session.Store { return h.store }

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Connect registers a new connection with zero cursors. If the store already
// holds an offer or answer, the connection is woken immediately so a late
// joiner learns the current state without waiting for a new submission.
func (h *Hub) Connect(w FrameWriter) (*Conn, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.metrics.Rejected()
		return nil, ErrHubClosed
	}
	if h.opts.MaxConns > 0 && len(h.conns) >= h.opts.MaxConns {
		h.mu.Unlock()
		h.metrics.Rejected()
		return nil, ErrTooManyConns
	}
	c := newConn(h, w)
	h.conns[c.id] = c
	n := len(h.conns)
	h.mu.Unlock()

	h.metrics.SetConnections(n)
	h.stats.AddConn()
	util.LogInfo("[%s] client connected (%d connected)", c.tag(), n)

	if !h.store.Snapshot().Empty() {
		c.Wake()
	}
	return c, nil
}

// Disconnect removes c and drops its undelivered candidates. It is safe to
// call more than once.
func (h *Hub) Disconnect(c *Conn, reason string) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	if ok {
		delete(h.conns, c.id)
	}
	n := len(h.conns)
	h.mu.Unlock()

	c.close(reason)
	if !ok {
		return
	}

	h.metrics.SetConnections(n)
	h.metrics.Disconnected(reason)
	h.stats.RemoveConn()
	util.LogInfo("[%s] client disconnected: %s (%d connected)", c.tag(), reason, n)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	for _, c := range h.snapshot() {
		h.Disconnect(c, metrics.ReasonShutdown)
	}
}

// Receive classifies a frame from c and routes it. The classified message is
// returned for the caller's benefit; routing has already happened.
func (h *Hub) Receive(c *Conn, frame string) protocol.Message {
	c.setLastInbound(frame)
	h.stats.AddRecv(len(frame))

	msg := protocol.Classify(frame, h.opts.Classify)
	h.metrics.FrameReceived(string(msg.Kind()))
	util.LogTrace("[%s] << %s", c.tag(), frame)

	switch m := msg.(type) {
	case protocol.Candidate:
		util.LogDebug("[%s] relaying candidate (%d bytes)", c.tag(), len(m.Frame))
		h.Broadcast(m.Frame, c)
	case protocol.Answer:
		h.submit(c, "answer", m.SDP, h.store.SubmitAnswer)
	case protocol.Offer:
		h.submit(c, "offer", m.SDP, h.store.SubmitOffer)
	case protocol.Unknown:
		util.LogWarning("[%s] unknown frame dropped (%d bytes)", c.tag(), len(m.Raw))
	default:
		util.LogWarning("[%s] unexpected %s frame dropped", c.tag(), msg.Kind())
	}
	return msg
}

func (h *Hub) submit(c *Conn, slot, text string, fn func(string) (session.Entry, bool)) {
	if text == "" {
		util.LogWarning("[%s] empty %s dropped", c.tag(), slot)
		return
	}

	entry, changed := fn(text)
	if !changed {
		h.metrics.StoreDuplicate(slot)
		util.LogDebug("[%s] same %s as before (v%d), ignoring", c.tag(), slot, entry.Version)
		return
	}

	h.metrics.StoreUpdated(slot, entry.Version)
	util.LogInfo("[%s] stored new %s v%d (#%08x, %d bytes)", c.tag(), slot, entry.Version, util.Fingerprint(text), len(text))
	h.Notify()
}

// Notify wakes every connection so it can pick up a new store version.
func (h *Hub) Notify() {
	for _, c := range h.snapshot() {
		c.Wake()
	}
}

// Broadcast queues a candidate frame for every connection except from (unless
// EchoCandidates is set) and wakes them. A connection whose mailbox is full
// is disconnected rather than silently losing the candidate.
func (h *Hub) Broadcast(frame string, from *Conn) {
	for _, c := range h.snapshot() {
		if c == from && !h.opts.EchoCandidates {
			continue
		}
		if err := c.enqueue(frame); err != nil {
			if errors.Is(err, ErrMailboxFull) {
				util.LogWarning("[%s] %v, dropping slow client", c.tag(), err)
				h.Disconnect(c, metrics.ReasonMailboxFull)
			}
			continue
		}
		c.Wake()
	}
}

// Reset clears the stored offer and answer.
func (h *Hub) Reset() {
	h.store.Reset()
	util.LogInfo("session reset")
}

// snapshot copies the live connections so callers can iterate without
// holding the registry lock.
func (h *Hub) snapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	return conns
}
