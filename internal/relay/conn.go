package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cheggaaa/mb/v3"
	"github.com/google/uuid"

	"github.com/1ureka/sigrelay/internal/protocol"
	"github.com/1ureka/sigrelay/internal/util"
)

// FrameWriter delivers one text frame to a client. A nil error means the
// frame was handed to the transport; any error means it was not delivered.
type FrameWriter interface {
	WriteFrame(frame string) error
}

// Conn is the relay-side state of one client connection: the versions of the
// offer and answer it has already been sent, plus a FIFO mailbox of relayed
// candidates it has not been sent yet. It is created by Hub.Connect and dies
// with the connection.
type Conn struct {
	id  uuid.UUID
	hub *Hub
	w   FrameWriter

	// mu serializes writes to w and guards the cursors and pending.
	mu         sync.Mutex
	seenOffer  uint64
	seenAnswer uint64
	pending    []string // taken from the mailbox, not yet written

	lastMu      sync.Mutex
	lastInbound []byte

	candidates *mb.MB[string]
	wake       chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	reason    string
}

func newConn(h *Hub, w FrameWriter) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:         uuid.New(),
		hub:        h,
		w:          w,
		candidates: mb.New[string](h.opts.MaxPendingCandidates),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// ID returns the connection's identifier.
func (c *Conn) ID() uuid.UUID { return c.id }

func (c *Conn) tag() string { return util.ShortID(c.id.String()) }

// Done is closed once the connection has been removed from the hub.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Reason returns why the connection was removed, or "" while it is live.
func (c *Conn) Reason() string {
	select {
	case <-c.ctx.Done():
		return c.reason
	default:
		return ""
	}
}

// Wake schedules a push opportunity. Calls coalesce while one is pending.
func (c *Conn) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Cursors returns the offer and answer versions this connection has been sent.
func (c *Conn) Cursors() (offer, answer uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seenOffer, c.seenAnswer
}

// LastInbound returns a copy of the last frame received on this connection.
func (c *Conn) LastInbound() []byte {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	if c.lastInbound == nil {
		return nil
	}
	return append([]byte(nil), c.lastInbound...)
}

func (c *Conn) setLastInbound(frame string) {
	c.lastMu.Lock()
	c.lastInbound = append(c.lastInbound[:0], frame...)
	c.lastMu.Unlock()
}

// PushIfStale sends the stored offer and answer if this connection has not
// seen their current versions. A cursor only advances after its frame was
// written, so a failed send is retried on the next opportunity. The two slots
// are pushed independently.
func (c *Conn) PushIfStale() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushLocked()
}

func (c *Conn) pushLocked() error {
	snap := c.hub.store.Snapshot()

	var errs []error
	if !snap.Offer.Empty() && snap.Offer.Version > c.seenOffer {
		if err := c.write(protocol.EncodeServerOffer(snap.Offer.Text), protocol.KindServerOffer); err != nil {
			errs = append(errs, fmt.Errorf("push offer v%d: %w", snap.Offer.Version, err))
		} else {
			c.seenOffer = snap.Offer.Version
			util.LogDebug("[%s] sent offer v%d", c.tag(), snap.Offer.Version)
		}
	}
	if !snap.Answer.Empty() && snap.Answer.Version > c.seenAnswer {
		if err := c.write(protocol.EncodeServerAnswer(snap.Answer.Text), protocol.KindServerAnswer); err != nil {
			errs = append(errs, fmt.Errorf("push answer v%d: %w", snap.Answer.Version, err))
		} else {
			c.seenAnswer = snap.Answer.Version
			util.LogDebug("[%s] sent answer v%d", c.tag(), snap.Answer.Version)
		}
	}
	return errors.Join(errs...)
}

// Flush is one writable opportunity: push stale descriptions, then write
// queued candidates in arrival order. Candidates that could not be written
// stay at the head of the queue.
func (c *Conn) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pushErr := c.pushLocked()

	// Only this method drains the mailbox, so a positive Len means Wait
	// returns without blocking.
	if c.candidates.Len() > 0 {
		batch, err := c.candidates.Wait(c.ctx)
		if err == nil {
			c.pending = append(c.pending, batch...)
		}
	}

	for len(c.pending) > 0 {
		if err := c.write(c.pending[0], protocol.KindCandidate); err != nil {
			return errors.Join(pushErr, fmt.Errorf("relay candidate: %w", err))
		}
		c.pending[0] = ""
		c.pending = c.pending[1:]
	}
	return pushErr
}

func (c *Conn) write(frame string, kind protocol.Kind) error {
	if err := c.w.WriteFrame(frame); err != nil {
		c.hub.metrics.SendFailed()
		return err
	}
	c.hub.metrics.FrameSent(string(kind))
	c.hub.stats.AddSent(len(frame))
	util.LogTrace("[%s] >> %s", c.tag(), frame)
	return nil
}

// enqueue appends a relayed candidate to the mailbox without blocking.
func (c *Conn) enqueue(frame string) error {
	if err := c.candidates.TryAdd(frame); err != nil {
		if errors.Is(err, mb.ErrClosed) {
			return errConnClosed
		}
		return ErrMailboxFull
	}
	return nil
}

// Serve is the connection's writer task. It flushes on every wake until the
// connection is removed or ctx ends. After maxSendFailures consecutive failed
// flushes it gives up and returns ErrSendFailed; the caller is expected to
// disconnect.
func (c *Conn) Serve(ctx context.Context) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return nil
		case <-c.wake:
		}

		err := c.Flush()
		if err == nil {
			failures = 0
			continue
		}

		failures++
		if failures >= c.hub.opts.MaxSendFailures {
			return fmt.Errorf("%w: %d consecutive failures, last: %v", ErrSendFailed, failures, err)
		}
		util.LogWarning("[%s] send failed (%d/%d), will retry: %v", c.tag(), failures, c.hub.opts.MaxSendFailures, err)
	}
}

func (c *Conn) close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		c.cancel()
		_ = c.candidates.Close()
	})
}
