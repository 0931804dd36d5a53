package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/sigrelay/internal/metrics"
	"github.com/1ureka/sigrelay/internal/protocol"
	"github.com/1ureka/sigrelay/internal/session"
)

var errWriteFailed = errors.New("write failed")

// fakeWriter records frames and fails those for which fail returns true.
type fakeWriter struct {
	mu     sync.Mutex
	frames []string
	fail   func(frame string) bool
}

func (w *fakeWriter) WriteFrame(frame string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil && w.fail(frame) {
		return errWriteFailed
	}
	w.frames = append(w.frames, frame)
	return nil
}

func (w *fakeWriter) setFail(fn func(string) bool) {
	w.mu.Lock()
	w.fail = fn
	w.mu.Unlock()
}

// take returns and clears the recorded frames.
func (w *fakeWriter) take() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.frames
	w.frames = nil
	return out
}

func failAll(string) bool { return true }

func newTestHub(t *testing.T, mutate func(*Options)) *Hub {
	t.Helper()
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	h := NewHub(session.NewStore(), opts, nil, nil)
	t.Cleanup(h.Close)
	return h
}

func connect(t *testing.T, h *Hub) (*Conn, *fakeWriter) {
	t.Helper()
	w := &fakeWriter{}
	c, err := h.Connect(w)
	require.NoError(t, err)
	return c, w
}

func woken(c *Conn) bool {
	select {
	case <-c.wake:
		return true
	default:
		return false
	}
}

func TestHub_LateJoinerGetsStoredState(t *testing.T) {
	h := newTestHub(t, nil)
	a, _ := connect(t, h)

	h.Receive(a, "v=0 offer-sdp")
	h.Receive(a, "answer:v=0 answer-sdp")

	b, wb := connect(t, h)
	require.True(t, woken(b), "late joiner should be woken on connect")

	require.NoError(t, b.Flush())
	assert.Equal(t, []string{"SERVER_OFFER:v=0 offer-sdp", "SERVER_ANSWER:v=0 answer-sdp"}, wb.take())

	offer, answer := b.Cursors()
	assert.Equal(t, uint64(1), offer)
	assert.Equal(t, uint64(2), answer)
}

func TestHub_EmptyStoreDoesNotWake(t *testing.T) {
	h := newTestHub(t, nil)
	c, w := connect(t, h)

	assert.False(t, woken(c))
	require.NoError(t, c.Flush())
	assert.Empty(t, w.take())
}

func TestHub_FailedPushDoesNotAdvanceCursor(t *testing.T) {
	h := newTestHub(t, nil)
	a, _ := connect(t, h)
	b, wb := connect(t, h)

	wb.setFail(failAll)
	h.Receive(a, "offer:sdp-1")

	err := b.Flush()
	require.ErrorIs(t, err, errWriteFailed)
	offer, _ := b.Cursors()
	assert.Equal(t, uint64(0), offer)

	// The next opportunity delivers it.
	wb.setFail(nil)
	require.NoError(t, b.Flush())
	assert.Equal(t, []string{"SERVER_OFFER:sdp-1"}, wb.take())
	offer, _ = b.Cursors()
	assert.Equal(t, uint64(1), offer)
}

func TestHub_SlotsPushIndependently(t *testing.T) {
	h := newTestHub(t, nil)
	a, _ := connect(t, h)
	b, wb := connect(t, h)

	h.Receive(a, "offer:o")
	h.Receive(a, "answer:x")

	wb.setFail(func(f string) bool { return f == "SERVER_OFFER:o" })
	require.Error(t, b.Flush())
	assert.Equal(t, []string{"SERVER_ANSWER:x"}, wb.take())

	offer, answer := b.Cursors()
	assert.Equal(t, uint64(0), offer)
	assert.Equal(t, uint64(2), answer)

	wb.setFail(nil)
	require.NoError(t, b.Flush())
	assert.Equal(t, []string{"SERVER_OFFER:o"}, wb.take())
}

func TestHub_DuplicateSubmissionPushedOnce(t *testing.T) {
	h := newTestHub(t, nil)
	a, _ := connect(t, h)
	b, wb := connect(t, h)

	h.Receive(a, "v=0 same")
	require.NoError(t, b.Flush())
	h.Receive(a, "v=0 same")
	require.NoError(t, b.Flush())

	assert.Equal(t, []string{"SERVER_OFFER:v=0 same"}, wb.take())
	assert.Equal(t, uint64(1), h.Store().Offer().Version)
}

func TestHub_OnlyLatestVersionIsPushed(t *testing.T) {
	h := newTestHub(t, nil)
	a, _ := connect(t, h)
	b, wb := connect(t, h)

	h.Receive(a, "offer:first")
	h.Receive(a, "offer:second")

	require.NoError(t, b.Flush())
	assert.Equal(t, []string{"SERVER_OFFER:second"}, wb.take())
}

func TestHub_SubmitterAlsoReceivesPush(t *testing.T) {
	h := newTestHub(t, nil)
	a, wa := connect(t, h)

	h.Receive(a, "offer:mine")
	require.True(t, woken(a))
	require.NoError(t, a.Flush())
	assert.Equal(t, []string{"SERVER_OFFER:mine"}, wa.take())
}

func TestHub_CandidatesFanOutInOrder(t *testing.T) {
	h := newTestHub(t, nil)
	a, wa := connect(t, h)
	b, wb := connect(t, h)
	c, wc := connect(t, h)

	h.Receive(a, "candidate:1")
	h.Receive(a, "candidate:2")
	h.Receive(a, "candidate:3")

	require.NoError(t, b.Flush())
	require.NoError(t, c.Flush())
	require.NoError(t, a.Flush())

	want := []string{"candidate:1", "candidate:2", "candidate:3"}
	assert.Equal(t, want, wb.take())
	assert.Equal(t, want, wc.take())
	assert.Empty(t, wa.take(), "sender should not get its own candidates")
}

func TestHub_EchoCandidates(t *testing.T) {
	h := newTestHub(t, func(o *Options) { o.EchoCandidates = true })
	a, wa := connect(t, h)

	h.Receive(a, "candidate:self")
	require.NoError(t, a.Flush())
	assert.Equal(t, []string{"candidate:self"}, wa.take())
}

func TestHub_UndeliveredCandidatesStayQueued(t *testing.T) {
	h := newTestHub(t, nil)
	a, _ := connect(t, h)
	b, wb := connect(t, h)

	h.Receive(a, "candidate:1")
	h.Receive(a, "candidate:2")
	h.Receive(a, "candidate:3")

	wb.setFail(func(f string) bool { return f == "candidate:2" })
	require.Error(t, b.Flush())
	assert.Equal(t, []string{"candidate:1"}, wb.take())

	h.Receive(a, "candidate:4")
	wb.setFail(nil)
	require.NoError(t, b.Flush())
	assert.Equal(t, []string{"candidate:2", "candidate:3", "candidate:4"}, wb.take())
}

func TestHub_MailboxOverflowDisconnects(t *testing.T) {
	h := newTestHub(t, func(o *Options) { o.MaxPendingCandidates = 2 })
	a, _ := connect(t, h)
	b, _ := connect(t, h)

	h.Receive(a, "candidate:1")
	h.Receive(a, "candidate:2")
	assert.Equal(t, 2, h.Len())

	h.Receive(a, "candidate:3")
	assert.Equal(t, 1, h.Len())
	select {
	case <-b.Done():
	default:
		t.Fatal("slow client should have been disconnected")
	}
	assert.Equal(t, metrics.ReasonMailboxFull, b.Reason())
}

func TestHub_DisconnectIsIdempotent(t *testing.T) {
	h := newTestHub(t, nil)
	a, _ := connect(t, h)
	b, _ := connect(t, h)

	assert.Equal(t, "", b.Reason())
	h.Disconnect(b, metrics.ReasonClosed)
	h.Disconnect(b, metrics.ReasonSendFailures)

	assert.Equal(t, 1, h.Len())
	assert.Equal(t, metrics.ReasonClosed, b.Reason())

	// Broadcasting to a hub that used to contain b must not touch it.
	h.Receive(a, "candidate:after")
	assert.ErrorIs(t, b.enqueue("candidate:x"), errConnClosed)
}

func TestHub_ConnectionLimit(t *testing.T) {
	h := newTestHub(t, func(o *Options) { o.MaxConns = 1 })
	connect(t, h)

	_, err := h.Connect(&fakeWriter{})
	assert.ErrorIs(t, err, ErrTooManyConns)
}

func TestHub_ClosedRejectsConnections(t *testing.T) {
	h := newTestHub(t, nil)
	a, _ := connect(t, h)

	h.Close()
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, metrics.ReasonShutdown, a.Reason())

	_, err := h.Connect(&fakeWriter{})
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestHub_ReceiveDropsUnusableFrames(t *testing.T) {
	h := newTestHub(t, nil)
	a, _ := connect(t, h)
	b, wb := connect(t, h)

	assert.IsType(t, protocol.Unknown{}, h.Receive(a, "hello"))
	assert.IsType(t, protocol.Answer{}, h.Receive(a, "answer:"))
	assert.IsType(t, protocol.Offer{}, h.Receive(a, "offer:"))

	assert.True(t, h.Store().Snapshot().Empty())
	require.NoError(t, b.Flush())
	assert.Empty(t, wb.take())
	assert.Equal(t, []byte("offer:"), a.LastInbound())
}

func TestHub_SniffingDisabled(t *testing.T) {
	h := newTestHub(t, func(o *Options) { o.Classify = protocol.Options{} })
	a, _ := connect(t, h)

	assert.IsType(t, protocol.Unknown{}, h.Receive(a, "v=0 untagged"))
	assert.True(t, h.Store().Snapshot().Empty())

	h.Receive(a, "offer:v=0 tagged")
	assert.Equal(t, "v=0 tagged", h.Store().Offer().Text)
}

func TestHub_ResetClearsStore(t *testing.T) {
	h := newTestHub(t, nil)
	a, _ := connect(t, h)
	h.Receive(a, "offer:o")

	h.Reset()
	assert.True(t, h.Store().Snapshot().Empty())

	b, wb := connect(t, h)
	assert.False(t, woken(b))
	require.NoError(t, b.Flush())
	assert.Empty(t, wb.take())
}

func TestConn_ServeDelivers(t *testing.T) {
	h := newTestHub(t, nil)
	a, _ := connect(t, h)
	b, wb := connect(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx) }()

	h.Receive(a, "offer:o")
	h.Receive(a, "candidate:c")

	var got []string
	require.Eventually(t, func() bool {
		got = append(got, wb.take()...)
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"SERVER_OFFER:o", "candidate:c"}, got)

	h.Disconnect(b, metrics.ReasonClosed)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after disconnect")
	}
}

func TestConn_ServeGivesUpAfterConsecutiveFailures(t *testing.T) {
	h := newTestHub(t, func(o *Options) { o.MaxSendFailures = 2 })
	a, _ := connect(t, h)
	b, wb := connect(t, h)
	wb.setFail(failAll)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx) }()

	h.Receive(a, "offer:o")

	// Keep offering opportunities the way the keepalive ticker does.
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(time.Second)
	for {
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrSendFailed)
			return
		case <-tick.C:
			b.Wake()
		case <-deadline:
			t.Fatal("Serve did not give up")
		}
	}
}
