package adapter_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/sigrelay/internal/adapter"
)

// Compile-time interface check.
var _ adapter.Transport = (*mockTransport)(nil)

// mockTransport implements adapter.Transport for in-process testing.
// Two linked mockTransport instances simulate an ordered data channel:
// messages sent by one side reach the other side's OnMessage handler in
// order, each after a random delay in [0, 10ms).
type mockTransport struct {
	mu      sync.RWMutex
	handler func([]byte)
	peer    *mockTransport
	queue   chan string
	done    chan struct{}
	once    sync.Once
}

// MockTransports creates a linked pair of mock transports.
func MockTransports() (a, b *mockTransport) {
	a = &mockTransport{queue: make(chan string, 64), done: make(chan struct{})}
	b = &mockTransport{queue: make(chan string, 64), done: make(chan struct{})}
	a.peer = b
	b.peer = a
	go a.deliverLoop()
	go b.deliverLoop()
	return a, b
}

// Close signals that this transport is done. Safe to call multiple times.
func (m *mockTransport) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *mockTransport) Done() <-chan struct{} {
	return m.done
}

func (m *mockTransport) OnMessage(fn func([]byte)) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
}

func (m *mockTransport) Send(msg string) {
	select {
	case m.queue <- msg:
	case <-m.done:
	}
}

// deliverLoop hands queued messages to the peer's handler in order. If
// either side closes, pending messages are dropped.
func (m *mockTransport) deliverLoop() {
	for {
		select {
		case msg := <-m.queue:
			select {
			case <-time.After(time.Duration(rand.Int64N(10)) * time.Millisecond):
			case <-m.done:
				return
			case <-m.peer.done:
				return
			}

			m.peer.mu.RLock()
			fn := m.peer.handler
			m.peer.mu.RUnlock()
			if fn != nil {
				fn([]byte(msg))
			}
		case <-m.done:
			return
		case <-m.peer.done:
			return
		}
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TestRunBothDirections exercises the console path:
//
//	[input A] -> [Run A] <-> [mockTransport] <-> [Run B] -> [output B]
//
// and the reverse, checking that every line arrives once and in order.
func TestRunBothDirections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	trA, trB := MockTransports()
	defer trA.Close()
	defer trB.Close()

	inA, writeA := io.Pipe()
	inB, writeB := io.Pipe()
	defer writeA.Close()
	defer writeB.Close()
	outA, outB := &syncBuffer{}, &syncBuffer{}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, adapter.Run(ctx, trA, inA, outA))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, adapter.Run(ctx, trB, inB, outB))
	}()

	const n = 50
	var wantA, wantB strings.Builder
	go func() {
		for i := range n {
			fmt.Fprintf(writeA, "from a %d\n", i)
		}
	}()
	go func() {
		for i := range n {
			fmt.Fprintf(writeB, "from b %d\n\n", i)
		}
	}()
	for i := range n {
		fmt.Fprintf(&wantB, "peer> from a %d\n", i)
		fmt.Fprintf(&wantA, "peer> from b %d\n", i)
	}

	require.Eventually(t, func() bool {
		return outA.String() == wantA.String() && outB.String() == wantB.String()
	}, 5*time.Second, 10*time.Millisecond, "a got %q\nb got %q", outA.String(), outB.String())

	// Closing the transport ends both consoles.
	trA.Close()
	trB.Close()
	wg.Wait()
}

func TestRunReturnsOnInputEOF(t *testing.T) {
	trA, trB := MockTransports()
	defer trA.Close()
	defer trB.Close()

	err := adapter.Run(context.Background(), trA, strings.NewReader("one\ntwo\n"), io.Discard)
	assert.NoError(t, err)
}

func TestRunStopsOnContext(t *testing.T) {
	trA, trB := MockTransports()
	defer trA.Close()
	defer trB.Close()

	in, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := adapter.Run(ctx, trA, in, io.Discard)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunRejectsOverlongLine(t *testing.T) {
	trA, trB := MockTransports()
	defer trA.Close()
	defer trB.Close()

	long := strings.Repeat("x", 32*1024) + "\n"
	err := adapter.Run(context.Background(), trA, strings.NewReader(long), io.Discard)
	assert.Error(t, err)
}
