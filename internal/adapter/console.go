// Package adapter manages the post-transport lifecycle of a sigpeer session.
// Given a ready Transport, it bridges newline-delimited text between a local
// reader/writer pair (normally stdin/stdout) and the remote peer.
package adapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/1ureka/sigrelay/internal/util"
)

// Tuning constants.
const (
	maxLineSize = 16 * 1024 // longest line read from input
	peerPrefix  = "peer> "
)

// Transport is the part of transport.Transport the console needs.
type Transport interface {
	Send(msg string)
	OnMessage(fn func([]byte))
	Done() <-chan struct{}
}

// Run sends every non-empty line read from in to the peer and writes every
// message from the peer to out, prefixed with "peer> ". It returns nil when
// in reaches EOF or the transport closes, and ctx.Err() when ctx ends first.
func Run(ctx context.Context, tr Transport, in io.Reader, out io.Writer) error {
	var outMu sync.Mutex
	tr.OnMessage(func(data []byte) {
		outMu.Lock()
		defer outMu.Unlock()
		if _, err := fmt.Fprintf(out, "%s%s\n", peerPrefix, data); err != nil {
			util.LogWarning("failed to print peer message: %v", err)
		}
	})

	// The scanner goroutine may stay blocked on in after Run returns; stdin
	// offers no way to interrupt a pending read.
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 4096), maxLineSize)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			case <-tr.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case line := <-lines:
			if line == "" {
				continue
			}
			tr.Send(line)
			util.LogDebug("sent %d bytes", len(line))
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		case <-tr.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
