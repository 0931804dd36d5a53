package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Relay traffic counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats counts connections and frame traffic for the periodic reporter.
// A nil *Stats ignores updates.
type Stats struct {
	TotalConns  atomic.Int64 // connections accepted since start
	ClosedConns atomic.Int64 // connections removed since start
	FramesSent  atomic.Int64
	FramesRecv  atomic.Int64
	BytesSent   atomic.Int64
	BytesRecv   atomic.Int64
}

// NewStats returns zeroed counters.
func NewStats() *Stats { return &Stats{} }

func (s *Stats) AddConn() {
	if s != nil {
		s.TotalConns.Add(1)
	}
}

func (s *Stats) RemoveConn() {
	if s != nil {
		s.ClosedConns.Add(1)
	}
}

func (s *Stats) AddSent(n int) {
	if s != nil {
		s.FramesSent.Add(1)
		s.BytesSent.Add(int64(n))
	}
}

func (s *Stats) AddRecv(n int) {
	if s != nil {
		s.FramesRecv.Add(1)
		s.BytesRecv.Add(int64(n))
	}
}

// Open returns the number of connections currently alive.
func (s *Stats) Open() int64 {
	return s.TotalConns.Load() - s.ClosedConns.Load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs relay statistics every
// interval while there is activity. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, s *Stats, interval time.Duration) {
	if s == nil || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := s.snapshot()
				if line, ok := formatStats(prev, cur, interval); ok {
					pterm.DefaultLogger.Info(line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	total, closed          int64
	framesSent, framesRecv int64
	bytesSent, bytesRecv   int64
}

func (s *Stats) snapshot() snapshot {
	return snapshot{
		total:      s.TotalConns.Load(),
		closed:     s.ClosedConns.Load(),
		framesSent: s.FramesSent.Load(),
		framesRecv: s.FramesRecv.Load(),
		bytesSent:  s.BytesSent.Load(),
		bytesRecv:  s.BytesRecv.Load(),
	}
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string,
// for example: "99.0   B", " 1.5 KiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders the delta between two snapshots. It reports false when
// nothing happened during the interval.
func formatStats(prev, cur snapshot, interval time.Duration) (string, bool) {
	inF := cur.framesRecv - prev.framesRecv
	outF := cur.framesSent - prev.framesSent
	inC := cur.total - prev.total
	outC := cur.closed - prev.closed
	if inF == 0 && outF == 0 && inC == 0 && outC == 0 {
		return "", false
	}

	secs := interval.Seconds()
	return fmt.Sprintf("Frames: %3d in %3d out | In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓ (%d open)",
		inF,
		outF,
		formatBytes(float64(cur.bytesRecv-prev.bytesRecv)/secs),
		formatBytes(float64(cur.bytesSent-prev.bytesSent)/secs),
		inC,
		outC,
		cur.total-cur.closed,
	), true
}
