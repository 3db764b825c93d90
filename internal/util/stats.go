package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/channel counter shared by all relays.
var Stats = &stats{}

type stats struct {
	TotalConns    atomic.Int64 // channels opened since process start
	ClosedConns   atomic.Int64 // channels closed since process start
	RejectedConns atomic.Int64 // local connections dropped because no peer was authorized
	BytesSent     atomic.Int64 // DATA payload bytes sent to peers
	BytesRecv     atomic.Int64 // DATA payload bytes received from peers
}

func (s *stats) AddConn()      { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()   { s.ClosedConns.Add(1) }
func (s *stats) RejectConn()   { s.RejectedConns.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// Active returns the number of channels currently open.
func (s *stats) Active() int64 {
	return s.TotalConns.Load() - s.ClosedConns.Load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// statsInterval is how often StartStatsReporter samples the counters.
const statsInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every 10 seconds when there was activity. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				secs := int64(statsInterval / time.Second)
				outS := (sent - prevSent) / secs
				inS := (recv - prevRecv) / secs
				opened := total - prevTotal
				ended := closed - prevClosed

				if opened > 0 || ended > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, opened, ended, total-closed))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a one-line summary of the per-second rates and channel churn.
func formatStats(inS, outS, opened, ended, active int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Channels: %2d↑ %2d↓ (%d open)",
		sizestr.ToString(inS),
		sizestr.ToString(outS),
		opened,
		ended,
		active,
	)
}
