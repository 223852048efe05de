package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/cacherr-project/cacherr/internal/mono"
)

// gate implements spec.md §4.B's two coupled limiters: a minimum
// inter-request gap and a per-minute quota. A request must satisfy both;
// Wait blocks until both allow it. One gate is shared by every call of a
// Client. It spaces the starts of requests; it does not wait for an
// earlier request to finish, so concurrent callers can have requests in
// flight at the same time when a response takes longer than the gap.
type gate struct {
	mu       sync.Mutex
	minGap   time.Duration
	perMin   int
	lastSend int64     // mono.NanoTime of the last permitted send
	window   []int64   // send timestamps within the trailing 60s, ascending
}

func newGate(minGap time.Duration, perMin int) *gate {
	return &gate{minGap: minGap, perMin: perMin}
}

// Wait blocks until both the gap and quota constraints allow a send, then
// records the send. Honors ctx cancellation while waiting.
func (g *gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := mono.NanoTime()
		g.pruneLocked(now)

		var wait time.Duration
		if g.lastSend != 0 {
			if gap := time.Duration(now - g.lastSend); gap < g.minGap {
				wait = g.minGap - gap
			}
		}
		if len(g.window) >= g.perMin {
			oldest := g.window[0]
			untilFree := time.Duration(oldest+int64(60*time.Second)) - time.Duration(now)
			if untilFree > wait {
				wait = untilFree
			}
		}
		if wait <= 0 {
			g.lastSend = now
			g.window = append(g.window, now)
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// pruneLocked drops window entries older than 60s. Caller holds g.mu.
func (g *gate) pruneLocked(now int64) {
	cutoff := now - int64(60*time.Second)
	i := 0
	for i < len(g.window) && g.window[i] < cutoff {
		i++
	}
	if i > 0 {
		g.window = g.window[i:]
	}
}
