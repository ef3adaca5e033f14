package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Compactor reclaims expired state and reports how many entries it dropped.
// Blacklist, RateLimiter, and SessionManager implement it.
type Compactor interface {
	Compact() int
}

// RunCompaction invokes every compactor on a fixed cadence until ctx is
// cancelled. interval ≤ 0 selects 1m.
func RunCompaction(ctx context.Context, clock clockwork.Clock, logger *slog.Logger,
	interval time.Duration, compactors ...Compactor) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			dropped := 0
			for _, c := range compactors {
				dropped += c.Compact()
			}
			if dropped > 0 {
				logger.Debug("auth state compacted", slog.Int("dropped", dropped))
			}
		}
	}
}

var (
	_ Compactor = (*Blacklist)(nil)
	_ Compactor = (*RateLimiter)(nil)
	_ Compactor = (*SessionManager)(nil)
)
