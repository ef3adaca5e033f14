package auth

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const rateLimitShards = 16

// RateLimiterConfig tunes the sliding-window limiter.
type RateLimiterConfig struct {
	// Limit is the number of requests allowed per Window. Defaults to 1000.
	Limit int
	// Window is the sliding window length. Defaults to 60s.
	Window time.Duration
	// BlockDuration is how long a subject stays blocked after exceeding the
	// limit. Defaults to 60s.
	BlockDuration time.Duration
}

func (c *RateLimiterConfig) defaults() {
	if c.Limit <= 0 {
		c.Limit = 1000
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = time.Minute
	}
}

type rateEntry struct {
	// times holds request timestamps inside the current window, oldest
	// first. Pruned on every Allow call for the subject.
	times        []time.Time
	blockedUntil time.Time
}

type rateShard struct {
	mu      sync.Mutex
	entries map[string]*rateEntry
}

// RateLimiter is a sharded sliding-window counter keyed by subject.
// Heartbeats and pongs are exempt at the call site, not here. Safe for
// concurrent use.
type RateLimiter struct {
	cfg     RateLimiterConfig
	shards  [rateLimitShards]*rateShard
	clock   clockwork.Clock
	onEvent SecurityEventFunc
}

// NewRateLimiter creates a RateLimiter with cfg (zero fields defaulted).
func NewRateLimiter(cfg RateLimiterConfig, clock clockwork.Clock, onEvent SecurityEventFunc) *RateLimiter {
	cfg.defaults()
	if onEvent == nil {
		onEvent = func(SecurityEvent) {}
	}
	rl := &RateLimiter{cfg: cfg, clock: clock, onEvent: onEvent}
	for i := range rl.shards {
		rl.shards[i] = &rateShard{entries: make(map[string]*rateEntry)}
	}
	return rl
}

func (rl *RateLimiter) shard(subject string) *rateShard {
	h := fnv.New32a()
	h.Write([]byte(subject))
	return rl.shards[h.Sum32()%rateLimitShards]
}

// Allow records one request for subject and reports whether it is admitted.
// Exceeding the limit blocks the subject for BlockDuration and emits a
// rate_limited event once per block.
func (rl *RateLimiter) Allow(subject string) bool {
	now := rl.clock.Now()
	s := rl.shard(subject)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[subject]
	if !ok {
		e = &rateEntry{}
		s.entries[subject] = e
	}

	if now.Before(e.blockedUntil) {
		return false
	}

	// Prune timestamps older than the window.
	cutoff := now.Add(-rl.cfg.Window)
	keep := e.times[:0]
	for _, t := range e.times {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	e.times = keep

	if len(e.times) >= rl.cfg.Limit {
		e.blockedUntil = now.Add(rl.cfg.BlockDuration)
		e.times = nil
		rl.onEvent(SecurityEvent{Kind: "rate_limited", Subject: subject,
			Detail: map[string]any{"blocked_for": rl.cfg.BlockDuration.String()}})
		return false
	}

	e.times = append(e.times, now)
	return true
}

// Compact drops subjects with no recent activity and no active block,
// returning the number removed.
func (rl *RateLimiter) Compact() int {
	now := rl.clock.Now()
	cutoff := now.Add(-rl.cfg.Window)
	dropped := 0
	for _, s := range rl.shards {
		s.mu.Lock()
		for subject, e := range s.entries {
			if now.After(e.blockedUntil) && (len(e.times) == 0 || e.times[len(e.times)-1].Before(cutoff)) {
				delete(s.entries, subject)
				dropped++
			}
		}
		s.mu.Unlock()
	}
	return dropped
}
