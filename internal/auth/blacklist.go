package auth

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// blacklistShards bounds lock contention on the revocation map; token ids
// hash uniformly so a small power of two suffices.
const blacklistShards = 16

type blacklistShard struct {
	mu      sync.Mutex
	entries map[string]time.Time // token id → expiry
}

// Blacklist is a sharded map of revoked token ids. An entry lives at least as
// long as the token's own remaining lifetime; Compact drops entries whose
// expiry has passed. Safe for concurrent use.
type Blacklist struct {
	shards [blacklistShards]*blacklistShard
	clock  clockwork.Clock
}

// NewBlacklist creates a Blacklist. Pass clockwork.NewRealClock() outside
// tests.
func NewBlacklist(clock clockwork.Clock) *Blacklist {
	b := &Blacklist{clock: clock}
	for i := range b.shards {
		b.shards[i] = &blacklistShard{entries: make(map[string]time.Time)}
	}
	return b
}

func (b *Blacklist) shard(tokenID string) *blacklistShard {
	h := fnv.New32a()
	h.Write([]byte(tokenID))
	return b.shards[h.Sum32()%blacklistShards]
}

// Revoke adds tokenID to the blacklist until expiry. A zero expiry revokes
// for 24 hours, which exceeds any access token lifetime we issue.
func (b *Blacklist) Revoke(tokenID string, expiry time.Time) {
	if expiry.IsZero() {
		expiry = b.clock.Now().Add(24 * time.Hour)
	}
	s := b.shard(tokenID)
	s.mu.Lock()
	s.entries[tokenID] = expiry
	s.mu.Unlock()
}

// Contains reports whether tokenID is currently revoked. Expired entries are
// treated as absent (and removed lazily).
func (b *Blacklist) Contains(tokenID string) bool {
	s := b.shard(tokenID)
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.entries[tokenID]
	if !ok {
		return false
	}
	if b.clock.Now().After(expiry) {
		delete(s.entries, tokenID)
		return false
	}
	return true
}

// Compact removes all entries whose expiry has passed and returns the number
// dropped. Run periodically from a dedicated goroutine.
func (b *Blacklist) Compact() int {
	now := b.clock.Now()
	dropped := 0
	for _, s := range b.shards {
		s.mu.Lock()
		for id, expiry := range s.entries {
			if now.After(expiry) {
				delete(s.entries, id)
				dropped++
			}
		}
		s.mu.Unlock()
	}
	return dropped
}

// Len returns the current number of revoked (possibly expired, not yet
// compacted) entries.
func (b *Blacklist) Len() int {
	n := 0
	for _, s := range b.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
