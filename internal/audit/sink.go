package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Store receives flushed audit batches. The postgres store implements it.
type Store interface {
	InsertAuditRecords(ctx context.Context, records []Record) error
}

// SinkConfig tunes the buffered sink.
type SinkConfig struct {
	// Capacity bounds the in-memory buffer. When full, the oldest buffered
	// record is evicted to admit the new one. Default 10000.
	Capacity int
	// FlushInterval is how often the buffer is drained to the store.
	// Default 2s.
	FlushInterval time.Duration
}

func (c *SinkConfig) defaults() {
	if c.Capacity <= 0 {
		c.Capacity = 10000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
}

// Sink buffers audit records and flushes them in batches. Record never
// blocks: when the buffer is full the oldest record is dropped and counted.
// A Chain, if attached, gets every record synchronously so the tamper-evident
// file never lags the buffer.
type Sink struct {
	cfg    SinkConfig
	store  Store
	chain  *Chain // may be nil
	clock  clockwork.Clock
	logger *slog.Logger

	mu      sync.Mutex
	buf     []Record
	seq     int64
	dropped int64
}

// NewSink creates a Sink. store may be nil, in which case flushes discard the
// buffer (useful when only the chain file is wanted).
func NewSink(cfg SinkConfig, store Store, chain *Chain, clock clockwork.Clock, logger *slog.Logger) *Sink {
	cfg.defaults()
	return &Sink{
		cfg:    cfg,
		store:  store,
		chain:  chain,
		clock:  clock,
		logger: logger,
	}
}

// Record buffers one audit event. Implements the dispatcher's Recorder.
func (s *Sink) Record(eventType, subjectID string, details map[string]any) {
	if s.chain != nil {
		if _, err := s.chain.Append(eventType, subjectID, details); err != nil {
			s.logger.Error("audit: chain append failed",
				slog.String("event", eventType), slog.Any("error", err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	rec := Record{
		Seq:       s.seq,
		Timestamp: s.clock.Now().UTC(),
		EventType: eventType,
		SubjectID: subjectID,
		Details:   details,
	}
	if len(s.buf) >= s.cfg.Capacity {
		// Oldest-first eviction keeps the most recent activity.
		s.buf = s.buf[1:]
		s.dropped++
	}
	s.buf = append(s.buf, rec)
}

// Dropped reports how many records were evicted before reaching the store.
func (s *Sink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Pending reports the current buffer depth.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Run flushes on an interval until ctx is cancelled, then performs a final
// flush with a short grace context.
func (s *Sink) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Flush(flushCtx)
			cancel()
			return
		case <-ticker.Chan():
			s.Flush(ctx)
		}
	}
}

// Flush drains the buffer to the store. On store failure the batch is put
// back at the front so nothing is lost before the next attempt (subject to
// the capacity bound).
func (s *Sink) Flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	if s.store == nil {
		return
	}
	if err := s.store.InsertAuditRecords(ctx, batch); err != nil {
		s.logger.Error("audit: flush failed",
			slog.Int("batch", len(batch)), slog.Any("error", err))
		s.mu.Lock()
		s.buf = append(batch, s.buf...)
		if excess := len(s.buf) - s.cfg.Capacity; excess > 0 {
			s.buf = s.buf[excess:]
			s.dropped += int64(excess)
		}
		s.mu.Unlock()
	}
}
