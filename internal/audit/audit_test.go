package audit_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tdoan35/onsembl-sub008/internal/audit"
)

func TestChainAppendAndVerify(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.log")
	c, err := audit.OpenChain(path)
	if err != nil {
		t.Fatal(err)
	}

	first, err := c.Append("command.QUEUED", "cmd-1", map[string]any{"agent_id": "agent-a"})
	if err != nil {
		t.Fatal(err)
	}
	if first.Seq != 1 || first.PrevHash != audit.GenesisHash {
		t.Errorf("genesis record = %+v", first)
	}
	second, err := c.Append("command.EXECUTING", "cmd-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.PrevHash != first.RecordHash {
		t.Error("second record does not link to first")
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	records, err := audit.VerifyChain(path)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].EventType != "command.QUEUED" || records[0].SubjectID != "cmd-1" {
		t.Errorf("record 1 = %+v", records[0])
	}
}

func TestChainResumeAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.log")
	c, err := audit.OpenChain(path)
	if err != nil {
		t.Fatal(err)
	}
	last, err := c.Append("emergency_stop", "user-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Close()

	c2, err := audit.OpenChain(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()
	next, err := c2.Append("command.QUEUED", "cmd-2", nil)
	if err != nil {
		t.Fatal(err)
	}
	if next.Seq != last.Seq+1 || next.PrevHash != last.RecordHash {
		t.Errorf("chain did not resume: %+v after %+v", next, last)
	}
}

func TestChainDetectsTampering(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.log")
	c, err := audit.OpenChain(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Append("command.QUEUED", "cmd-1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Append("command.COMPLETED", "cmd-1", nil); err != nil {
		t.Fatal(err)
	}
	c.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(raw), "cmd-1", "cmd-X", 1)
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := audit.VerifyChain(path); err == nil {
		t.Fatal("VerifyChain accepted a tampered record")
	}
	if _, err := audit.OpenChain(path); err == nil {
		t.Fatal("OpenChain accepted a tampered file")
	}
}

type memStore struct {
	mu      sync.Mutex
	records []audit.Record
	fail    bool
}

func (m *memStore) InsertAuditRecords(_ context.Context, records []audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("store down")
	}
	m.records = append(m.records, records...)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSinkFlushBatches(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	s := audit.NewSink(audit.SinkConfig{}, store, nil, clockwork.NewFakeClock(), testLogger())

	for i := 0; i < 3; i++ {
		s.Record("command.QUEUED", "cmd-1", map[string]any{"n": i})
	}
	if got := s.Pending(); got != 3 {
		t.Fatalf("pending = %d", got)
	}

	s.Flush(context.Background())
	if got := s.Pending(); got != 0 {
		t.Errorf("pending after flush = %d", got)
	}
	if len(store.records) != 3 {
		t.Fatalf("stored = %d, want 3", len(store.records))
	}
	if store.records[0].Seq != 1 || store.records[2].Seq != 3 {
		t.Errorf("sequence order lost: %+v", store.records)
	}
}

func TestSinkEvictsOldestWhenFull(t *testing.T) {
	t.Parallel()

	s := audit.NewSink(audit.SinkConfig{Capacity: 2}, &memStore{}, nil, clockwork.NewFakeClock(), testLogger())
	s.Record("a", "1", nil)
	s.Record("b", "2", nil)
	s.Record("c", "3", nil)

	if got := s.Pending(); got != 2 {
		t.Errorf("pending = %d, want capacity 2", got)
	}
	if got := s.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestSinkRequeuesOnStoreFailure(t *testing.T) {
	t.Parallel()

	store := &memStore{fail: true}
	s := audit.NewSink(audit.SinkConfig{}, store, nil, clockwork.NewFakeClock(), testLogger())
	s.Record("a", "1", nil)
	s.Flush(context.Background())

	if got := s.Pending(); got != 1 {
		t.Fatalf("pending after failed flush = %d, want 1", got)
	}

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()
	s.Flush(context.Background())
	if len(store.records) != 1 {
		t.Errorf("stored = %d after retry, want 1", len(store.records))
	}
}

func TestSinkWritesThroughToChain(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.log")
	chain, err := audit.OpenChain(path)
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	s := audit.NewSink(audit.SinkConfig{FlushInterval: time.Minute}, nil, chain, clockwork.NewFakeClock(), testLogger())
	s.Record("emergency_stop", "user-1", map[string]any{"agents_stopped": 2})

	records, err := audit.VerifyChain(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].EventType != "emergency_stop" {
		t.Errorf("chain records = %+v", records)
	}
}
