// Package audit records control-plane actions. It has two layers: Chain, a
// tamper-evident append-only file whose records are SHA-256 hash-chained, and
// Sink, a bounded in-memory buffer that batches records toward the durable
// store and (optionally) the chain file.
//
// # Hash chain
//
// The record_hash for record N is computed as:
//
//	SHA-256( JSON({seq, ts, event, subject, details, prev_hash}) )
//
// treating the JSON encoding of those fields as a canonical byte sequence.
// The genesis record (seq=1) uses a prev_hash of 64 ASCII zero characters.
//
// # Append semantics
//
// Each record is one JSON line terminated by '\n'. The file is opened with
// os.O_APPEND | os.O_CREATE | os.O_WRONLY so every write is appended
// atomically by the OS.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash of
// the first record in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is one audit event: who did what to which subject, when.
type Record struct {
	Seq        int64          `json:"seq"`
	Timestamp  time.Time      `json:"ts"`
	EventType  string         `json:"event"`   // e.g. "command.CANCELLED", "emergency_stop"
	SubjectID  string         `json:"subject"` // command id, agent id, or user id
	Details    map[string]any `json:"details,omitempty"`
	PrevHash   string         `json:"prev_hash"`
	RecordHash string         `json:"record_hash"`
}

// recordContent is the subset of Record fields hashed to produce RecordHash.
type recordContent struct {
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"ts"`
	EventType string         `json:"event"`
	SubjectID string         `json:"subject"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prev_hash"`
}

// Chain is a tamper-evident append-only record file. Create one with
// OpenChain; do not copy after first use.
type Chain struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// OpenChain opens (or creates) the chain file at path. If the file already
// has records, they are all read back to restore the sequence number and
// prev_hash, and the chain is verified in the process. Returns an error if
// any record is malformed or the chain is broken.
func OpenChain(path string) (*Chain, error) {
	prevHash := GenesisHash
	seq := int64(0)

	if _, err := os.Stat(path); err == nil {
		records, err := VerifyChain(path)
		if err != nil {
			return nil, err
		}
		if n := len(records); n > 0 {
			prevHash = records[n-1].RecordHash
			seq = records[n-1].Seq
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}
	return &Chain{file: f, prevHash: prevHash, seq: seq}, nil
}

// Append writes one record to the chain. Safe for concurrent use; a mutex
// serialises appends to keep seq and prev_hash consistent.
func (c *Chain) Append(eventType, subjectID string, details map[string]any) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.seq + 1
	ts := time.Now().UTC()
	prevHash := c.prevHash

	rec := Record{
		Seq:       seq,
		Timestamp: ts,
		EventType: eventType,
		SubjectID: subjectID,
		Details:   details,
		PrevHash:  prevHash,
	}
	rec.RecordHash = hashContent(recordContent{
		Seq:       seq,
		Timestamp: ts,
		EventType: eventType,
		SubjectID: subjectID,
		Details:   details,
		PrevHash:  prevHash,
	})

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("audit: marshal record: %w", err)
	}
	line = append(line, '\n')
	if _, err := c.file.Write(line); err != nil {
		return Record{}, fmt.Errorf("audit: write record: %w", err)
	}

	c.seq = seq
	c.prevHash = rec.RecordHash
	return rec, nil
}

// Close flushes OS buffers and closes the file.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.file.Sync(); err != nil {
		_ = c.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return c.file.Close()
}

// VerifyChain reads the chain file at path and checks every link. It returns
// the ordered records on success, or the first chain error encountered. An
// empty file is valid and returns no records.
func VerifyChain(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()

	var records []Record
	prevHash := GenesisHash
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("audit: malformed record: %w", err)
		}
		if rec.PrevHash != prevHash {
			return nil, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q",
				rec.Seq, prevHash, rec.PrevHash)
		}
		computed := hashContent(recordContent{
			Seq:       rec.Seq,
			Timestamp: rec.Timestamp,
			EventType: rec.EventType,
			SubjectID: rec.SubjectID,
			Details:   rec.Details,
			PrevHash:  rec.PrevHash,
		})
		if computed != rec.RecordHash {
			return nil, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q",
				rec.Seq, rec.RecordHash, computed)
		}
		records = append(records, rec)
		prevHash = rec.RecordHash
	}
	return records, scanner.Err()
}

// hashContent computes the SHA-256 hex digest of the JSON-marshalled
// recordContent. Marshal failure is unreachable for well-formed content.
func hashContent(c recordContent) string {
	raw, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("audit: marshal recordContent: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
