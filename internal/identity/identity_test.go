package identity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var idPattern = regexp.MustCompile(`^claude-[0-9a-z]+-[0-9a-z]{9}$`)

func TestNewID(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	id, err := NewID("claude", now)
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	if !idPattern.MatchString(id) {
		t.Fatalf("id %q does not match <type>-<base36>-<9 chars>", id)
	}
	if !strings.Contains(id, "-"+strconv36(now.Unix())+"-") {
		t.Fatalf("id %q does not embed the base36 timestamp", id)
	}

	other, err := NewID("claude", now)
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	if id == other {
		t.Fatal("two ids generated at the same instant collided")
	}

	if _, err := NewID("", now); err == nil {
		t.Fatal("NewID accepted an empty type")
	}
}

func strconv36(v int64) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	if v == 0 {
		return "0"
	}
	var out []byte
	for v > 0 {
		out = append([]byte{digits[v%36]}, out...)
		v /= 36
	}
	return string(out)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	m := NewManager(filepath.Join(t.TempDir(), "identity.json"), nil)
	f, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Version != fileVersion {
		t.Fatalf("Version = %d, want %d", f.Version, fileVersion)
	}
	if len(f.Agents) != 0 {
		t.Fatalf("Agents = %d entries, want none", len(f.Agents))
	}
}

func TestEnsureRegistersAndReuses(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "identity.json")
	m := NewManager(path, clock)

	first, err := m.Ensure("", "claude", "workstation")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !idPattern.MatchString(first.ID) {
		t.Fatalf("generated id %q malformed", first.ID)
	}
	if first.Type != "claude" || first.Name != "workstation" {
		t.Fatalf("agent = %+v, want type claude name workstation", first)
	}
	if !first.CreatedAt.Equal(clock.Now().UTC()) {
		t.Fatalf("CreatedAt = %v, want %v", first.CreatedAt, clock.Now().UTC())
	}

	// An empty id resolves to the default agent rather than minting again.
	clock.Advance(time.Hour)
	second, err := m.Ensure("", "claude", "workstation")
	if err != nil {
		t.Fatalf("Ensure again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("default lookup minted a new id: %q vs %q", second.ID, first.ID)
	}
	if !second.LastUsed.After(first.LastUsed) {
		t.Fatalf("LastUsed not advanced: %v vs %v", second.LastUsed, first.LastUsed)
	}

	f, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.DefaultAgent != first.ID {
		t.Fatalf("DefaultAgent = %q, want %q", f.DefaultAgent, first.ID)
	}
	if len(f.Agents) != 1 {
		t.Fatalf("Agents = %d entries, want 1", len(f.Agents))
	}
}

func TestEnsureUnknownIDMintsNew(t *testing.T) {
	t.Parallel()

	m := NewManager(filepath.Join(t.TempDir(), "identity.json"), nil)
	if _, err := m.Ensure("", "claude", "a"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	agent, err := m.Ensure("gone-xyz-abcdefghi", "gemini", "b")
	if err != nil {
		t.Fatalf("Ensure unknown: %v", err)
	}
	if agent.Type != "gemini" {
		t.Fatalf("Type = %q, want gemini", agent.Type)
	}
	f, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(f.Agents) != 2 {
		t.Fatalf("Agents = %d entries, want 2", len(f.Agents))
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "identity.json")
	m := NewManager(path, nil)

	agent, err := m.Ensure("", "codex", "laptop")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read identity file: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("identity file is not valid JSON: %v", err)
	}
	for _, key := range []string{"version", "defaultAgent", "agents"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("identity file missing %q", key)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("identity file mode = %o, want 600", perm)
	}

	reopened, err := NewManager(path, nil).Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reopened.Agents[agent.ID]
	if !ok {
		t.Fatalf("agent %q missing after reload", agent.ID)
	}
	if got.Metadata.Platform == "" || got.Metadata.HostMachine == "" {
		t.Fatalf("metadata not populated: %+v", got.Metadata)
	}
}

func TestLoadRejectsFutureVersion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "identity.json")
	if err := os.WriteFile(path, []byte(`{"version":99,"agents":{}}`), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if _, err := NewManager(path, nil).Load(); err == nil {
		t.Fatal("Load accepted a future file version")
	}
}
