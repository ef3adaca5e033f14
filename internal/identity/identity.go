// Package identity manages the agent identity file: a per-user JSON document
// recording every agent the host has registered, plus the default agent used
// when the CLI is started without an explicit id. Agent ids are stable across
// restarts so the control plane can correlate sessions, commands, and audit
// records with the same machine over time.
package identity

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
)

// fileVersion is bumped when the on-disk layout changes.
const fileVersion = 1

// Metadata describes the machine an agent runs on.
type Metadata struct {
	HostMachine string `json:"hostMachine"`
	Platform    string `json:"platform"`
}

// Agent is one registered agent identity.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed"`
	Metadata  Metadata  `json:"metadata"`
}

// File is the on-disk document.
type File struct {
	Version      int               `json:"version"`
	DefaultAgent string            `json:"defaultAgent,omitempty"`
	Agents       map[string]*Agent `json:"agents"`
}

// Manager loads and saves the identity file.
type Manager struct {
	path  string
	clock clockwork.Clock
}

// NewManager returns a Manager for the file at path. A nil clock falls back
// to the wall clock.
func NewManager(path string, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{path: path, clock: clock}
}

// Load reads the identity file. A missing file yields an empty document, not
// an error, so first-run and steady-state share one code path.
func (m *Manager) Load() (*File, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &File{Version: fileVersion, Agents: map[string]*Agent{}}, nil
		}
		return nil, fmt.Errorf("identity: read %s: %w", m.path, err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("identity: parse %s: %w", m.path, err)
	}
	if f.Version > fileVersion {
		return nil, fmt.Errorf("identity: %s has version %d, this build understands %d", m.path, f.Version, fileVersion)
	}
	if f.Agents == nil {
		f.Agents = map[string]*Agent{}
	}
	return &f, nil
}

// Save writes the document atomically: a temp file in the same directory is
// renamed over the target so a crash never leaves a half-written file.
func (m *Manager) Save(f *File) error {
	f.Version = fileVersion
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: encode: %w", err)
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("identity: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".identity-*")
	if err != nil {
		return fmt.Errorf("identity: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identity: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("identity: replace %s: %w", m.path, err)
	}
	return nil
}

// Ensure returns the identity for agentID, registering a new one when agentID
// is empty or unknown. The returned agent has LastUsed stamped and the file
// is saved before returning. The first agent ever registered becomes the
// default.
func (m *Manager) Ensure(agentID, agentType, name string) (*Agent, error) {
	f, err := m.Load()
	if err != nil {
		return nil, err
	}

	if agentID == "" {
		agentID = f.DefaultAgent
	}
	now := m.clock.Now().UTC()

	agent, ok := f.Agents[agentID]
	if !ok {
		id, err := NewID(agentType, now)
		if err != nil {
			return nil, err
		}
		hostname, _ := os.Hostname()
		agent = &Agent{
			ID:        id,
			Name:      name,
			Type:      agentType,
			CreatedAt: now,
			Metadata: Metadata{
				HostMachine: hostname,
				Platform:    runtime.GOOS,
			},
		}
		f.Agents[id] = agent
		if f.DefaultAgent == "" {
			f.DefaultAgent = id
		}
	}
	agent.LastUsed = now

	if err := m.Save(f); err != nil {
		return nil, err
	}
	return agent, nil
}

// idAlphabet covers base36: the timestamp component uses the same digits.
const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID generates a stable agent id of the form
// <type>-<base36 unix timestamp>-<9 random base36 chars>.
func NewID(agentType string, now time.Time) (string, error) {
	if agentType == "" {
		return "", fmt.Errorf("identity: agent type is required")
	}
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("identity: generate id: %w", err)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return fmt.Sprintf("%s-%s-%s", agentType, strconv.FormatInt(now.Unix(), 36), buf), nil
}
