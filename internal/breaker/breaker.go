// Package breaker implements a persisted circuit breaker over the
// WorkerAdapter: after a run of consecutive failures, subsequent calls
// fail fast as Permanent until a cool-down elapses. State survives process
// restarts as one JSON file per key under a state directory, and entries
// older than 7 days are pruned by a background maintenance pass (§4.4).
package breaker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/harrison/taskforge/internal/filelock"
)

// maxAge matches the teacher's budget.StateManager 7-day expiry convention.
const maxAge = 7 * 24 * time.Hour

// State is the persisted form of one breaker key.
type State struct {
	Key                 string    `json:"key"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Tripped             bool      `json:"tripped"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Manager tracks breaker state for one or more keys (typically one key per
// worker backend model).
type Manager struct {
	stateDir  string
	threshold int
	cooldown  time.Duration

	mu    sync.Mutex
	cache map[string]*State
}

// NewManager creates the state directory if needed. threshold is the
// number of consecutive failures that trips the breaker; cooldown is how
// long it stays tripped before allowing another attempt.
func NewManager(stateDir string, threshold int, cooldown time.Duration) (*Manager, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create breaker state directory: %w", err)
	}
	return &Manager{
		stateDir:  stateDir,
		threshold: threshold,
		cooldown:  cooldown,
		cache:     make(map[string]*State),
	}, nil
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.stateDir, key+".json")
}

func (m *Manager) load(key string) *State {
	if s, ok := m.cache[key]; ok {
		return s
	}

	data, err := os.ReadFile(m.path(key))
	if err != nil {
		s := &State{Key: key}
		m.cache[key] = s
		return s
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		s = State{Key: key}
	}
	m.cache[key] = &s
	return &s
}

// save persists s atomically (temp-file-then-rename, via internal/filelock)
// so a crash mid-write never leaves a half-written breaker state file for
// the next load to trip over.
func (m *Manager) save(s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal breaker state: %w", err)
	}
	if err := filelock.AtomicWrite(m.path(s.Key), data); err != nil {
		return fmt.Errorf("write breaker state: %w", err)
	}
	return nil
}

// Allow reports whether a call under key is permitted right now. A tripped
// breaker still within its cooldown window denies the call; once the
// cooldown has elapsed the breaker half-opens (Allow returns true, and the
// next RecordFailure/RecordSuccess decides whether it re-trips or resets).
func (m *Manager) Allow(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.load(key)
	if !s.Tripped {
		return true
	}
	return !time.Now().Before(s.CooldownUntil)
}

// RecordSuccess resets the consecutive-failure count and clears any trip.
func (m *Manager) RecordSuccess(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.load(key)
	s.ConsecutiveFailures = 0
	s.Tripped = false
	s.CooldownUntil = time.Time{}
	s.UpdatedAt = time.Now().UTC()
	return m.save(s)
}

// RecordFailure increments the consecutive-failure count and trips the
// breaker once threshold is reached.
func (m *Manager) RecordFailure(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.load(key)
	s.ConsecutiveFailures++
	s.UpdatedAt = time.Now().UTC()
	if s.ConsecutiveFailures >= m.threshold {
		s.Tripped = true
		s.CooldownUntil = time.Now().UTC().Add(m.cooldown)
	}
	return m.save(s)
}

// Prune deletes on-disk breaker state files whose last update is older than
// 7 days, confirmed against the python original's
// "_periodic_circuit_breaker_cleanup" maintenance task. Returns the number
// of files removed.
func (m *Manager) Prune() (int, error) {
	entries, err := os.ReadDir(m.stateDir)
	if err != nil {
		return 0, fmt.Errorf("read breaker state directory: %w", err)
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(m.stateDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var s State
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		if s.UpdatedAt.Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
				m.mu.Lock()
				delete(m.cache, s.Key)
				m.mu.Unlock()
			}
		}
	}
	return removed, nil
}

// Keys returns every key with on-disk state, sorted, for diagnostics.
func (m *Manager) Keys() ([]string, error) {
	entries, err := os.ReadDir(m.stateDir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		keys = append(keys, entry.Name()[:len(entry.Name())-len(".json")])
	}
	sort.Strings(keys)
	return keys, nil
}

// Snapshot returns the current in-memory state for every key the Manager
// has loaded so far, for the /health endpoint's circuit-breaker reporting.
func (m *Manager) Snapshot() []State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]State, 0, len(m.cache))
	for _, s := range m.cache {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
