package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// sessionRecordVersion guards against loading records written by an
// incompatible build.
const sessionRecordVersion = 1

// ErrCorruptState marks an unreadable or schema-invalid state file. Callers
// log it and start fresh rather than trusting a malformed record.
var ErrCorruptState = errors.New("corrupt state file")

// SessionRecord is the persisted per-agent session continuity record.
type SessionRecord struct {
	Version          int       `json:"version"`
	SessionID        string    `json:"session_id"`
	AgentName        string    `json:"agent_name"`
	CreatedAt        time.Time `json:"created_at"`
	LastUsedAt       time.Time `json:"last_used_at"`
	JobCount         int       `json:"job_count"`
	WorkingDirectory string    `json:"working_directory"`
	RuntimeContext   string    `json:"runtime_context"`
}

// Reuse validation outcomes from SessionRecord.Reusable.
const (
	ReuseOK                = ""
	ReuseWorkingDirChanged = "working_directory changed"
	ReuseRuntimeChanged    = "runtime_context changed"
	ReuseExpired           = "expired"
)

// Reusable reports whether the record may be resumed for a request in
// workingDir against the runtime identified by runtimeContext. A non-empty
// reason means the caller must clear the record and start a fresh session.
// ttl of zero disables the age check.
func (r *SessionRecord) Reusable(workingDir, runtimeContext string, ttl time.Duration, now time.Time) (bool, string) {
	if r.WorkingDirectory != workingDir {
		return false, ReuseWorkingDirChanged
	}
	if r.RuntimeContext != runtimeContext {
		return false, ReuseRuntimeChanged
	}
	if ttl > 0 && r.LastUsedAt.Add(ttl).Before(now) {
		return false, ReuseExpired
	}
	return true, ReuseOK
}

// SessionStore persists one SessionRecord per agent as
// <root>/sessions/<agent>.json with an in-memory cache behind a mutex.
type SessionStore struct {
	dir string

	mu     sync.Mutex
	cache  map[string]*SessionRecord
	loaded map[string]bool
}

// NewSessionStore creates a store rooted at <stateRoot>/sessions.
func NewSessionStore(stateRoot string) *SessionStore {
	return &SessionStore{
		dir:    filepath.Join(stateRoot, "sessions"),
		cache:  make(map[string]*SessionRecord),
		loaded: make(map[string]bool),
	}
}

func (s *SessionStore) path(agent string) string {
	return filepath.Join(s.dir, sanitizeFilename(agent)+".json")
}

// Get returns the stored record for an agent, or nil when none exists.
// A corrupt file yields ErrCorruptState.
func (s *SessionStore) Get(agent string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(agent)
}

// load reads through the cache; caller holds s.mu.
func (s *SessionStore) load(agent string) (*SessionRecord, error) {
	if s.loaded[agent] {
		return s.cache[agent], nil
	}

	data, err := os.ReadFile(s.path(agent))
	if os.IsNotExist(err) {
		s.loaded[agent] = true
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session record for %s: %w", agent, err)
	}

	rec, err := decodeSessionRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%w: sessions/%s.json: %v", ErrCorruptState, agent, err)
	}

	s.cache[agent] = rec
	s.loaded[agent] = true
	return rec, nil
}

func decodeSessionRecord(data []byte) (*SessionRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var rec SessionRecord
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	if rec.Version != sessionRecordVersion {
		return nil, fmt.Errorf("unsupported version %d", rec.Version)
	}
	if rec.SessionID == "" {
		return nil, errors.New("missing session_id")
	}
	return &rec, nil
}

// Put writes the record atomically and updates the cache.
func (s *SessionStore) Put(agent string, rec SessionRecord) error {
	rec.Version = sessionRecordVersion
	rec.AgentName = agent
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.LastUsedAt.IsZero() {
		rec.LastUsedAt = time.Now()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(s.path(agent), data); err != nil {
		return fmt.Errorf("persist session record for %s: %w", agent, err)
	}
	s.cache[agent] = &rec
	s.loaded[agent] = true
	return nil
}

// Clear removes the record. Returns whether one existed.
func (s *SessionStore) Clear(agent string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existed := s.cache[agent] != nil
	delete(s.cache, agent)
	s.loaded[agent] = true

	err := os.Remove(s.path(agent))
	if os.IsNotExist(err) {
		return existed, nil
	}
	if err != nil {
		return existed, fmt.Errorf("remove session record for %s: %w", agent, err)
	}
	return true, nil
}

// CleanupExpired removes records whose last use is older than ttl. Returns the
// number removed. Corrupt files are removed as well.
func (s *SessionStore) CleanupExpired(now time.Time, ttl time.Duration) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		rec, err := decodeSessionRecord(data)
		if err != nil || (ttl > 0 && rec.LastUsedAt.Add(ttl).Before(now)) {
			if os.Remove(path) == nil {
				removed++
			}
		}
	}

	s.mu.Lock()
	s.cache = make(map[string]*SessionRecord)
	s.loaded = make(map[string]bool)
	s.mu.Unlock()

	return removed
}
