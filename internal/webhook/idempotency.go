package webhook

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const idempotencyFileVersion = 1

// idempotencyFile is the optional on-disk shape of webhooks/idempotency.json.
type idempotencyFile struct {
	Version int                  `json:"version"`
	Seen    map[string]time.Time `json:"seen"`
}

// IdempotencySet is a process-wide TTL set of webhook delivery ids. Growth is
// bounded by pruning expired entries on every insert.
type IdempotencySet struct {
	ttl  time.Duration
	path string // optional persistence, empty = memory only

	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewIdempotencySet creates the set. path may be empty to disable persistence.
func NewIdempotencySet(ttl time.Duration, path string) *IdempotencySet {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s := &IdempotencySet{
		ttl:  ttl,
		path: path,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
	s.load()
	return s
}

// Observe records the delivery id and reports whether it was already present
// within the TTL window.
func (s *IdempotencySet) Observe(id string) (duplicate bool) {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)

	if _, ok := s.seen[id]; ok {
		return true
	}
	s.seen[id] = now
	s.persistLocked()
	return false
}

// Len reports the number of live entries.
func (s *IdempotencySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	return len(s.seen)
}

func (s *IdempotencySet) pruneLocked(now time.Time) {
	for id, at := range s.seen {
		if at.Add(s.ttl).Before(now) {
			delete(s.seen, id)
		}
	}
}

func (s *IdempotencySet) load() {
	if s.path == "" {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var f idempotencyFile
	if json.Unmarshal(data, &f) != nil || f.Version != idempotencyFileVersion || f.Seen == nil {
		return
	}
	s.seen = f.Seen
	s.pruneLocked(s.now())
}

// persistLocked writes through on each insert; best effort.
func (s *IdempotencySet) persistLocked() {
	if s.path == "" {
		return
	}
	data, err := json.Marshal(idempotencyFile{Version: idempotencyFileVersion, Seen: s.seen})
	if err != nil {
		return
	}
	if os.MkdirAll(filepath.Dir(s.path), 0o755) != nil {
		return
	}
	tmp := s.path + ".tmp"
	if os.WriteFile(tmp, data, 0o644) == nil {
		os.Rename(tmp, s.path)
	}
}
