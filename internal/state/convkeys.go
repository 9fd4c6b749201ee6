package state

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const conversationFileVersion = 1

// ConversationRecord maps one conversation key (channel id or issue id) to a
// resumable session.
type ConversationRecord struct {
	SessionID       string    `yaml:"session_id"`
	LastActivityAt  time.Time `yaml:"last_activity_at"`
	BranchName      string    `yaml:"branch_name,omitempty"`
	IssueIdentifier string    `yaml:"issue_identifier,omitempty"`
}

// conversationFile is the on-disk shape of chat-sessions/<platform>/<agent>.yaml.
type conversationFile struct {
	Version int                           `yaml:"version"`
	Keys    map[string]ConversationRecord `yaml:"keys"`
}

// ConversationStore persists conversation-key records per (platform, agent),
// one YAML file each, namespaced by connector platform.
type ConversationStore struct {
	dir string

	mu     sync.Mutex
	cache  map[string]*conversationFile // "<platform>/<agent>" → file
	loaded map[string]bool
}

// NewConversationStore creates a store rooted at <stateRoot>/chat-sessions.
func NewConversationStore(stateRoot string) *ConversationStore {
	return &ConversationStore{
		dir:    filepath.Join(stateRoot, "chat-sessions"),
		cache:  make(map[string]*conversationFile),
		loaded: make(map[string]bool),
	}
}

func (s *ConversationStore) fileKey(platform, agent string) string {
	return platform + "/" + agent
}

func (s *ConversationStore) path(platform, agent string) string {
	return filepath.Join(s.dir, sanitizeFilename(platform), sanitizeFilename(agent)+".yaml")
}

// Get returns the record for a conversation key, if present and parseable.
func (s *ConversationStore) Get(platform, agent, key string) (ConversationRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load(platform, agent)
	if err != nil {
		return ConversationRecord{}, false, err
	}
	rec, ok := f.Keys[key]
	return rec, ok, nil
}

// load reads through the cache; caller holds s.mu.
func (s *ConversationStore) load(platform, agent string) (*conversationFile, error) {
	fk := s.fileKey(platform, agent)
	if s.loaded[fk] {
		return s.cache[fk], nil
	}

	f := &conversationFile{Version: conversationFileVersion, Keys: map[string]ConversationRecord{}}

	data, err := os.ReadFile(s.path(platform, agent))
	if err == nil {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		var parsed conversationFile
		if derr := dec.Decode(&parsed); derr != nil {
			return nil, fmt.Errorf("%w: chat-sessions/%s/%s.yaml: %v", ErrCorruptState, platform, agent, derr)
		}
		if parsed.Version != conversationFileVersion {
			return nil, fmt.Errorf("%w: chat-sessions/%s/%s.yaml: unsupported version %d", ErrCorruptState, platform, agent, parsed.Version)
		}
		if parsed.Keys == nil {
			parsed.Keys = map[string]ConversationRecord{}
		}
		f = &parsed
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read conversation records %s/%s: %w", platform, agent, err)
	}

	s.cache[fk] = f
	s.loaded[fk] = true
	return f, nil
}

// Put stores a record and persists the file atomically.
func (s *ConversationStore) Put(platform, agent, key string, rec ConversationRecord) error {
	if rec.LastActivityAt.IsZero() {
		rec.LastActivityAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load(platform, agent)
	if err != nil {
		// Corrupt file: start over rather than refusing to make progress.
		f = &conversationFile{Version: conversationFileVersion, Keys: map[string]ConversationRecord{}}
		fk := s.fileKey(platform, agent)
		s.cache[fk] = f
		s.loaded[fk] = true
	}
	f.Keys[key] = rec
	return s.persist(platform, agent, f)
}

// Clear removes a single conversation key. Returns whether it existed.
func (s *ConversationStore) Clear(platform, agent, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load(platform, agent)
	if err != nil {
		return false, err
	}
	if _, ok := f.Keys[key]; !ok {
		return false, nil
	}
	delete(f.Keys, key)
	return true, s.persist(platform, agent, f)
}

// persist writes the YAML file; caller holds s.mu.
func (s *ConversationStore) persist(platform, agent string, f *conversationFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode conversation records: %w", err)
	}
	if err := writeFileAtomic(s.path(platform, agent), data); err != nil {
		return fmt.Errorf("persist conversation records %s/%s: %w", platform, agent, err)
	}
	return nil
}

// CleanupExpired drops keys whose last activity is older than ttl across all
// loaded and on-disk files for a platform. Returns the number of keys dropped.
func (s *ConversationStore) CleanupExpired(platform string, now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}

	platformDir := filepath.Join(s.dir, sanitizeFilename(platform))
	entries, err := os.ReadDir(platformDir)
	if err != nil {
		return 0
	}

	dropped := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		agent := strings.TrimSuffix(e.Name(), ".yaml")

		s.mu.Lock()
		f, err := s.load(platform, agent)
		if err != nil {
			s.mu.Unlock()
			continue
		}
		changed := false
		for key, rec := range f.Keys {
			if rec.LastActivityAt.Add(ttl).Before(now) {
				delete(f.Keys, key)
				dropped++
				changed = true
			}
		}
		if changed {
			s.persist(platform, agent, f)
		}
		s.mu.Unlock()
	}
	return dropped
}

// sanitizeFilename makes an identifier safe as a file name component.
func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
