package scheduler

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const scheduleStateVersion = 1

// scheduleState is the persisted per-schedule record at
// schedules/<agent>/<schedule>.yaml.
type scheduleState struct {
	Version           int       `yaml:"version"`
	LastRunAt         time.Time `yaml:"last_run_at,omitempty"`
	NextRunAt         time.Time `yaml:"next_run_at,omitempty"`
	ConsecutiveErrors int       `yaml:"consecutive_errors,omitempty"`
	Disabled          bool      `yaml:"disabled,omitempty"`
	DisabledReason    string    `yaml:"disabled_reason,omitempty"`
}

// stateStore persists schedule state files. Not safe for concurrent use; the
// scheduler serialises access from its tick loop.
type stateStore struct {
	dir   string
	cache map[string]*scheduleState
}

func newStateStore(stateRoot string) *stateStore {
	return &stateStore{
		dir:   filepath.Join(stateRoot, "schedules"),
		cache: make(map[string]*scheduleState),
	}
}

func (s *stateStore) path(agent, schedule string) string {
	return filepath.Join(s.dir, sanitize(agent), sanitize(schedule)+".yaml")
}

func (s *stateStore) get(agent, schedule string) *scheduleState {
	key := agent + "/" + schedule
	if st, ok := s.cache[key]; ok {
		return st
	}

	st := &scheduleState{Version: scheduleStateVersion}
	if data, err := os.ReadFile(s.path(agent, schedule)); err == nil {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		var parsed scheduleState
		if dec.Decode(&parsed) == nil && parsed.Version == scheduleStateVersion {
			st = &parsed
		}
	}
	s.cache[key] = st
	return st
}

func (s *stateStore) put(agent, schedule string, st *scheduleState) error {
	st.Version = scheduleStateVersion
	s.cache[agent+"/"+schedule] = st

	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode schedule state: %w", err)
	}
	path := s.path(agent, schedule)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create schedule state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write schedule state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist schedule state: %w", err)
	}
	return nil
}

func sanitize(name string) string {
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
