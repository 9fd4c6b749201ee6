// Package jobstore records job execution: one JSON record plus one
// newline-delimited output log per job under <stateRoot>/jobs.
package jobstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimedOut  = "timed_out"
)

// Trigger sources.
const (
	TriggerScheduler  = "scheduler"
	TriggerChat       = "chat"
	TriggerWebhook    = "webhook"
	TriggerManual     = "manual"
	TriggerWorkSource = "work_source"
)

// IsTerminalStatus reports whether a status admits no further transitions.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// TokenStats accumulates usage across a job, including all handoff legs.
type TokenStats struct {
	CumulativeInput int `json:"cumulative_input"`
	LastOutput      int `json:"last_output"`
	HandoffCount    int `json:"handoff_count"`
}

// Job is the persisted record of one agent execution. The id never changes
// across handoffs; session_id tracks the most recent session.
type Job struct {
	ID              string     `json:"id"`
	AgentName       string     `json:"agent_name"`
	ScheduleName    string     `json:"schedule_name,omitempty"`
	TriggerSource   string     `json:"trigger_source"`
	Prompt          string     `json:"prompt"`
	ResumeSessionID string     `json:"resume_session_id,omitempty"`
	WorkItemID      string     `json:"work_item_id,omitempty"`
	Status          string     `json:"status"`
	SessionID       string     `json:"session_id,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Tokens          TokenStats `json:"tokens"`
	Summary         string     `json:"summary,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// OutputEntry is one line of the per-job output log. Type mirrors the runtime
// stream; the executor adds synthetic system entries (handoff_document,
// context_handoff) of its own.
type OutputEntry struct {
	At       time.Time `json:"at"`
	Type     string    `json:"type"`
	Subtype  string    `json:"subtype,omitempty"`
	Text     string    `json:"text,omitempty"`
	ToolName string    `json:"tool_name,omitempty"`
	IsError  bool      `json:"is_error,omitempty"`
}

// StatusPatch carries the optional fields an UpdateStatus call may set.
type StatusPatch struct {
	SessionID  string
	FinishedAt *time.Time
	Tokens     *TokenStats
	Summary    string
	Error      string
}

// Store persists job records and their output logs. One writer per job is
// assumed, but status updates and output appends for the same job interleave.
type Store struct {
	dir string

	mu   sync.Mutex
	logs map[string]*os.File
}

// NewStore creates a store rooted at <stateRoot>/jobs.
func NewStore(stateRoot string) *Store {
	return &Store{
		dir:  filepath.Join(stateRoot, "jobs"),
		logs: make(map[string]*os.File),
	}
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) logPath(id string) string {
	return filepath.Join(s.dir, id+".log")
}

// NewJobID returns a fresh opaque job id.
func NewJobID() string {
	return uuid.NewString()
}

// Create writes the pending record and returns the job id, assigning one if
// the caller left it blank.
func (s *Store) Create(job Job) (string, error) {
	if job.ID == "" {
		job.ID = NewJobID()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeRecord(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Get loads a job record by id.
func (s *Store) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRecord(id)
}

// List returns all job records, newest started first.
func (s *Store) List() ([]Job, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []Job
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		job, err := s.readRecord(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	return jobs, nil
}

// UpdateStatus transitions the record to status and applies the patch in one
// write. A transition out of a terminal status is rejected.
func (s *Store) UpdateStatus(id, status string, patch StatusPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.readRecord(id)
	if err != nil {
		return err
	}
	if IsTerminalStatus(job.Status) && job.Status != status {
		return fmt.Errorf("job %s already %s, cannot move to %s", id, job.Status, status)
	}

	job.Status = status
	if patch.SessionID != "" {
		job.SessionID = patch.SessionID
	}
	if patch.FinishedAt != nil {
		job.FinishedAt = patch.FinishedAt
	}
	if patch.Tokens != nil {
		job.Tokens = *patch.Tokens
	}
	if patch.Summary != "" {
		job.Summary = patch.Summary
	}
	if patch.Error != "" {
		job.Error = patch.Error
	}
	return s.writeRecord(*job)
}

// AppendOutput appends one entry to the job's output log. The log file stays
// open until CloseOutput for the duration of the job.
func (s *Store) AppendOutput(id string, entry OutputEntry) error {
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode output entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.logs[id]
	if !ok {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return fmt.Errorf("create jobs dir: %w", err)
		}
		f, err = os.OpenFile(s.logPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open output log for %s: %w", id, err)
		}
		s.logs[id] = f
	}

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append output for %s: %w", id, err)
	}
	return nil
}

// CloseOutput flushes and closes the job's output log handle.
func (s *Store) CloseOutput(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.logs[id]
	if !ok {
		return nil
	}
	delete(s.logs, id)
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync output log for %s: %w", id, err)
	}
	return f.Close()
}

// ReadOutput returns all output entries recorded for the job, in append order.
func (s *Store) ReadOutput(id string) ([]OutputEntry, error) {
	data, err := os.ReadFile(s.logPath(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read output log for %s: %w", id, err)
	}

	var entries []OutputEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry OutputEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan output log for %s: %w", id, err)
	}
	return entries, nil
}

// writeRecord persists the record atomically; caller holds s.mu.
func (s *Store) writeRecord(job Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job record: %w", err)
	}
	if err := writeFileAtomic(s.recordPath(job.ID), data); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	return nil
}

// readRecord loads a record from disk; caller holds s.mu.
func (s *Store) readRecord(id string) (*Job, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// writeFileAtomic writes via temp file + rename in the record directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".job-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
