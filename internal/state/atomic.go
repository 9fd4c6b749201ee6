// Package state persists session continuity: per-agent session records and
// per-conversation-key records. All writes are temp-file + rename; reads are
// validated and never silently trust malformed files.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// renameRetries covers transient rename failures (antivirus scanners holding
// the target open on Windows).
const renameRetries = 3

// writeFileAtomic writes data to path via a temp file in the same directory,
// fsyncs, then renames into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	var renameErr error
	for attempt := 0; attempt < renameRetries; attempt++ {
		if renameErr = os.Rename(tmpPath, path); renameErr == nil {
			cleanup = false
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return fmt.Errorf("rename into place: %w", renameErr)
}
