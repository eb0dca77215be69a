// Package checkpoint persists the single in-flight task record an agent is
// currently executing, so a restarted agent process can tell whether the
// task it was running survived or crashed with it. It is the Go
// generalization of original_source's CheckpointManager, following the
// teacher's own atomic temp-file-then-rename write pattern
// (agent/internal/connection/manager.go's saveState/loadState).
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const fileName = "task_checkpoint.json"

// Record is the single active checkpoint for one agent process. Per spec
// §3, fields are task_id, started_at, progress, owner_process_id.
type Record struct {
	TaskID         string    `json:"task_id"`
	StartedAt      time.Time `json:"started_at"`
	Progress       float64   `json:"progress"`
	OwnerProcessID int       `json:"owner_process_id"`
}

// Store reads and writes the checkpoint file under one state directory.
// A Store is not safe for concurrent use from multiple goroutines — an
// agent runs one task at a time, so callers serialize through the lifecycle
// manager's single task loop.
type Store struct {
	path string
}

// New returns a Store rooted at stateDir. stateDir is created on first
// Write if it does not already exist.
func New(stateDir string) *Store {
	return &Store{path: filepath.Join(stateDir, fileName)}
}

// Write creates or overwrites the checkpoint for taskID, recording the
// current process as owner. Called when a task begins (progress 0); later
// progress updates go through UpdateProgress.
func (s *Store) Write(taskID string, progress float64, startedAt time.Time) error {
	rec := Record{
		TaskID:         taskID,
		StartedAt:      startedAt,
		Progress:       progress,
		OwnerProcessID: os.Getpid(),
	}
	return s.write(rec)
}

// UpdateProgress rewrites the checkpoint with a new progress value, keeping
// the existing task_id/started_at/owner. If no checkpoint exists this is a
// no-op — mirrors original_source's update_progress, which does nothing
// when the file is absent.
func (s *Store) UpdateProgress(progress float64) error {
	rec, ok, err := s.Read()
	if err != nil || !ok {
		return err
	}
	rec.Progress = progress
	return s.write(rec)
}

// Read loads the checkpoint file. ok is false if no checkpoint exists or
// the file is malformed — both are treated as "no checkpoint" per spec §4.7,
// not an error the caller must act on.
func (s *Store) Read() (Record, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("checkpoint: read failed: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// Malformed file: treat as absent rather than surfacing a startup error.
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Clear removes the checkpoint file. Called on terminal task outcome. A
// missing file is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checkpoint: clear failed: %w", err)
	}
	return nil
}

// CrashedTask returns the checkpointed task ID if a checkpoint exists and
// its owner process is no longer live, per spec §4.6 step 1. ok is false
// when there is nothing to recover (no checkpoint, or the owning process is
// still running — e.g. two instances racing on the same state dir).
func (s *Store) CrashedTask() (taskID string, ok bool, err error) {
	rec, found, err := s.Read()
	if err != nil || !found {
		return "", false, err
	}
	if processLive(rec.OwnerProcessID) {
		return "", false, nil
	}
	return rec.TaskID, true, nil
}

func (s *Store) write(rec Record) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("checkpoint: failed to create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, fileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	data, err := json.Marshal(rec)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: failed to marshal record: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("checkpoint: failed to rename temp file: %w", err)
	}
	ok = true
	return nil
}

// processLive reports whether pid names a currently-running process, by
// sending it the zero signal — the same liveness probe original_source
// uses via os.kill(pid, 0). On this platform a zero signal performs error
// checking without actually sending a signal.
func processLive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false
	}
	// EPERM means the process exists but is owned by another user — still live.
	return errors.Is(err, syscall.EPERM)
}
