package manifest

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/stagerunner/internal/catalog"
	"github.com/coreos/stagerunner/internal/orcherr"
)

// Store owns the manifest lifetime for a single job directory: it is
// acquired once at driver start and released on Close, so nothing else
// ever re-opens manifest.json directly, per the "cyclic read/write"
// redesign note.
type Store struct {
	jobDir string
	lockFd *os.File

	mu sync.Mutex
	m  *Manifest
}

// Open acquires the advisory file lock on jobDir's manifest.json and
// loads it, recovering any stale `running` stage.
func Open(jobDir string) (*Store, error) {
	lockPath := path(jobDir) + ".lock"
	fd, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, orcherr.New(orcherr.ManifestCorrupt, "", fmt.Errorf("opening lock file: %w", err))
	}
	if err := syscall.Flock(int(fd.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		fd.Close()
		return nil, orcherr.New(orcherr.ManifestCorrupt, "", fmt.Errorf("manifest is locked by another process: %w", err))
	}

	m, err := Load(jobDir)
	if err != nil {
		fd.Close()
		return nil, err
	}

	return &Store{jobDir: jobDir, lockFd: fd, m: m}, nil
}

// Close releases the advisory lock. It does not persist any further
// state; callers must have already committed their last mutation.
func (s *Store) Close() error {
	if err := syscall.Flock(int(s.lockFd.Fd()), syscall.LOCK_UN); err != nil {
		return err
	}
	return s.lockFd.Close()
}

// Snapshot returns a copy of the lock holder's current in-memory
// manifest for read-only use. The `status` command does not use it; it
// reads manifest.json with Load, without the lock.
func (s *Store) Snapshot() Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.m
	cp.Stages = make(map[catalog.StageName]Entry, len(s.m.Stages))
	for k, v := range s.m.Stages {
		cp.Stages[k] = v
	}
	return cp
}

// StartStage transitions name from pending (or a prior failed attempt
// being restarted) to running, incrementing attempts.
func (s *Store) StartStage(name catalog.StageName) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.m.Stages[name]
	if e.Status == StatusRunning {
		// restart of the same attempt: bump attempts, stay running.
		e.Attempts++
	} else {
		e.Attempts++
		e.Status = StatusRunning
		e.LastError = ""
	}
	now := time.Now().UTC()
	e.StartedAt = &now
	e.FinishedAt = nil
	e.DurationSeconds = nil
	s.m.Stages[name] = e
	return writeAtomic(s.jobDir, s.m)
}

// FinishStage transitions name to a terminal status, recording
// artifacts and an optional error message.
func (s *Store) FinishStage(name catalog.StageName, status Status, artifacts []catalog.RelPath, errMsg string) error {
	if status != StatusSucceeded && status != StatusFailed && status != StatusSkipped {
		return fmt.Errorf("invalid terminal status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.m.Stages[name]
	e.Status = status
	e.LastError = errMsg
	if artifacts != nil {
		e.ProducedArtifacts = artifacts
	}
	now := time.Now().UTC()
	e.FinishedAt = &now
	if e.StartedAt != nil {
		d := now.Sub(*e.StartedAt).Seconds()
		e.DurationSeconds = &d
	}
	s.m.Stages[name] = e
	return writeAtomic(s.jobDir, s.m)
}

// MarkCacheHit records that name was short-circuited by a cache hit
// and marks it succeeded with the given payload path as its sole
// artifact.
func (s *Store) MarkCacheHit(name catalog.StageName, payloadPath catalog.RelPath) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.m.Stages[name]
	e.Status = StatusSucceeded
	e.CacheHit = true
	e.ProducedArtifacts = []catalog.RelPath{payloadPath}
	now := time.Now().UTC()
	e.StartedAt = &now
	e.FinishedAt = &now
	zero := 0.0
	e.DurationSeconds = &zero
	s.m.Stages[name] = e
	return writeAtomic(s.jobDir, s.m)
}

// NextPending returns the name of the first stage (in catalog order)
// still pending, or ok=false if none remain.
func (s *Store) NextPending() (catalog.StageName, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range s.m.StageOrder {
		if s.m.Stages[name].Status == StatusPending {
			return name, true
		}
	}
	return "", false
}

// Touch bumps updated_at without otherwise mutating the manifest.
// driver.Run does not call it: a resume in which every stage is
// already succeeded leaves manifest.json unwritten.
func (s *Store) Touch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.jobDir, s.m)
}

// Entry returns the current entry for name.
func (s *Store) Entry(name catalog.StageName) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.Stages[name]
}
