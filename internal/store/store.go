// Package store persists session records as JSON files, one per session.
// It is pure I/O: ownership and lifecycle decisions belong to the session
// package. A file lock serializes writers so two server instances never
// interleave a batch write.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofrs/flock"
)

const (
	recordExt   = ".json"
	lockTimeout = 5 * time.Second
)

// Store reads and writes session records under a data directory.
type Store struct {
	dir  string
	lock *flock.Flock
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	sessionsDir := filepath.Join(dir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &Store{
		dir:  sessionsDir,
		lock: flock.New(filepath.Join(dir, "sessions.lock")),
	}, nil
}

// FindAll returns every persisted session record.
func (s *Store) FindAll() ([]SessionRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var records []SessionRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		rec, err := s.readFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			// Skip corrupt records rather than failing the whole scan
			continue
		}
		records = append(records, *rec)
	}
	return records, nil
}

// FindByID returns one record, or (nil, nil) when absent.
func (s *Store) FindByID(sessionID string) (*SessionRecord, error) {
	rec, err := s.readFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return rec, err
}

// FindPaused returns records with no owning server (serverPid == null).
func (s *Store) FindPaused() ([]SessionRecord, error) {
	all, err := s.FindAll()
	if err != nil {
		return nil, err
	}
	var paused []SessionRecord
	for _, rec := range all {
		if rec.Paused() {
			paused = append(paused, rec)
		}
	}
	return paused, nil
}

// Save writes one record, replacing any existing record with the same id.
func (s *Store) Save(rec *SessionRecord) error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.lock.Unlock()
	return s.writeFile(rec)
}

// SaveAll writes a batch of records under a single lock acquisition.
func (s *Store) SaveAll(records []SessionRecord) error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.lock.Unlock()

	for i := range records {
		if err := s.writeFile(&records[i]); err != nil {
			return err
		}
	}
	return nil
}

// Update loads a record, applies fn, and writes it back atomically with
// respect to other Update/Save callers in this or sibling processes.
func (s *Store) Update(sessionID string, fn func(*SessionRecord)) error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.lock.Unlock()

	rec, err := s.readFile(s.path(sessionID))
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	fn(rec)
	return s.writeFile(rec)
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(sessionID string) error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.lock.Unlock()

	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+recordExt)
}

func (s *Store) acquireLock() error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	ok, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire store lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("store lock held by another process")
	}
	return nil
}

func (s *Store) readFile(path string) (*SessionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec SessionRecord
	if err := sonic.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session record %s: %w", path, err)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("session record %s has empty id", path)
	}
	return &rec, nil
}

// writeFile writes via a temp file and rename so readers never observe a
// partially written record.
func (s *Store) writeFile(rec *SessionRecord) error {
	data, err := sonic.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	path := s.path(rec.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace session record: %w", err)
	}
	return nil
}
