// Package dedup persists the per-source set of already-seen external event
// identifiers. The store is the never-duplicates gate: an id is marked
// durably before the poller emits a task for it, so a crash can drop an
// event but can never surface it twice. It must not be rebuilt from stage
// scans: tasks leave intake and would then look unseen.
package dedup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Reserved sources used by the orchestrator to make its own side records
// idempotent across restarts.
const (
	SourceRejectedAck = "rejected"
	SourceApprovedAck = "approved-ack"
)

// Store is a durable set keyed by (source, external id). One append-only
// file per source, fsynced on every mark.
type Store struct {
	mu    sync.Mutex
	dir   string
	seen  map[string]map[string]struct{}
	files map[string]*os.File
}

// Open loads all existing seen-sets from dir (normally the vault root).
func Open(dir string) (*Store, error) {
	s := &Store{
		dir:   dir,
		seen:  make(map[string]map[string]struct{}),
		files: make(map[string]*os.File),
	}

	matches, err := filepath.Glob(filepath.Join(dir, "processed_*_ids.txt"))
	if err != nil {
		return nil, fmt.Errorf("scan dedup files: %w", err)
	}
	for _, path := range matches {
		source := sourceFromPath(path)
		if source == "" {
			continue
		}
		if err := s.load(source, path); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func sourceFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimPrefix(base, "processed_")
	return strings.TrimSuffix(base, "_ids.txt")
}

func (s *Store) path(source string) string {
	return filepath.Join(s.dir, fmt.Sprintf("processed_%s_ids.txt", source))
}

func (s *Store) load(source, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	set := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			set[line] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	s.seen[source] = set
	return nil
}

// Seen reports whether the id has already produced a task for this source.
func (s *Store) Seen(source, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[source][id]
	return ok
}

// Mark records the id durably. Idempotent; returns only after the record
// is flushed, so callers may rely on it for the never-duplicates guarantee.
// A crash after Mark but before the task write drops the event; the
// accepted side of the dedup ordering trade-off.
func (s *Store) Mark(source, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[source][id]; ok {
		return nil
	}

	f, ok := s.files[source]
	if !ok {
		var err error
		f, err = os.OpenFile(s.path(source), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open dedup file for %s: %w", source, err)
		}
		s.files[source] = f
	}

	if _, err := fmt.Fprintln(f, id); err != nil {
		return fmt.Errorf("append dedup record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync dedup file: %w", err)
	}

	if s.seen[source] == nil {
		s.seen[source] = make(map[string]struct{})
	}
	s.seen[source][id] = struct{}{}
	return nil
}

// Close releases the open append handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for source, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close dedup file for %s: %w", source, err)
		}
	}
	s.files = make(map[string]*os.File)
	return firstErr
}
