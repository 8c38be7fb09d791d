package cache

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ArtifactHandle is one compiled document and the files derived from it.
type ArtifactHandle struct {
	Path       string
	PageCount  int
	Pages      []string
	Thumbnails []string
	CreatedAt  time.Time
}

func (h ArtifactHandle) files() []string {
	out := make([]string, 0, 1+len(h.Pages)+len(h.Thumbnails))
	out = append(out, h.Path)
	out = append(out, h.Pages...)
	out = append(out, h.Thumbnails...)
	return out
}

// Store tracks the artifacts written into the cache directory. The pinned
// handle is the one currently on screen; Sweep removes everything else.
type Store struct {
	dir string

	mu      sync.Mutex
	handles map[string]ArtifactHandle
	pinned  string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir, handles: make(map[string]ArtifactHandle)}
}

func (s *Store) Dir() string { return s.dir }

// Track records h, replacing an earlier record for the same path.
func (s *Store) Track(h ArtifactHandle) {
	if h.Path == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.Path] = h
}

// Pin marks path as published. The previously pinned handle becomes
// eligible for the next Sweep.
func (s *Store) Pin(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned = path
}

func (s *Store) Pinned() (ArtifactHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[s.pinned]
	return h, ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Sweep deletes the files of every unpinned handle.
func (s *Store) Sweep() error {
	s.mu.Lock()
	victims := make([]ArtifactHandle, 0, len(s.handles))
	for path, h := range s.handles {
		if path == s.pinned {
			continue
		}
		victims = append(victims, h)
		delete(s.handles, path)
	}
	s.mu.Unlock()

	var errs []error
	for _, h := range victims {
		for _, f := range h.files() {
			if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("sweep %s: %w", f, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Clear empties the cache directory and forgets every handle.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.handles = make(map[string]ArtifactHandle)
	s.pinned = ""
	s.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}
