package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultSidecarExts are the byproducts a TeX run leaves next to its job name.
var DefaultSidecarExts = []string{"pdf", "aux", "log"}

// Sweeper removes compiler byproducts.
type Sweeper interface {
	Sweep() error
}

// Sidecars removes {Dir}/{JobName}.{ext} files left by the compiler.
type Sidecars struct {
	Dir     string
	JobName string
	Exts    []string

	// Remove defaults to os.Remove.
	Remove func(string) error
}

func (s Sidecars) Paths() []string {
	exts := s.Exts
	if len(exts) == 0 {
		exts = DefaultSidecarExts
	}
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		out = append(out, filepath.Join(s.Dir, s.JobName+"."+ext))
	}
	return out
}

// Sweep removes every sidecar. Absent files are fine; any other removal
// failure is reported after all removals were attempted.
func (s Sidecars) Sweep() error {
	remove := s.Remove
	if remove == nil {
		remove = os.Remove
	}
	var errs []error
	for _, p := range s.Paths() {
		if err := remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// EnsureLayout creates each directory if it is missing.
func EnsureLayout(dirs ...string) error {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}
