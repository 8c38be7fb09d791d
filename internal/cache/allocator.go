// Package cache owns the compile-output directory: collision-free artifact
// names, sweeping of compiler byproducts and retention of published pages.
package cache

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// ErrExhausted is returned when no free name was found within MaxAttempts.
var ErrExhausted = errors.New("cache: no free file name")

const (
	idSpace            = 1_000_000_000_000_000
	defaultMaxAttempts = 64
)

// Allocator hands out unique paths of the form {dir}/{prefix}{n}.{ext}.
//
// A path is claimed by creating it with O_EXCL, so two allocators (or two
// processes) racing on the same candidate cannot both win. The caller then
// overwrites the placeholder, typically with a rename.
type Allocator struct {
	MaxAttempts int

	mu   sync.Mutex
	next func() int64
}

func NewAllocator() *Allocator {
	return &Allocator{
		MaxAttempts: defaultMaxAttempts,
		next:        func() int64 { return rand.Int64N(idSpace) },
	}
}

// NewAllocatorWithSource uses next to produce candidate numbers; tests use it
// to force collisions.
func NewAllocatorWithSource(next func() int64) *Allocator {
	a := NewAllocator()
	a.next = next
	return a
}

func (a *Allocator) Allocate(ext, dir, prefix string) (string, error) {
	ext = strings.TrimPrefix(ext, ".")
	attempts := a.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	for i := 0; i < attempts; i++ {
		path := filepath.Join(dir, prefix+strconv.FormatInt(a.candidate(), 10)+"."+ext)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("allocate %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("allocate %s: %w", path, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("%w in %s after %d attempts", ErrExhausted, dir, attempts)
}

func (a *Allocator) candidate() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next()
}
