// Package procguard keeps at most one external compiler process alive.
//
// The guard first terminates the child it spawned itself (tracked by
// handle). Scanning the process table by name is only a recovery path for
// orphans left behind by an earlier session.
package procguard

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Process is the subset of a process table entry the guard needs.
type Process interface {
	PID() int32
	Name(ctx context.Context) (string, error)
	Kill(ctx context.Context) error
}

// Table lists running processes.
type Table interface {
	List(ctx context.Context) ([]Process, error)
}

type Guard struct {
	names []string
	table Table
	self  int32

	mu    sync.Mutex
	child *os.Process
}

// New returns a guard that scans for names using the host process table.
func New(names []string) *Guard {
	return NewWithTable(names, SystemTable{})
}

func NewWithTable(names []string, table Table) *Guard {
	norm := make([]string, 0, len(names))
	for _, n := range names {
		if n = normalizeName(n); n != "" {
			norm = append(norm, n)
		}
	}
	return &Guard{names: norm, table: table, self: int32(os.Getpid())}
}

// Track records p as the live compiler child.
func (g *Guard) Track(p *os.Process) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.child = p
}

// Release forgets p if it is still the tracked child.
func (g *Guard) Release(p *os.Process) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.child == p {
		g.child = nil
	}
}

// Preempt kills the tracked child, if any. The goroutine that started it
// observes the kill through its own Wait.
func (g *Guard) Preempt() bool {
	g.mu.Lock()
	p := g.child
	g.child = nil
	g.mu.Unlock()
	if p == nil {
		return false
	}
	if err := p.Kill(); err != nil {
		log.Printf("preempt compiler pid=%d: %v", p.Pid, err)
		return false
	}
	return true
}

// EnsureExclusive kills the tracked child and every process whose name
// matches. It is best effort: failures are logged and the count of killed
// processes is returned.
func (g *Guard) EnsureExclusive(ctx context.Context) int {
	killed := 0
	if g.Preempt() {
		killed++
	}
	if len(g.names) == 0 || g.table == nil {
		return killed
	}
	procs, err := g.table.List(ctx)
	if err != nil {
		log.Printf("process scan failed: %v", err)
		return killed
	}
	for _, p := range procs {
		if p.PID() == g.self {
			continue
		}
		name, err := p.Name(ctx)
		if err != nil || !g.matches(name) {
			continue
		}
		if err := p.Kill(ctx); err != nil {
			log.Printf("kill stray compiler pid=%d name=%s: %v", p.PID(), name, err)
			continue
		}
		killed++
	}
	return killed
}

func (g *Guard) matches(name string) bool {
	name = normalizeName(name)
	for _, n := range g.names {
		if name == n {
			return true
		}
	}
	return false
}

func normalizeName(n string) string {
	n = strings.ToLower(strings.TrimSpace(filepath.Base(strings.TrimSpace(n))))
	if n == "." {
		return ""
	}
	return strings.TrimSuffix(n, ".exe")
}
