package procguard

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"
)

type fakeProc struct {
	pid     int32
	name    string
	killErr error
	killed  bool
}

func (p *fakeProc) PID() int32                           { return p.pid }
func (p *fakeProc) Name(context.Context) (string, error) { return p.name, nil }
func (p *fakeProc) Kill(context.Context) error {
	if p.killErr != nil {
		return p.killErr
	}
	p.killed = true
	return nil
}

type fakeTable struct {
	procs []*fakeProc
	err   error
}

func (t fakeTable) List(context.Context) ([]Process, error) {
	if t.err != nil {
		return nil, t.err
	}
	out := make([]Process, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	return out, nil
}

func TestEnsureExclusiveKillsMatchingNames(t *testing.T) {
	xe := &fakeProc{pid: 10, name: "xelatex"}
	win := &fakeProc{pid: 11, name: "XeLaTeX.exe"}
	other := &fakeProc{pid: 12, name: "xelatex-helper"}
	editor := &fakeProc{pid: 13, name: "vim"}
	g := NewWithTable([]string{"/usr/bin/xelatex"}, fakeTable{procs: []*fakeProc{xe, win, other, editor}})

	if n := g.EnsureExclusive(context.Background()); n != 2 {
		t.Fatalf("expected 2 kills, got %d", n)
	}
	if !xe.killed || !win.killed {
		t.Fatalf("expected compiler processes killed")
	}
	if other.killed || editor.killed {
		t.Fatalf("unrelated processes must survive")
	}
}

func TestEnsureExclusiveSkipsSelf(t *testing.T) {
	self := &fakeProc{pid: int32(os.Getpid()), name: "xelatex"}
	g := NewWithTable([]string{"xelatex"}, fakeTable{procs: []*fakeProc{self}})
	if n := g.EnsureExclusive(context.Background()); n != 0 {
		t.Fatalf("guard must never kill its own process, killed %d", n)
	}
}

func TestEnsureExclusiveIsBestEffort(t *testing.T) {
	stuck := &fakeProc{pid: 20, name: "xelatex", killErr: errors.New("operation not permitted")}
	g := NewWithTable([]string{"xelatex"}, fakeTable{procs: []*fakeProc{stuck}})
	if n := g.EnsureExclusive(context.Background()); n != 0 {
		t.Fatalf("expected no successful kills, got %d", n)
	}

	g = NewWithTable([]string{"xelatex"}, fakeTable{err: errors.New("no /proc")})
	if n := g.EnsureExclusive(context.Background()); n != 0 {
		t.Fatalf("scan failure must not panic or count kills, got %d", n)
	}
}

func TestPreemptKillsTrackedChild(t *testing.T) {
	bin, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	cmd := exec.Command(bin, "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	g := NewWithTable(nil, nil)
	g.Track(cmd.Process)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if !g.Preempt() {
		t.Fatalf("expected tracked child to be killed")
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected killed child to report an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("child still running after preempt")
	}
	if g.Preempt() {
		t.Fatalf("second preempt should find nothing")
	}
}

func TestReleaseOnlyForgetsSameChild(t *testing.T) {
	g := NewWithTable(nil, nil)
	a := &os.Process{Pid: 1}
	b := &os.Process{Pid: 2}
	g.Track(a)
	g.Release(b)
	g.mu.Lock()
	still := g.child == a
	g.mu.Unlock()
	if !still {
		t.Fatalf("release of a different child must not clear tracking")
	}
	g.Release(a)
	g.mu.Lock()
	cleared := g.child == nil
	g.mu.Unlock()
	if !cleared {
		t.Fatalf("expected tracking cleared")
	}
}

func TestSystemTableListsCurrentProcess(t *testing.T) {
	procs, err := SystemTable{}.List(context.Background())
	if err != nil {
		t.Skipf("process table unavailable: %v", err)
	}
	self := int32(os.Getpid())
	for _, p := range procs {
		if p.PID() == self {
			return
		}
	}
	t.Fatalf("current process %d not in table", self)
}
