package cache

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
)

func TestAllocatorUniqueAgainstSeededFiles(t *testing.T) {
	dir := t.TempDir()
	seeded := make(map[string]bool)
	for i := 0; i < 50; i++ {
		p := filepath.Join(dir, "compile"+strconv.Itoa(i)+".pdf")
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		seeded[p] = true
	}

	a := NewAllocator()
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		p, err := a.Allocate("pdf", dir, "compile")
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if seen[p] {
			t.Fatalf("duplicate path %s", p)
		}
		if seeded[p] {
			t.Fatalf("allocated pre-existing path %s", p)
		}
		seen[p] = true
	}
}

func TestAllocatorSkipsExistingCandidate(t *testing.T) {
	dir := t.TempDir()
	taken := filepath.Join(dir, "compile7.pdf")
	if err := os.WriteFile(taken, []byte("busy"), 0o644); err != nil {
		t.Fatal(err)
	}
	seq := []int64{7, 7, 8}
	a := NewAllocatorWithSource(func() int64 {
		n := seq[0]
		seq = seq[1:]
		return n
	})
	p, err := a.Allocate(".pdf", dir, "compile")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if p != filepath.Join(dir, "compile8.pdf") {
		t.Fatalf("unexpected path %s", p)
	}
	b, _ := os.ReadFile(taken)
	if string(b) != "busy" {
		t.Fatalf("existing file was touched")
	}
}

func TestAllocatorExhausted(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "x1.png"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	a := NewAllocatorWithSource(func() int64 { return 1 })
	a.MaxAttempts = 3
	_, err := a.Allocate("png", dir, "x")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestAllocatorConcurrent(t *testing.T) {
	dir := t.TempDir()
	a := NewAllocator()
	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				p, err := a.Allocate("pdf", dir, "c")
				if err != nil {
					t.Errorf("allocate: %v", err)
					return
				}
				mu.Lock()
				if seen[p] {
					t.Errorf("duplicate %s", p)
				}
				seen[p] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestSidecarsSweep(t *testing.T) {
	dir := t.TempDir()
	s := Sidecars{Dir: dir, JobName: "compile"}
	for _, ext := range []string{"pdf", "log"} {
		if err := os.WriteFile(filepath.Join(dir, "compile."+ext), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Sweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	for _, p := range s.Paths() {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected %s removed", p)
		}
	}
}

func TestSidecarsSweepReportsLockedFile(t *testing.T) {
	locked := errors.New("file in use")
	s := Sidecars{
		Dir:     t.TempDir(),
		JobName: "compile",
		Remove: func(p string) error {
			if strings.HasSuffix(p, ".log") {
				return locked
			}
			return os.ErrNotExist
		},
	}
	err := s.Sweep()
	if !errors.Is(err, locked) {
		t.Fatalf("expected locked error, got %v", err)
	}
}

func TestStoreSweepKeepsPinned(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir)
	mk := func(name string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	old := ArtifactHandle{Path: mk("a.pdf"), Pages: []string{mk("a-1.jpg")}}
	cur := ArtifactHandle{Path: mk("b.pdf"), Pages: []string{mk("b-1.jpg"), mk("b-2.jpg")}}
	st.Track(old)
	st.Track(cur)
	st.Pin(cur.Path)

	if err := st.Sweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := os.Stat(old.Pages[0]); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected unpinned page removed")
	}
	for _, p := range cur.Pages {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("pinned page removed: %v", err)
		}
	}
	if st.Len() != 1 {
		t.Fatalf("expected one tracked handle, got %d", st.Len())
	}
	h, ok := st.Pinned()
	if !ok || h.Path != cur.Path {
		t.Fatalf("unexpected pinned handle %+v", h)
	}
}

func TestStoreClear(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "compile")
	if err := EnsureLayout(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stray.jpg"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	st := NewStore(dir)
	st.Track(ArtifactHandle{Path: filepath.Join(dir, "x.pdf")})
	st.Pin(filepath.Join(dir, "x.pdf"))
	if err := st.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("cache dir missing after clear: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty dir, got %d entries", len(entries))
	}
	if _, ok := st.Pinned(); ok {
		t.Fatalf("expected no pinned handle after clear")
	}
}
