package live

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kfaryarok/abuela/internal/cache"
	"github.com/kfaryarok/abuela/internal/compiler"
	"github.com/kfaryarok/abuela/internal/observability"
	"github.com/kfaryarok/abuela/internal/project"
	"github.com/kfaryarok/abuela/internal/raster"
	"github.com/kfaryarok/abuela/pkg/previewapi"
)

// fakeCompiler reads the persisted source and answers from handlers keyed
// by its content. Unknown content compiles to a one-page artifact.
type fakeCompiler struct {
	dir string

	mu       sync.Mutex
	calls    []string
	gates    map[string]chan struct{}
	entered  chan string
	failures map[string]fakeFailure
}

type fakeFailure struct {
	diag string
	err  error
}

func newFakeCompiler(dir string) *fakeCompiler {
	return &fakeCompiler{
		dir:      dir,
		gates:    map[string]chan struct{}{},
		entered:  make(chan string, 16),
		failures: map[string]fakeFailure{},
	}
}

func (c *fakeCompiler) gate(text string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	c.gates[text] = ch
	return ch
}

func (c *fakeCompiler) fail(text, diag string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[text] = fakeFailure{diag: diag, err: err}
}

func (c *fakeCompiler) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeCompiler) Compile(ctx context.Context, sourcePath string) (compiler.Output, error) {
	b, err := os.ReadFile(sourcePath)
	if err != nil {
		return compiler.Output{}, err
	}
	text := string(b)

	c.mu.Lock()
	c.calls = append(c.calls, text)
	gate := c.gates[text]
	f, failing := c.failures[text]
	n := len(c.calls)
	c.mu.Unlock()

	c.entered <- text
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return compiler.Output{}, ctx.Err()
		}
	}
	if failing {
		return compiler.Output{Diagnostics: f.diag}, f.err
	}
	artifact := filepath.Join(c.dir, fmt.Sprintf("compile%d.pdf", n))
	if err := os.WriteFile(artifact, []byte(text), 0o644); err != nil {
		return compiler.Output{}, err
	}
	return compiler.Output{ArtifactPath: artifact, Diagnostics: "ok"}, nil
}

type fakeRasterizer struct {
	err error
}

func (r fakeRasterizer) Rasterize(_ context.Context, artifact string, _ int) (raster.Pages, error) {
	if r.err != nil {
		return raster.Pages{}, r.err
	}
	page := raster.PagePath(artifact, 1)
	if err := os.WriteFile(page, []byte("jpeg"), 0o644); err != nil {
		return raster.Pages{}, err
	}
	return raster.Pages{Images: []string{page}}, nil
}

type harness struct {
	orch  *Orchestrator
	comp  *fakeCompiler
	doc   *project.Project
	store *cache.Store
	reg   *observability.Registry
}

func newHarness(t *testing.T, debounce time.Duration, rast Rasterizer) harness {
	t.Helper()
	root := t.TempDir()
	cacheDir := filepath.Join(root, "compile")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatal(err)
	}
	h := harness{
		comp:  newFakeCompiler(cacheDir),
		doc:   project.New(filepath.Join(root, "project", "current.tex")),
		store: cache.NewStore(cacheDir),
		reg:   observability.NewRegistry(),
	}
	if rast == nil {
		rast = fakeRasterizer{}
	}
	h.orch = New(Options{
		Debounce: debounce,
		Poll:     5 * time.Millisecond,
		Store:    h.store,
		Metrics:  h.reg,
	}, h.doc, h.comp, rast)
	t.Cleanup(h.orch.Close)
	return h
}

func (h harness) marker() string {
	return h.doc.WorkingFilePath() + ":"
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRapidChangesCompileOnlyTheLast(t *testing.T) {
	h := newHarness(t, 80*time.Millisecond, nil)

	var last uint64
	for i := 0; i < 20; i++ {
		last = h.orch.NotifyChange(fmt.Sprintf("edit %d", i))
		time.Sleep(2 * time.Millisecond)
	}
	waitFor(t, "publish", func() bool { return h.orch.View().Published == last })
	// give any straggler cycle a chance to show up
	time.Sleep(100 * time.Millisecond)

	calls := h.comp.Calls()
	if len(calls) != 1 || calls[0] != "edit 19" {
		t.Fatalf("expected exactly one compile of the last edit, got %q", calls)
	}
	if h.orch.Status() != previewapi.StatusIdle {
		t.Fatalf("expected idle, got %s", h.orch.Status())
	}
	if got := h.reg.Counter("compile_cycles_total", map[string]string{"outcome": "success"}); got != 1 {
		t.Fatalf("expected one successful cycle metric, got %v", got)
	}
}

func TestStaleResultNeverOverwritesNewer(t *testing.T) {
	h := newHarness(t, time.Hour, nil)
	release := h.comp.gate("A")

	g5 := h.orch.NotifyChange("A")
	staleDone := make(chan previewapi.CompileResult, 1)
	go func() { staleDone <- h.orch.AttemptCompile(context.Background(), g5) }()
	if got := <-h.comp.entered; got != "A" {
		t.Fatalf("unexpected first compile %q", got)
	}

	g6 := h.orch.NotifyChange("B")
	res := h.orch.AttemptCompile(context.Background(), g6)
	<-h.comp.entered
	if res.Outcome != previewapi.OutcomeSuccess {
		t.Fatalf("newer cycle failed: %+v", res)
	}
	published := h.orch.CurrentPages()

	close(release)
	stale := <-staleDone
	if stale.Outcome != previewapi.OutcomeAborted {
		t.Fatalf("stale cycle must abort, got %+v", stale)
	}
	if got := h.orch.CurrentPages(); len(got) != 1 || got[0] != published[0] {
		t.Fatalf("stale cycle overwrote pages: %v vs %v", got, published)
	}
	if v := h.orch.View(); v.Published != g6 {
		t.Fatalf("published generation %d, want %d", v.Published, g6)
	}
}

func TestAttemptForSupersededGenerationHasNoSideEffects(t *testing.T) {
	h := newHarness(t, time.Hour, nil)
	g := h.orch.NotifyChange("first")
	h.orch.NotifyChange("second")

	res := h.orch.AttemptCompile(context.Background(), g)
	if res.Outcome != previewapi.OutcomeAborted {
		t.Fatalf("expected abort, got %+v", res)
	}
	if len(h.comp.Calls()) != 0 {
		t.Fatalf("superseded attempt reached the compiler")
	}
	if _, err := os.Stat(h.doc.WorkingFilePath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("superseded attempt persisted the document")
	}
}

func TestAnnotationsAreReplacedNotMerged(t *testing.T) {
	h := newHarness(t, time.Hour, nil)
	m := h.marker()
	h.comp.fail("v1", m+"3: Undefined control sequence.\n"+m+"7: Missing $ inserted.\n", compiler.ErrNoArtifact)
	h.comp.fail("v2", m+"3: Undefined control sequence.\n", compiler.ErrNoArtifact)

	res := h.orch.AttemptCompile(context.Background(), h.orch.NotifyChange("v1"))
	if res.Kind != previewapi.FailureCompile {
		t.Fatalf("expected compile failure, got %+v", res)
	}
	if errs := h.orch.CurrentErrors(); len(errs) != 2 || errs[7] == "" {
		t.Fatalf("expected lines 3 and 7, got %v", errs)
	}

	h.orch.AttemptCompile(context.Background(), h.orch.NotifyChange("v2"))
	errs := h.orch.CurrentErrors()
	if _, ok := errs[7]; ok {
		t.Fatalf("line 7 kept a stale annotation: %v", errs)
	}
	if errs[3] != "Undefined control sequence." {
		t.Fatalf("unexpected line 3 message %q", errs[3])
	}
}

func TestSuccessClearsAnnotations(t *testing.T) {
	h := newHarness(t, time.Hour, nil)
	h.comp.fail("bad", h.marker()+"2: Runaway argument?\n", compiler.ErrNoArtifact)

	h.orch.AttemptCompile(context.Background(), h.orch.NotifyChange("bad"))
	if len(h.orch.CurrentErrors()) == 0 {
		t.Fatalf("expected annotations after failing compile")
	}
	res := h.orch.AttemptCompile(context.Background(), h.orch.NotifyChange("good"))
	if res.Outcome != previewapi.OutcomeSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
	if errs := h.orch.CurrentErrors(); len(errs) != 0 {
		t.Fatalf("success must clear annotations, got %v", errs)
	}
	if len(h.orch.CurrentPages()) != 1 {
		t.Fatalf("expected one page")
	}
}

func TestOperationalFailureKeepsPublishedState(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind previewapi.FailureKind
	}{
		{"start", fmt.Errorf("%w: xelatex not found", compiler.ErrStart), previewapi.FailureProcessBusy},
		{"timeout", compiler.ErrTimeout, previewapi.FailureProcessBusy},
		{"cleanup", compiler.ErrCleanup, previewapi.FailureProcessBusy},
		{"allocate", compiler.ErrAllocate, previewapi.FailureIO},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, time.Hour, nil)
			h.comp.fail("bad", h.marker()+"4: Undefined control sequence.\n", compiler.ErrNoArtifact)
			h.comp.fail("broken", "", tc.err)

			h.orch.AttemptCompile(context.Background(), h.orch.NotifyChange("good"))
			pages := h.orch.CurrentPages()
			h.orch.AttemptCompile(context.Background(), h.orch.NotifyChange("bad"))

			res := h.orch.AttemptCompile(context.Background(), h.orch.NotifyChange("broken"))
			if res.Outcome != previewapi.OutcomeFailure || res.Kind != tc.kind {
				t.Fatalf("expected %s failure, got %+v", tc.kind, res)
			}
			if got := h.orch.CurrentPages(); len(got) != 1 || got[0] != pages[0] {
				t.Fatalf("pages changed: %v", got)
			}
			if errs := h.orch.CurrentErrors(); errs[4] == "" {
				t.Fatalf("annotations dropped: %v", errs)
			}
			if h.orch.Status() != previewapi.StatusIdle {
				t.Fatalf("expected idle, got %s", h.orch.Status())
			}
		})
	}
}

func TestRasterizeFailureKeepsPages(t *testing.T) {
	h := newHarness(t, time.Hour, nil)
	h.orch.AttemptCompile(context.Background(), h.orch.NotifyChange("good"))
	pages := h.orch.CurrentPages()

	h.orch.rast = fakeRasterizer{err: raster.ErrPartial}
	res := h.orch.AttemptCompile(context.Background(), h.orch.NotifyChange("more"))
	if res.Kind != previewapi.FailureRasterize {
		t.Fatalf("expected rasterize failure, got %+v", res)
	}
	if got := h.orch.CurrentPages(); len(got) != 1 || got[0] != pages[0] {
		t.Fatalf("pages changed after rasterize failure: %v", got)
	}
	if _, err := os.Stat(pages[0]); err != nil {
		t.Fatalf("published page deleted: %v", err)
	}
}

func TestSupersededArtifactsAreSweptPublishedKept(t *testing.T) {
	h := newHarness(t, time.Hour, nil)
	h.orch.AttemptCompile(context.Background(), h.orch.NotifyChange("one"))
	first := h.orch.CurrentPages()[0]
	h.orch.AttemptCompile(context.Background(), h.orch.NotifyChange("two"))
	second := h.orch.CurrentPages()[0]
	if _, err := os.Stat(first); err != nil {
		t.Fatalf("previous page removed before next cycle start: %v", err)
	}
	h.orch.AttemptCompile(context.Background(), h.orch.NotifyChange("three"))
	if _, err := os.Stat(first); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("superseded page kept: %v", err)
	}
	// pinned when the third cycle started
	if _, err := os.Stat(second); err != nil {
		t.Fatalf("page published at cycle start removed: %v", err)
	}
	if _, err := os.Stat(h.orch.CurrentPages()[0]); err != nil {
		t.Fatalf("published page missing: %v", err)
	}
}

func TestSubscribersSeeOnlyCurrentResults(t *testing.T) {
	h := newHarness(t, time.Hour, nil)
	var mu sync.Mutex
	var seen []uint64
	h.orch.Subscribe(func(r previewapi.CompileResult) {
		mu.Lock()
		seen = append(seen, r.Generation)
		mu.Unlock()
	})
	stale := h.orch.NotifyChange("x")
	fresh := h.orch.NotifyChange("y")
	h.orch.AttemptCompile(context.Background(), stale)
	h.orch.AttemptCompile(context.Background(), fresh)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != fresh {
		t.Fatalf("expected only generation %d, got %v", fresh, seen)
	}
}

func TestTriggerCompilesImmediately(t *testing.T) {
	h := newHarness(t, time.Hour, nil)
	g := h.orch.Trigger("opened")
	waitFor(t, "trigger publish", func() bool { return h.orch.View().Published == g })
	if v := h.orch.View(); v.Stats.Words != 1 {
		t.Fatalf("expected word count of persisted snapshot, got %+v", v.Stats)
	}
}

func TestStatusReportsPhases(t *testing.T) {
	h := newHarness(t, time.Hour, nil)
	release := h.comp.gate("slow")
	g := h.orch.NotifyChange("slow")
	done := make(chan struct{})
	go func() {
		h.orch.AttemptCompile(context.Background(), g)
		close(done)
	}()
	<-h.comp.entered
	// the fake compiler reports no phases of its own
	if s := h.orch.Status(); s != previewapi.StatusSaving {
		t.Fatalf("expected saving while compiler runs, got %s", s)
	}
	close(release)
	<-done
	if s := h.orch.Status(); s != previewapi.StatusIdle {
		t.Fatalf("expected idle, got %s", s)
	}
}

func TestCloseStopsScheduling(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond, nil)
	h.orch.NotifyChange("pending")
	h.orch.Close()
	before := h.orch.Generation()
	if g := h.orch.NotifyChange("after close"); g != before {
		t.Fatalf("closed orchestrator accepted a change")
	}
	time.Sleep(50 * time.Millisecond)
	for _, c := range h.comp.Calls() {
		if strings.Contains(c, "after close") {
			t.Fatalf("compile ran after close")
		}
	}
}
