// Package live schedules debounced compiles of the edited document and
// publishes the freshest rendered page set.
package live

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kfaryarok/abuela/internal/cache"
	"github.com/kfaryarok/abuela/internal/compiler"
	"github.com/kfaryarok/abuela/internal/diagnostics"
	"github.com/kfaryarok/abuela/internal/observability"
	"github.com/kfaryarok/abuela/internal/project"
	"github.com/kfaryarok/abuela/internal/raster"
	"github.com/kfaryarok/abuela/pkg/previewapi"
)

// Document persists the buffer to the file the compiler reads.
type Document interface {
	Persist(text string) (int, error)
	WorkingFilePath() string
}

// lineMapper is implemented by documents that wrap the buffer, so file
// lines differ from buffer lines.
type lineMapper interface {
	BufferLine(fileLine int) (int, bool)
}

type Compiler interface {
	Compile(ctx context.Context, sourcePath string) (compiler.Output, error)
}

type Rasterizer interface {
	Rasterize(ctx context.Context, artifact string, dpi int) (raster.Pages, error)
}

type Options struct {
	Debounce   time.Duration
	Poll       time.Duration
	Resolution int
	// Marker overrides the diagnostics split key derived from the working
	// file path.
	Marker  string
	Store   *cache.Store
	Metrics *observability.Registry
}

// View is a consistent copy of the published state.
type View struct {
	Generation uint64
	Published  uint64
	Status     previewapi.Status
	Pages      []string
	Thumbnails []string
	Errors     diagnostics.Annotations
	General    []string
	Duration   time.Duration
	Stats      project.Stats
	UpdatedAt  time.Time
}

type Orchestrator struct {
	opts    Options
	doc     Document
	comp    Compiler
	rast    Rasterizer
	store   *cache.Store
	metrics *observability.Registry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	// pubMu orders compare-and-publish with subscriber delivery.
	pubMu sync.Mutex
	// pipeMu is held from persist through compile, so the working file on
	// disk is always the one the running compile was started for.
	pipeMu sync.Mutex

	mu       sync.Mutex
	gen      uint64
	wakeAt   time.Time
	snapshot string
	waiting  bool
	closed   bool

	// the admitted cycle that most recently entered the pipeline
	inflightGen    uint64
	inflightCancel context.CancelFunc

	published  uint64
	status     previewapi.Status
	pages      []string
	thumbnails []string
	errors     diagnostics.Annotations
	general    []string
	duration   time.Duration
	stats      project.Stats
	updatedAt  time.Time
	subs       []func(previewapi.CompileResult)
}

func New(opts Options, doc Document, comp Compiler, rast Rasterizer) *Orchestrator {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.Poll <= 0 {
		opts.Poll = 50 * time.Millisecond
	}
	if opts.Resolution <= 0 {
		opts.Resolution = 100
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.Default
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:    opts,
		doc:     doc,
		comp:    comp,
		rast:    rast,
		store:   opts.Store,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  previewapi.StatusIdle,
		errors:  diagnostics.Annotations{},
	}
}

// NotifyChange schedules a compile of text after the debounce interval and
// returns its generation. It never blocks on compile work.
func (o *Orchestrator) NotifyChange(text string) uint64 {
	return o.schedule(text, o.opts.Debounce)
}

// Trigger schedules an immediate compile of text, superseding any pending one.
func (o *Orchestrator) Trigger(text string) uint64 {
	return o.schedule(text, 0)
}

func (o *Orchestrator) schedule(text string, delay time.Duration) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return o.gen
	}
	o.gen++
	o.wakeAt = time.Now().Add(delay)
	o.snapshot = text
	if !o.waiting {
		o.waiting = true
		o.wg.Add(1)
		go o.wait()
	}
	return o.gen
}

// wait sleeps in poll increments until the latest wake time passes, then
// hands the current generation to a cycle goroutine.
func (o *Orchestrator) wait() {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		if o.closed {
			o.waiting = false
			o.mu.Unlock()
			return
		}
		g, until := o.gen, time.Until(o.wakeAt)
		if until <= 0 {
			o.waiting = false
			o.wg.Add(1)
			o.mu.Unlock()
			go func() {
				defer o.wg.Done()
				o.AttemptCompile(o.ctx, g)
			}()
			return
		}
		o.mu.Unlock()

		if until > o.opts.Poll {
			until = o.opts.Poll
		}
		t := time.NewTimer(until)
		select {
		case <-o.done:
			t.Stop()
		case <-t.C:
		}
	}
}

// AttemptCompile runs one compile cycle for generation g. The result is
// published only if g is still current when the cycle finishes.
func (o *Orchestrator) AttemptCompile(ctx context.Context, g uint64) previewapi.CompileResult {
	text, ok := o.current(g)
	if !ok {
		res := previewapi.Aborted(g, "superseded before start")
		o.metrics.ObserveCycle(string(res.Outcome), 0)
		return res
	}

	ctx, span := observability.StartSpan(ctx, "compile.cycle", attribute.Int64("compile.generation", int64(g)))
	defer span.End()
	ctx = previewapi.WithPhase(ctx, func(s previewapi.Status) { o.setStatus(g, s) })

	started := time.Now()
	res := o.cycle(ctx, g, text, started)
	span.SetAttributes(
		attribute.String("compile.outcome", string(res.Outcome)),
		attribute.String("compile.failure_kind", string(res.Kind)),
	)
	o.metrics.ObserveCycle(string(res.Outcome), res.Duration)
	if res.Outcome == previewapi.OutcomeFailure {
		o.metrics.IncCounter("compile_failures_total", map[string]string{"kind": string(res.Kind)}, 1)
	}
	return res
}

func (o *Orchestrator) cycle(ctx context.Context, g uint64, text string, started time.Time) previewapi.CompileResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.enter(g, cancel)
	defer o.leave(g)

	if o.store != nil {
		if err := o.store.Sweep(); err != nil {
			log.Printf("artifact sweep failed gen=%d: %v", g, err)
		}
	}

	out, err := o.persistAndCompile(ctx, g, text)
	var sup superseded
	if errors.As(err, &sup) {
		return previewapi.Aborted(g, string(sup))
	}
	if out.ArtifactPath != "" && o.store != nil {
		o.store.Track(cache.ArtifactHandle{Path: out.ArtifactPath, CreatedAt: time.Now()})
	}
	if o.ctx.Err() != nil {
		return previewapi.Aborted(g, "shutdown")
	}
	if !o.isCurrent(g) || ctx.Err() != nil {
		return previewapi.Aborted(g, "superseded during compile")
	}
	if errors.Is(err, errPersist) {
		log.Printf("persist failed gen=%d: %v", g, err)
		return o.publishFailure(g, previewapi.FailureIO, "", err, started)
	}
	if err != nil {
		kind := classifyCompileError(err)
		if kind != previewapi.FailureCompile {
			log.Printf("compile failed gen=%d kind=%s: %v", g, kind, err)
		}
		return o.publishFailure(g, kind, out.Diagnostics, err, started)
	}

	o.setStatus(g, previewapi.StatusRendering)
	pages, err := o.rast.Rasterize(ctx, out.ArtifactPath, o.opts.Resolution)
	if err != nil {
		log.Printf("rasterize failed gen=%d artifact=%s: %v", g, out.ArtifactPath, err)
		return o.publishFailure(g, previewapi.FailureRasterize, "", err, started)
	}
	if o.store != nil {
		o.store.Track(cache.ArtifactHandle{
			Path:       out.ArtifactPath,
			PageCount:  len(pages.Images),
			Pages:      pages.Images,
			Thumbnails: pages.Thumbnails,
			CreatedAt:  time.Now(),
		})
	}
	return o.publishSuccess(g, out.ArtifactPath, pages, started)
}

var errPersist = errors.New("persist working file")

// superseded reports that a newer generation took over before the compile
// started.
type superseded string

func (s superseded) Error() string { return string(s) }

// persistAndCompile writes text and compiles it under pipeMu.
func (o *Orchestrator) persistAndCompile(ctx context.Context, g uint64, text string) (compiler.Output, error) {
	o.pipeMu.Lock()
	defer o.pipeMu.Unlock()
	if !o.isCurrent(g) || ctx.Err() != nil {
		return compiler.Output{}, superseded("superseded before persist")
	}

	o.setStatus(g, previewapi.StatusSaving)
	if _, err := o.doc.Persist(text); err != nil {
		return compiler.Output{}, fmt.Errorf("%w: %w", errPersist, err)
	}
	if !o.isCurrent(g) {
		return compiler.Output{}, superseded("superseded after persist")
	}
	o.mu.Lock()
	if o.gen == g {
		o.stats = project.Count(text)
	}
	o.mu.Unlock()

	return o.comp.Compile(ctx, o.doc.WorkingFilePath())
}

// enter registers g as the in-flight cycle and cancels an older one, whose
// result could no longer be published.
func (o *Orchestrator) enter(g uint64, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflightCancel != nil && o.inflightGen < g {
		o.inflightCancel()
	}
	if g >= o.inflightGen {
		o.inflightGen, o.inflightCancel = g, cancel
	}
}

func (o *Orchestrator) leave(g uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflightGen == g {
		o.inflightCancel = nil
	}
}

func (o *Orchestrator) publishSuccess(g uint64, artifact string, pages raster.Pages, started time.Time) previewapi.CompileResult {
	res := previewapi.Success(g, cloneStrings(pages.Images), cloneStrings(pages.Thumbnails), time.Since(started))

	o.pubMu.Lock()
	defer o.pubMu.Unlock()
	o.mu.Lock()
	if o.gen != g {
		o.mu.Unlock()
		return previewapi.Aborted(g, "superseded at publish")
	}
	o.published = g
	o.pages = res.Pages
	o.thumbnails = res.Thumbnails
	o.errors = diagnostics.Annotations{}
	o.general = nil
	o.duration = res.Duration
	o.updatedAt = time.Now()
	o.status = previewapi.StatusIdle
	if o.store != nil {
		o.store.Pin(artifact)
	}
	subs := slices.Clone(o.subs)
	o.mu.Unlock()

	deliver(subs, res)
	return res
}

// publishFailure replaces the annotations only for compiler diagnostics.
// Every other failure leaves the published pages and annotations in place.
func (o *Orchestrator) publishFailure(g uint64, kind previewapi.FailureKind, diag string, cause error, started time.Time) previewapi.CompileResult {
	res := previewapi.Failure(g, kind, diag, cause.Error(), time.Since(started))

	var report diagnostics.Report
	if res.Annotates() {
		report = o.mapDiagnostics(diag)
	}

	o.pubMu.Lock()
	defer o.pubMu.Unlock()
	o.mu.Lock()
	if o.gen != g {
		o.mu.Unlock()
		return previewapi.Aborted(g, "superseded at publish")
	}
	if res.Annotates() {
		o.errors = report.Lines
		o.general = report.General
		o.updatedAt = time.Now()
	}
	o.duration = res.Duration
	o.status = previewapi.StatusIdle
	subs := slices.Clone(o.subs)
	o.mu.Unlock()

	deliver(subs, res)
	return res
}

func (o *Orchestrator) mapDiagnostics(diag string) diagnostics.Report {
	marker := o.opts.Marker
	if marker == "" {
		path := o.doc.WorkingFilePath()
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		marker = diagnostics.MarkerFor(path)
	}
	report := diagnostics.NewMapper(marker).ParseReport(diag)
	lm, ok := o.doc.(lineMapper)
	if !ok {
		return report
	}
	lines := diagnostics.Annotations{}
	for fileLine, msg := range report.Lines {
		if line, ok := lm.BufferLine(fileLine); ok {
			lines[line] = msg
			continue
		}
		report.General = append(report.General, msg)
	}
	report.Lines = lines
	return report
}

func classifyCompileError(err error) previewapi.FailureKind {
	switch {
	case errors.Is(err, compiler.ErrNoArtifact):
		return previewapi.FailureCompile
	case errors.Is(err, compiler.ErrStart),
		errors.Is(err, compiler.ErrTimeout),
		errors.Is(err, compiler.ErrCleanup):
		return previewapi.FailureProcessBusy
	default:
		return previewapi.FailureIO
	}
}

func deliver(subs []func(previewapi.CompileResult), res previewapi.CompileResult) {
	for _, fn := range subs {
		fn(res)
	}
}

func (o *Orchestrator) current(g uint64) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || g != o.gen {
		return "", false
	}
	return o.snapshot, true
}

func (o *Orchestrator) isCurrent(g uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return g == o.gen
}

func (o *Orchestrator) setStatus(g uint64, s previewapi.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if g == o.gen {
		o.status = s
	}
}

// Subscribe registers fn for every published result. fn runs on the cycle
// goroutine and must not call back into Subscribe.
func (o *Orchestrator) Subscribe(fn func(previewapi.CompileResult)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subs = append(o.subs, fn)
}

func (o *Orchestrator) CurrentPages() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return cloneStrings(o.pages)
}

func (o *Orchestrator) CurrentErrors() diagnostics.Annotations {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(diagnostics.Annotations, len(o.errors))
	for k, v := range o.errors {
		out[k] = v
	}
	return out
}

func (o *Orchestrator) General() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return cloneStrings(o.general)
}

func (o *Orchestrator) Status() previewapi.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Orchestrator) Generation() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen
}

func (o *Orchestrator) View() View {
	o.mu.Lock()
	defer o.mu.Unlock()
	errs := make(diagnostics.Annotations, len(o.errors))
	for k, v := range o.errors {
		errs[k] = v
	}
	return View{
		Generation: o.gen,
		Published:  o.published,
		Status:     o.status,
		Pages:      cloneStrings(o.pages),
		Thumbnails: cloneStrings(o.thumbnails),
		Errors:     errs,
		General:    cloneStrings(o.general),
		Duration:   o.duration,
		Stats:      o.stats,
		UpdatedAt:  o.updatedAt,
	}
}

// Close stops scheduling, cancels running cycles and waits for them.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.done)
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
