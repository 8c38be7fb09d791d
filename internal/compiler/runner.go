// Package compiler runs the external document compiler and moves its output
// into the artifact cache.
package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kfaryarok/abuela/internal/cache"
	"github.com/kfaryarok/abuela/internal/observability"
	"github.com/kfaryarok/abuela/internal/procguard"
	"github.com/kfaryarok/abuela/pkg/previewapi"
)

var (
	// ErrStart means the compiler could not be launched; there are no
	// diagnostics.
	ErrStart = errors.New("compiler: start failed")
	// ErrTimeout means the compiler was hard-killed after Options.Timeout.
	ErrTimeout = errors.New("compiler: timed out")
	// ErrNoArtifact means the run finished without a usable output file.
	ErrNoArtifact = errors.New("compiler: no artifact produced")
	// ErrAllocate means no cache path could be reserved for the artifact.
	ErrAllocate = errors.New("compiler: artifact allocation failed")
	// ErrCleanup means build byproducts could not be removed, usually
	// because another process still holds them.
	ErrCleanup = errors.New("compiler: byproduct cleanup failed")
)

type Options struct {
	Binary   string
	Args     []string
	JobName  string
	BuildDir string
	CacheDir string
	// Prefix of relocated artifact names, defaults to JobName.
	Prefix  string
	Timeout time.Duration
	// Env is appended to the process environment.
	Env []string
}

type Output struct {
	// ArtifactPath is set once the artifact was relocated, even when a later
	// step failed, so the caller can account for the file.
	ArtifactPath string
	Diagnostics  string
	Stderr       string
	ExitCode     int
	Duration     time.Duration
	Killed       int
}

type Runner struct {
	opts     Options
	guard    *procguard.Guard
	alloc    *cache.Allocator
	sidecars cache.Sidecars

	// mu serializes compiler invocations; the build dir holds one job's files.
	mu sync.Mutex
}

func New(opts Options, guard *procguard.Guard, alloc *cache.Allocator) *Runner {
	if opts.Prefix == "" {
		opts.Prefix = opts.JobName
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Runner{
		opts:     opts,
		guard:    guard,
		alloc:    alloc,
		sidecars: cache.Sidecars{Dir: opts.BuildDir, JobName: opts.JobName},
	}
}

// WithSidecars replaces the byproduct sweeper; tests use it to simulate
// locked files.
func (r *Runner) WithSidecars(s cache.Sidecars) *Runner {
	r.sidecars = s
	return r
}

// Sidecars returns the byproduct sweeper for the build directory.
func (r *Runner) Sidecars() cache.Sidecars { return r.sidecars }

// Byproducts returns a sweeper for rasterizers and other code outside a
// compile. It leaves the build dir alone while a compile runs, since those
// files belong to that compile and it sweeps them itself.
func (r *Runner) Byproducts() cache.Sweeper { return idleSweeper{r} }

type idleSweeper struct{ r *Runner }

func (s idleSweeper) Sweep() error {
	if !s.r.mu.TryLock() {
		return nil
	}
	defer s.r.mu.Unlock()
	return s.r.sidecars.Sweep()
}

// OutputPath is the fixed-name file the compiler writes in the build dir.
func (r *Runner) OutputPath() string {
	return filepath.Join(r.opts.BuildDir, r.opts.JobName+".pdf")
}

// Compile runs the compiler on sourcePath, made absolute. Diagnostics are returned whenever
// the process ran, regardless of its exit code.
func (r *Runner) Compile(ctx context.Context, sourcePath string) (Output, error) {
	// the compiler runs in BuildDir, so a relative path would resolve there
	if abs, err := filepath.Abs(sourcePath); err == nil {
		sourcePath = abs
	}
	ctx, span := observability.StartSpan(ctx, "compile.run",
		attribute.String("compiler.binary", r.opts.Binary),
		attribute.String("compiler.source", sourcePath),
	)
	defer span.End()

	// a child still running from a superseded cycle must not hold the lock
	previewapi.ReportPhase(ctx, previewapi.StatusKilling)
	r.guard.Preempt()
	r.mu.Lock()
	defer r.mu.Unlock()

	var out Output
	out.Killed = r.guard.EnsureExclusive(ctx)

	previewapi.ReportPhase(ctx, previewapi.StatusCompiling)
	started := time.Now()
	err := r.run(ctx, sourcePath, &out)
	out.Duration = time.Since(started)
	span.SetAttributes(attribute.Int("compiler.exit_code", out.ExitCode))
	if err != nil {
		r.sweep()
		return out, err
	}

	previewapi.ReportPhase(ctx, previewapi.StatusRelocating)
	dst, err := r.alloc.Allocate("pdf", r.opts.CacheDir, r.opts.Prefix)
	if err != nil {
		r.sweep()
		return out, fmt.Errorf("%w: %v", ErrAllocate, err)
	}
	if err := relocate(r.OutputPath(), dst); err != nil {
		_ = os.Remove(dst)
		r.sweep()
		return out, fmt.Errorf("%w: %v", ErrNoArtifact, err)
	}
	if st, err := os.Stat(dst); err != nil || st.Size() == 0 {
		_ = os.Remove(dst)
		r.sweep()
		return out, fmt.Errorf("%w: relocated file missing or empty", ErrNoArtifact)
	}
	out.ArtifactPath = dst

	if err := r.sidecars.Sweep(); err != nil {
		return out, fmt.Errorf("%w: %v", ErrCleanup, err)
	}
	return out, nil
}

func (r *Runner) run(ctx context.Context, sourcePath string, out *Output) error {
	if err := os.MkdirAll(r.opts.BuildDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrStart, err)
	}
	runCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	bin := lookPathWithFallback(r.opts.Binary)
	if bin == "" {
		return fmt.Errorf("%w: %s not found", ErrStart, r.opts.Binary)
	}
	args := append(append([]string(nil), r.opts.Args...), sourcePath)
	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = r.opts.BuildDir
	cmd.Env = compilerEnv(r.opts.Env)
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrStart, err)
	}
	r.guard.Track(cmd.Process)
	waitErr := cmd.Wait()
	r.guard.Release(cmd.Process)

	out.Diagnostics = stdout.String()
	out.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, r.opts.Timeout)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		log.Printf("compiler wait failed source=%s: %v", sourcePath, waitErr)
	}
	return nil
}

func (r *Runner) sweep() {
	if err := r.sidecars.Sweep(); err != nil {
		log.Printf("compiler byproduct cleanup failed: %v", err)
	}
}

// relocate renames src to dst, copying when they live on different devices.
func relocate(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	outFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(outFile, in); err != nil {
		outFile.Close()
		return err
	}
	if err := outFile.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// compilerEnv keeps TeX from wrapping diagnostics, which would split the
// "path:line:" marker across lines.
func compilerEnv(extra []string) []string {
	env := processEnvWithPathFallback()
	hasPrintLine := false
	for _, e := range append(env, extra...) {
		if strings.HasPrefix(e, "max_print_line=") {
			hasPrintLine = true
			break
		}
	}
	if !hasPrintLine {
		env = append(env, "max_print_line=10000")
	}
	return append(env, extra...)
}

func lookPathWithFallback(bin string) string {
	if p, err := exec.LookPath(bin); err == nil {
		return p
	}
	if strings.ContainsRune(bin, os.PathSeparator) {
		return ""
	}
	for _, dir := range filepath.SplitList(defaultExecPath()) {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		p := filepath.Join(dir, bin)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

func processEnvWithPathFallback() []string {
	env := os.Environ()
	hasPath := false
	for i, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			hasPath = true
			if strings.TrimSpace(strings.TrimPrefix(e, "PATH=")) == "" {
				env[i] = "PATH=" + defaultExecPath()
			}
			break
		}
	}
	if !hasPath {
		env = append(env, "PATH="+defaultExecPath())
	}
	return env
}

func defaultExecPath() string {
	return "/usr/local/bin:/usr/bin:/bin:/Library/TeX/texbin:/opt/homebrew/bin"
}
