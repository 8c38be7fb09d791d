package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/kfaryarok/abuela/internal/cache"
	"github.com/kfaryarok/abuela/internal/compiler"
	"github.com/kfaryarok/abuela/internal/config"
	"github.com/kfaryarok/abuela/internal/live"
	"github.com/kfaryarok/abuela/internal/mirror"
	"github.com/kfaryarok/abuela/internal/observability"
	"github.com/kfaryarok/abuela/internal/procguard"
	"github.com/kfaryarok/abuela/internal/project"
	"github.com/kfaryarok/abuela/internal/raster"
)

// Agent is the wired preview pipeline for one editing session.
type Agent struct {
	Config    config.Config
	SessionID string

	Project      *project.Project
	Guard        *procguard.Guard
	Runner       *compiler.Runner
	Rasterizer   *raster.Rasterizer
	Store        *cache.Store
	Orchestrator *live.Orchestrator
	Mirror       *mirror.Mirror
	Metrics      *observability.Registry
}

// NewAgent validates cfg, prepares the directory layout and an empty cache,
// and wires every component. Orphaned compiler processes from an earlier
// session are terminated.
func NewAgent(ctx context.Context, cfg config.Config) (*Agent, error) {
	cfg = cfg.Absolute()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cache.EnsureLayout(cfg.ProjectDir, cfg.CacheDir, cfg.BuildDir); err != nil {
		return nil, err
	}

	a := &Agent{
		Config:    cfg,
		SessionID: uuid.NewString(),
		Store:     cache.NewStore(cfg.CacheDir),
		Guard:     procguard.New(cfg.ProcessNames),
		Metrics:   observability.Default,
	}
	if cfg.WrapPreamble {
		a.Project = project.NewWithTemplate(cfg.WorkingFilePath())
	} else {
		a.Project = project.New(cfg.WorkingFilePath())
	}
	if err := a.Store.Clear(); err != nil {
		return nil, err
	}
	if n := a.Guard.EnsureExclusive(ctx); n > 0 {
		log.Printf("terminated orphaned compiler processes count=%d", n)
	}

	a.Runner = compiler.New(compiler.Options{
		Binary:   cfg.Compiler,
		Args:     cfg.CompilerArgs,
		JobName:  cfg.JobName,
		BuildDir: cfg.BuildDir,
		CacheDir: cfg.CacheDir,
		Timeout:  cfg.CompileTimeout,
	}, a.Guard, cache.NewAllocator())
	a.Rasterizer = raster.New(raster.Options{
		PdfInfo:        cfg.PdfInfo,
		PdfToPPM:       cfg.PdfToPPM,
		Timeout:        cfg.CompileTimeout,
		ThumbnailWidth: cfg.ThumbnailWidth,
	}, a.Runner.Byproducts())
	a.Orchestrator = live.New(live.Options{
		Debounce:   cfg.DebounceInterval,
		Poll:       cfg.PollInterval,
		Resolution: cfg.Resolution,
		Marker:     cfg.DiagnosticsMarker,
		Store:      a.Store,
		Metrics:    a.Metrics,
	}, a.Project, a.Runner, a.Rasterizer)

	m, err := newMirror(cfg, a.SessionID)
	if err != nil {
		a.Orchestrator.Close()
		return nil, err
	}
	if m != nil {
		a.Mirror = m
		a.Orchestrator.Subscribe(m.Handle)
	}
	return a, nil
}

func newMirror(cfg config.Config, sessionID string) (*mirror.Mirror, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.ArtifactBackend)) {
	case "", "local":
		return nil, nil
	case "minio":
		return mirror.New(cfg, sessionID)
	default:
		return nil, fmt.Errorf("unsupported ABUELA_ARTIFACT_BACKEND value %q", cfg.ArtifactBackend)
	}
}

// Shutdown stops the pipeline and clears everything the session wrote: the
// artifact cache, build byproducts and the working file.
func (a *Agent) Shutdown() error {
	a.Orchestrator.Close()
	if a.Mirror != nil {
		a.Mirror.Wait()
	}
	var errs []error
	if err := a.Store.Clear(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Runner.Sidecars().Sweep(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Project.Reset(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
