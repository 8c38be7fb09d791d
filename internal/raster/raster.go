// Package raster converts a compiled PDF into one image per page using the
// poppler command-line tools.
package raster

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kfaryarok/abuela/internal/cache"
	"github.com/kfaryarok/abuela/internal/observability"
	"github.com/kfaryarok/abuela/pkg/previewapi"
)

var (
	// ErrUnreadable means the artifact could not be opened or has no pages.
	ErrUnreadable = errors.New("raster: artifact unreadable")
	// ErrPartial means at least one page image is missing after conversion.
	ErrPartial = errors.New("raster: incomplete page set")
	// ErrCleanup means compiler byproducts are still held by another process.
	ErrCleanup = errors.New("raster: byproduct cleanup failed")
)

type Options struct {
	PdfInfo        string
	PdfToPPM       string
	Timeout        time.Duration
	ThumbnailWidth int
}

type Pages struct {
	Images     []string
	Thumbnails []string
}

type Rasterizer struct {
	opts     Options
	sidecars cache.Sweeper
}

// New returns a rasterizer that clears compiler byproducts through sidecars
// once the pages are written.
func New(opts Options, sidecars cache.Sweeper) *Rasterizer {
	if opts.PdfInfo == "" {
		opts.PdfInfo = "pdfinfo"
	}
	if opts.PdfToPPM == "" {
		opts.PdfToPPM = "pdftoppm"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Rasterizer{opts: opts, sidecars: sidecars}
}

// PagePath is the image for 1-based page i of artifact.
func PagePath(artifact string, i int) string {
	return pageBase(artifact, i) + ".jpg"
}

// ThumbnailPath is the scaled preview for 1-based page i of artifact.
func ThumbnailPath(artifact string, i int) string {
	return pageBase(artifact, i) + "-thumb.jpg"
}

func pageBase(artifact string, i int) string {
	return strings.TrimSuffix(artifact, filepath.Ext(artifact)) + "-" + strconv.Itoa(i)
}

// Rasterize writes one JPEG per page at dpi. A page set with a missing page
// is reported as ErrPartial and its images are removed.
func (r *Rasterizer) Rasterize(ctx context.Context, artifact string, dpi int) (Pages, error) {
	ctx, span := observability.StartSpan(ctx, "compile.rasterize",
		attribute.String("raster.artifact", artifact),
		attribute.Int("raster.dpi", dpi),
	)
	defer span.End()

	n, err := r.PageCount(ctx, artifact)
	if err != nil {
		return Pages{}, err
	}
	span.SetAttributes(attribute.Int("raster.pages", n))

	images := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		if err := r.renderPage(ctx, artifact, i, dpi); err != nil {
			log.Printf("render page failed artifact=%s page=%d: %v", artifact, i, err)
		}
		images = append(images, PagePath(artifact, i))
	}

	if err := ctx.Err(); err != nil {
		removeAll(images)
		return Pages{}, err
	}

	previewapi.ReportPhase(ctx, previewapi.StatusVerifying)
	if err := r.sidecars.Sweep(); err != nil {
		removeAll(images)
		return Pages{}, fmt.Errorf("%w: %v", ErrCleanup, err)
	}

	for i, p := range images {
		if _, err := os.Stat(p); err != nil {
			removeAll(images)
			return Pages{}, fmt.Errorf("%w: page %d of %d missing", ErrPartial, i+1, n)
		}
	}

	out := Pages{Images: images}
	if r.opts.ThumbnailWidth > 0 {
		out.Thumbnails = r.thumbnails(artifact, images)
	}
	return out, nil
}

// PageCount asks pdfinfo for the number of pages in artifact.
func (r *Rasterizer) PageCount(ctx context.Context, artifact string) (int, error) {
	stdout, err := r.exec(ctx, r.opts.PdfInfo, artifact)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	n, ok := parsePages(stdout)
	if !ok || n <= 0 {
		return 0, fmt.Errorf("%w: no pages reported", ErrUnreadable)
	}
	return n, nil
}

func (r *Rasterizer) renderPage(ctx context.Context, artifact string, i, dpi int) error {
	page := strconv.Itoa(i)
	_, err := r.exec(ctx, r.opts.PdfToPPM,
		"-f", page, "-l", page,
		"-r", strconv.Itoa(dpi),
		"-jpeg", "-singlefile",
		artifact, pageBase(artifact, i),
	)
	return err
}

func (r *Rasterizer) exec(ctx context.Context, bin string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.String(), fmt.Errorf("%s: %w: %s", filepath.Base(bin), err, msg)
		}
		return stdout.String(), fmt.Errorf("%s: %w", filepath.Base(bin), err)
	}
	return stdout.String(), nil
}

func (r *Rasterizer) thumbnails(artifact string, images []string) []string {
	out := make([]string, 0, len(images))
	for i, p := range images {
		dst := ThumbnailPath(artifact, i+1)
		if err := WriteThumbnail(p, dst, r.opts.ThumbnailWidth); err != nil {
			log.Printf("thumbnail failed page=%s: %v", p, err)
			removeAll(out)
			return nil
		}
		out = append(out, dst)
	}
	return out
}

func parsePages(info string) (int, bool) {
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(key) != "Pages" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func removeAll(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
