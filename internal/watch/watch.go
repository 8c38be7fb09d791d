// Package watch feeds edits made in an external editor into the preview.
package watch

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

type stamp struct {
	mod  time.Time
	size int64
}

// file remembers what was last reported for path.
type file struct {
	path string
	last stamp
	text string
	seen bool
}

// check reports the content of the file when it differs from the last
// report. Without force an unchanged stamp skips the read.
func (f *file) check(force bool, fn func(string)) {
	st, err := os.Stat(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("watch stat failed path=%s: %v", f.path, err)
		}
		return
	}
	cur := stamp{mod: st.ModTime(), size: st.Size()}
	if f.seen && cur == f.last && !force {
		return
	}
	b, err := os.ReadFile(f.path)
	if err != nil {
		log.Printf("watch read failed path=%s: %v", f.path, err)
		return
	}
	f.last = cur
	if f.seen && string(b) == f.text {
		return
	}
	f.seen, f.text = true, string(b)
	fn(f.text)
}

// Watch calls fn with the content of path once it exists and again after
// every change, using filesystem notifications on the parent directory so
// that editors replacing the file by rename are followed. The directory is
// also rechecked every interval, because network mounts may not deliver
// events. When notifications are unavailable Watch degrades to Poll.
func Watch(ctx context.Context, path string, interval time.Duration, fn func(string)) error {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("watch notifications unavailable path=%s, polling: %v", path, err)
		return Poll(ctx, path, interval, fn)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		log.Printf("watch dir failed path=%s, polling: %v", path, err)
		return Poll(ctx, path, interval, fn)
	}

	target := filepath.Clean(path)
	f := &file{path: path}
	f.check(false, fn)

	recheck := time.NewTicker(interval)
	defer recheck.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == target && ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				f.check(true, fn)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("watch event error path=%s: %v", path, err)
		case <-recheck.C:
			f.check(false, fn)
		}
	}
}

// Poll calls fn with the content of path whenever its modification time or
// size changes, and once for the initial content. A missing file is waited
// for. Poll returns when ctx is done.
func Poll(ctx context.Context, path string, interval time.Duration, fn func(string)) error {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	f := &file{path: path}
	for {
		f.check(false, fn)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
