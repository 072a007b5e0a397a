// Package sourcewatch follows a mini-app source file and reports its text
// each time it settles on new content.
package sourcewatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Options tunes Watch.
type Options struct {
	// Debounce is the quiet period after the last event before the file is
	// read. Default: 100ms.
	Debounce time.Duration
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Debounce <= 0 {
		o.Debounce = 100 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watch calls fn with the file's content now and after every change that
// leaves different content. fn runs on the watch goroutine. Watch blocks
// until ctx ends.
//
// The parent directory is watched, not the file, so editors that save by
// renaming a temporary file over it are followed.
func Watch(ctx context.Context, path string, opts Options, fn func(source string)) error {
	opts.defaults()
	log := opts.Logger.With("path", path)

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("sourcewatch: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("sourcewatch: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sourcewatch: create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("sourcewatch: watch directory: %w", err)
	}

	last := string(data)
	fn(last)

	var fire <-chan time.Time
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(opts.Debounce)
			} else {
				timer.Reset(opts.Debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			data, err := os.ReadFile(abs)
			if err != nil {
				// Mid-rename; the Create that follows re-arms the timer.
				log.Debug("sourcewatch: read failed", "error", err)
				continue
			}
			if s := string(data); s != last {
				last = s
				log.Debug("sourcewatch: changed", "bytes", len(data))
				fn(s)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("sourcewatch: watcher error", "error", err)
		}
	}
}
