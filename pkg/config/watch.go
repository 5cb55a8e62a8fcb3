// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchOptions configures Watch.
type WatchOptions struct {
	// Debounce collapses bursts of file events into one reload.
	Debounce time.Duration
	Logger   *zap.Logger
}

// Watch reloads the configuration whenever one of its files changes and
// then calls onChange. The directory is watched rather than the files so
// that editors replacing a file by rename are noticed. Watch returns once
// the watcher is running; it stops when ctx is done.
func (m *Manager) Watch(ctx context.Context, opts WatchOptions, onChange func(*Manager)) error {
	if opts.Debounce <= 0 {
		opts.Debounce = 200 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	dir, err := filepath.Abs(m.options.WorkDir)
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	files := make([]string, 0, 3)
	for _, f := range m.Files() {
		files = append(files, filepath.Base(f))
	}

	go func() {
		defer w.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !slices.Contains(files, filepath.Base(ev.Name)) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
					!ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
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
				if err := m.Reload(); err != nil {
					log.Warn("configuration reload failed, keeping previous settings", zap.Error(err))
					continue
				}
				log.Info("configuration reloaded", zap.String("dir", dir))
				if onChange != nil {
					onChange(m)
				}

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("configuration watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
