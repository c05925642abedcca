// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/bldr/services/supervisor/effective"
)

// DefaultDebounce collapses bursts of file events.
const DefaultDebounce = 50 * time.Millisecond

// FileWatcher watches a YAML file of overrides.
//
// The parent directory is watched rather than the file so editors that
// save by rename are seen. A missing file is an empty mapping.
type FileWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration

	last      map[string]string
	read      bool
	mustRead  bool
	closeOnce sync.Once
}

// NewFileWatcher starts watching path.
func NewFileWatcher(path string, debounce time.Duration) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &FileWatcher{path: abs, watcher: w, debounce: debounce, mustRead: true}, nil
}

// String implements Watcher.
func (f *FileWatcher) String() string { return "file://" + f.path }

// Next implements Watcher. Not safe for concurrent use.
func (f *FileWatcher) Next(ctx context.Context) (map[string]string, error) {
	for {
		if !f.mustRead {
			if err := f.wait(ctx); err != nil {
				return nil, err
			}
		}
		vals, err := effective.LoadDefaults(f.path)
		if err != nil {
			// Re-read on the next call without waiting for an event.
			f.mustRead = true
			return nil, &BackendUnavailableError{Backend: f.String(), Err: err}
		}
		f.mustRead = false
		if f.read && maps.Equal(vals, f.last) {
			continue
		}
		f.last, f.read = vals, true
		return vals, nil
	}
}

// wait blocks until an event touches the file, then drains the events
// that follow within the debounce window.
func (f *FileWatcher) wait(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			return &BackendUnavailableError{Backend: f.String(), Err: err}
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			f.drain(ctx)
			return nil
		}
	}
}

func (f *FileWatcher) drain(ctx context.Context) {
	timer := time.NewTimer(f.debounce)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case _, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(f.debounce)
		}
	}
}

// Close implements Watcher.
func (f *FileWatcher) Close() error {
	var err error
	f.closeOnce.Do(func() { err = f.watcher.Close() })
	return err
}
