// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock serializes work on a key across goroutines and processes.
//
// The store uses one key per package Identity: two installers extracting
// the same Identity run one after the other, while different Identities
// proceed in parallel.
//
//	Acquire(ctx, key)
//	  1. in-process: per-key channel semaphore (waits honour ctx)
//	  2. cross-process: flock on <dir>/<key>.lock (polled, honours ctx)
//
// The in-process step comes first so goroutines of one process queue on a
// channel instead of polling the same flock.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/bldr/pkg/logging"
	"github.com/AleutianAI/bldr/services/pkgstore"
)

// Config configures a Manager.
type Config struct {
	// Dir holds the lock files. Created if missing.
	Dir string

	// PollInterval is the initial wait between flock attempts while
	// another process holds the lock. Doubles up to MaxPollInterval.
	// Default: 10ms
	PollInterval time.Duration

	// MaxPollInterval caps the poll wait. Default: 250ms
	MaxPollInterval time.Duration

	// Logger receives debug output. Nil uses slog.Default().
	Logger *slog.Logger
}

// Info is written into a lock file while it is held, for diagnostics.
type Info struct {
	Key      string    `json:"key"`
	PID      int       `json:"pid"`
	Reason   string    `json:"reason,omitempty"`
	LockedAt time.Time `json:"locked_at"`
}

// Manager hands out per-key exclusive locks.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	dir     string
	poll    time.Duration
	maxPoll time.Duration
	locker  FileLocker
	logger  *slog.Logger

	mu   sync.Mutex
	keys map[string]*keyEntry
}

type keyEntry struct {
	sem  chan struct{}
	refs int
}

// NewManager creates a Manager rooted at config.Dir.
func NewManager(config Config) (*Manager, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("lock dir must not be empty")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Millisecond
	}
	if config.MaxPollInterval < config.PollInterval {
		config.MaxPollInterval = 250 * time.Millisecond
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", config.Dir, err)
	}
	return &Manager{
		dir:     config.Dir,
		poll:    config.PollInterval,
		maxPoll: config.MaxPollInterval,
		locker:  newFileLocker(),
		logger:  logging.OrDefault(config.Logger),
		keys:    make(map[string]*keyEntry),
	}, nil
}

// Unlock releases a lock obtained from Acquire. Calling it more than once
// is a no-op.
type Unlock func()

// Acquire blocks until the lock for key is held or ctx is done.
//
// # Description
//
// Takes the in-process semaphore for key, then the flock on the key's
// lock file. On success the lock file records the holder's PID and
// reason. The returned Unlock releases both.
//
// # Inputs
//
//   - ctx: Bounds the wait. Must not be nil.
//   - key: Lock name. Must be a single path element.
//   - reason: Free text recorded in the lock file.
//
// # Outputs
//
//   - Unlock: Release function.
//   - error: ctx error while waiting, or wraps pkgstore.ErrLockAcquireFailed.
func (m *Manager) Acquire(ctx context.Context, key, reason string) (Unlock, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return nil, fmt.Errorf("%w: invalid key %q", pkgstore.ErrLockAcquireFailed, key)
	}

	entry := m.ref(key)
	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		m.unref(key)
		return nil, ctx.Err()
	}

	f, err := m.lockFile(ctx, key)
	if err != nil {
		<-entry.sem
		m.unref(key)
		return nil, err
	}

	info := Info{Key: key, PID: os.Getpid(), Reason: reason, LockedAt: time.Now()}
	if data, err := json.Marshal(info); err == nil {
		f.Truncate(0)
		f.WriteAt(data, 0)
	}
	m.logger.Debug("acquired lock", "key", key, "reason", reason)

	var once sync.Once
	return func() {
		once.Do(func() {
			f.Truncate(0)
			if err := m.locker.Unlock(f); err != nil {
				m.logger.Warn("failed to unlock", "key", key, "error", err)
			}
			f.Close()
			<-entry.sem
			m.unref(key)
			m.logger.Debug("released lock", "key", key)
		})
	}, nil
}

// Holder reads the lock file for key. It returns nil when the key is not
// held by any process.
func (m *Manager) Holder(key string) (*Info, error) {
	data, err := os.ReadFile(m.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.dir, key+".lock")
}

// lockFile opens the key's lock file and polls flock until it succeeds.
func (m *Manager) lockFile(ctx context.Context, key string) (*os.File, error) {
	f, err := os.OpenFile(m.path(key), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", pkgstore.ErrLockAcquireFailed, key, err)
	}

	wait := m.poll
	for {
		err := m.locker.TryLock(f)
		if err == nil {
			return f, nil
		}
		if err != ErrFileLocked {
			f.Close()
			return nil, fmt.Errorf("%w: flock %s: %v", pkgstore.ErrLockAcquireFailed, key, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			f.Close()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if wait *= 2; wait > m.maxPoll {
			wait = m.maxPoll
		}
	}
}

func (m *Manager) ref(key string) *keyEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.keys[key]
	if !ok {
		e = &keyEntry{sem: make(chan struct{}, 1)}
		m.keys[key] = e
	}
	e.refs++
	return e
}

func (m *Manager) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.keys[key]
	if e == nil {
		return
	}
	if e.refs--; e.refs == 0 {
		delete(m.keys, key)
	}
}
