// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package current manages the per-service pointer to the active store
// entry.
//
//	srvc/<name>/current   -> store/<entry>   active
//	srvc/<name>/previous  -> store/<entry>   target before the last repoint
//
// Both links only ever change by rename, so a reader resolving current
// sees either the old entry or the new one.
package current

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/bldr/pkg/fsutil"
	"github.com/AleutianAI/bldr/pkg/logging"
	"github.com/AleutianAI/bldr/services/pkgstore/lock"
)

const (
	currentLink  = "current"
	previousLink = "previous"
	lockKey      = "pointer"
)

var (
	// ErrNoCurrent is returned when the service has never been activated.
	ErrNoCurrent = errors.New("service has no current package")

	// ErrNoPrevious is returned by Rollback when there is nothing to roll
	// back to.
	ErrNoPrevious = errors.New("service has no previous package")
)

// Pointer is the current/previous link pair of one service.
//
// # Thread Safety
//
// Repoints are serialized across goroutines and processes by a lock file
// in the service directory. Reads take no lock.
type Pointer struct {
	service string
	dir     string
	locks   *lock.Manager
	logger  *slog.Logger
}

// New returns the pointer for service under srvcRoot, creating the
// service directory.
func New(srvcRoot, service string, logger *slog.Logger) (*Pointer, error) {
	if service == "" || filepath.Base(service) != service {
		return nil, fmt.Errorf("invalid service name %q", service)
	}
	dir := filepath.Join(srvcRoot, service)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create service dir: %w", err)
	}
	logger = logging.OrDefault(logger).With("service", service)
	locks, err := lock.NewManager(lock.Config{Dir: dir, Logger: logger})
	if err != nil {
		return nil, err
	}
	return &Pointer{service: service, dir: dir, locks: locks, logger: logger}, nil
}

// Service returns the service name.
func (p *Pointer) Service() string { return p.service }

// Dir returns srvc/<name>.
func (p *Pointer) Dir() string { return p.dir }

// Resolve returns the active entry directory.
func (p *Pointer) Resolve() (string, error) {
	target, err := fsutil.ReadLink(filepath.Join(p.dir, currentLink))
	if err != nil {
		return "", err
	}
	if target == "" {
		return "", ErrNoCurrent
	}
	return target, nil
}

// Previous returns the entry that was active before the last repoint, or
// "" if there is none.
func (p *Pointer) Previous() (string, error) {
	return fsutil.ReadLink(filepath.Join(p.dir, previousLink))
}

// RepointTo activates entryDir.
//
// # Description
//
// Records the current target in previous, then swaps current to entryDir.
// Repointing to the active entry is a no-op and keeps previous intact.
//
// # Inputs
//
//   - ctx: Bounds the wait for the pointer lock.
//   - entryDir: Absolute path of a store entry.
//
// # Outputs
//
//   - error: fsutil.ErrAtomicSwapFailed or a lock error. On failure
//     current is unchanged.
func (p *Pointer) RepointTo(ctx context.Context, entryDir string) error {
	if !filepath.IsAbs(entryDir) {
		return fmt.Errorf("entry dir must be absolute: %s", entryDir)
	}
	unlock, err := p.locks.Acquire(ctx, lockKey, "repoint")
	if err != nil {
		return err
	}
	defer unlock()

	old, err := fsutil.ReadLink(filepath.Join(p.dir, currentLink))
	if err != nil {
		return err
	}
	if old == entryDir {
		return nil
	}
	if old != "" {
		if err := fsutil.SwapSymlink(old, filepath.Join(p.dir, previousLink)); err != nil {
			return err
		}
	}
	if err := fsutil.SwapSymlink(entryDir, filepath.Join(p.dir, currentLink)); err != nil {
		return err
	}
	p.logger.Info("repointed current", "from", filepath.Base(old), "to", filepath.Base(entryDir))
	return nil
}

// Rollback swaps current and previous and returns the newly active entry.
// Calling it twice restores the original state.
func (p *Pointer) Rollback(ctx context.Context) (string, error) {
	unlock, err := p.locks.Acquire(ctx, lockKey, "rollback")
	if err != nil {
		return "", err
	}
	defer unlock()

	prev, err := p.Previous()
	if err != nil {
		return "", err
	}
	if prev == "" {
		return "", ErrNoPrevious
	}
	cur, err := p.Resolve()
	if err != nil {
		return "", err
	}
	if err := fsutil.SwapSymlink(prev, filepath.Join(p.dir, currentLink)); err != nil {
		return "", err
	}
	if err := fsutil.SwapSymlink(cur, filepath.Join(p.dir, previousLink)); err != nil {
		return "", err
	}
	p.logger.Info("rolled back", "from", filepath.Base(cur), "to", filepath.Base(prev))
	return prev, nil
}
