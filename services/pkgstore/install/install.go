// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package install runs the install workflow: resolve the closure, fetch
// and extract every package leaves first, then activate the root for a
// service.
//
// Resolution finishes before anything is extracted, so cycle and conflict
// errors never leave a partial install behind.
package install

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/bldr/pkg/logging"
	"github.com/AleutianAI/bldr/services/pkgstore"
	"github.com/AleutianAI/bldr/services/pkgstore/cache"
	"github.com/AleutianAI/bldr/services/pkgstore/current"
	"github.com/AleutianAI/bldr/services/pkgstore/identity"
	"github.com/AleutianAI/bldr/services/pkgstore/resolve"
	"github.com/AleutianAI/bldr/services/pkgstore/store"
)

// DefaultParallelism bounds concurrent fetch+extract within a level.
const DefaultParallelism = 4

// Config configures an Installer.
type Config struct {
	Store *store.Store
	Cache *cache.Cache

	// SrvcRoot holds the per-service directories. Required for
	// Request.Service and Rollback.
	SrvcRoot string

	// Platform and Arch filter candidates. Default: the host.
	Platform string
	Arch     string

	// MaxDepth bounds dependency resolution. Default: resolve.DefaultMaxDepth.
	MaxDepth int

	// Parallelism bounds concurrent installs per level. Default: 4.
	Parallelism int

	Logger *slog.Logger
}

// Request describes one install.
type Request struct {
	// Name of the root package.
	Name string

	// Version constraint for the root package. Optional.
	Version string

	// Identity pins the root package to an exact build. Optional.
	Identity identity.Identity

	// Derivation filters root candidates. Optional.
	Derivation string

	// Upstream overrides the cache's default source. Optional.
	Upstream string

	// Service, when set, is repointed to the installed root.
	Service string

	// Pins fix the build of other packages in the closure.
	Pins map[string]resolve.Pin
}

// Result reports a completed install.
type Result struct {
	Plan *resolve.Plan

	// Entries are the store entries of the closure in Plan.Order.
	Entries []*store.Entry

	// Root is the entry of the requested package.
	Root *store.Entry
}

// Installer runs installs against one store and cache.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent installs sharing packages are
// serialized per Identity by the store.
type Installer struct {
	store       *store.Store
	cache       *cache.Cache
	srvcRoot    string
	platform    string
	arch        string
	maxDepth    int
	parallelism int
	logger      *slog.Logger
}

// New returns an Installer.
func New(cfg Config) (*Installer, error) {
	if cfg.Store == nil || cfg.Cache == nil {
		return nil, errors.New("install: store and cache are required")
	}
	if cfg.Platform == "" || cfg.Arch == "" {
		p, a := identity.HostPlatform()
		if cfg.Platform == "" {
			cfg.Platform = p
		}
		if cfg.Arch == "" {
			cfg.Arch = a
		}
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	return &Installer{
		store:       cfg.Store,
		cache:       cfg.Cache,
		srvcRoot:    cfg.SrvcRoot,
		platform:    cfg.Platform,
		arch:        cfg.Arch,
		maxDepth:    cfg.MaxDepth,
		parallelism: cfg.Parallelism,
		logger:      logging.OrDefault(cfg.Logger).With("component", "installer"),
	}, nil
}

// Install resolves, fetches and extracts req and its dependencies.
//
// # Description
//
// 1. Resolve the closure against the store, the cache and the upstream.
// 2. For each level of the plan, leaves first, fetch and extract every
// package in parallel. Packages already in the store are not fetched.
// 3. If req.Service is set, repoint the service's current link to the
// root entry.
//
// # Inputs
//
//   - ctx: Cancels resolution, downloads and any extraction that has not
//     committed yet.
//   - req: What to install.
//
// # Outputs
//
//   - *Result: Plan and entries.
//   - error: Resolver errors (before any extraction), IntegrityError,
//     ExtractionError. Failures within one level are aggregated.
func (in *Installer) Install(ctx context.Context, req Request) (*Result, error) {
	ctx, span := startInstallSpan(ctx, req)
	defer span.End()
	start := time.Now()

	res, err := in.install(ctx, req)
	size := 0
	if res != nil {
		size = len(res.Entries)
	}
	if err != nil {
		span.RecordError(err)
		recordInstall(ctx, "error", time.Since(start), size)
		return nil, err
	}
	recordInstall(ctx, "ok", time.Since(start), size)
	return res, nil
}

func (in *Installer) install(ctx context.Context, req Request) (*Result, error) {
	if req.Service != "" && in.srvcRoot == "" {
		return nil, errors.New("install: service requested but no service root configured")
	}

	cat := &catalog{store: in.store, cache: in.cache, source: in.cache.DefaultSource(), upstream: req.Upstream, logger: in.logger}
	if req.Upstream != "" {
		src, err := cache.SourceFor(req.Upstream, in.logger)
		if err != nil {
			return nil, err
		}
		cat.source = src
	}

	pins := make(map[string]resolve.Pin, len(req.Pins)+1)
	for k, v := range req.Pins {
		pins[k] = v
	}
	if req.Identity != "" {
		pins[req.Name] = resolve.Pin{Version: req.Version, Identity: req.Identity}
	}

	plan, err := resolve.Resolve(ctx, identity.PackageSpec{
		Name:       req.Name,
		Version:    req.Version,
		Derivation: req.Derivation,
		Platform:   in.platform,
		Arch:       in.arch,
	}, cat, resolve.Options{Pins: pins, MaxDepth: in.maxDepth, Logger: in.logger})
	if err != nil {
		return nil, err
	}
	in.logger.Info("resolved", "package", req.Name,
		"root", plan.Root.ArtifactName().String(), "closure", len(plan.Order))

	entries := make(map[identity.Identity]*store.Entry, len(plan.Order))
	for n, level := range plan.Levels() {
		if err := in.installLevel(ctx, level, req.Upstream, entries); err != nil {
			return nil, fmt.Errorf("install level %d: %w", n, err)
		}
	}

	res := &Result{Plan: plan, Root: entries[plan.Root.Identity]}
	for _, m := range plan.Order {
		res.Entries = append(res.Entries, entries[m.Identity])
	}

	if req.Service != "" {
		ptr, err := current.New(in.srvcRoot, req.Service, in.logger)
		if err != nil {
			return nil, err
		}
		if err := ptr.RepointTo(ctx, res.Root.Dir); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// installLevel installs independent packages concurrently. Every package
// is attempted; all failures are returned together.
func (in *Installer) installLevel(ctx context.Context, level []*identity.Manifest, upstream string, out map[identity.Identity]*store.Entry) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		merr *multierror.Error
	)
	g.SetLimit(in.parallelism)
	for _, m := range level {
		g.Go(func() error {
			e, err := in.installOne(ctx, m, upstream)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				merr = multierror.Append(merr, err)
				return nil
			}
			out[m.Identity] = e
			return nil
		})
	}
	g.Wait()
	if merr.ErrorOrNil() == nil {
		return nil
	}
	if len(merr.Errors) == 1 {
		return merr.Errors[0]
	}
	return merr
}

func (in *Installer) installOne(ctx context.Context, m *identity.Manifest, upstream string) (*store.Entry, error) {
	if e, err := in.store.Get(ctx, m.Identity); err == nil {
		return e, nil
	} else if !errors.Is(err, pkgstore.ErrNotFound) {
		return nil, err
	}
	a, err := in.cache.Fetch(ctx, m.Identity, upstream)
	if err != nil {
		return nil, err
	}
	e, err := in.store.Extract(ctx, a)
	if err != nil {
		return nil, err
	}
	in.logger.Info("installed", "package", m.ArtifactName().String())
	return e, nil
}

// InstallFile imports a local artifact into the cache and installs it.
// Dependencies come from req.Upstream or the default source.
func (in *Installer) InstallFile(ctx context.Context, path string, req Request) (*Result, error) {
	a, err := in.cache.ImportFile(path)
	if err != nil {
		return nil, err
	}
	m := a.Manifest()
	req.Name = m.Name
	req.Version = ""
	req.Identity = m.Identity
	return in.Install(ctx, req)
}

// Rollback points service back at its previous entry and returns it.
func (in *Installer) Rollback(ctx context.Context, service string) (string, error) {
	if in.srvcRoot == "" {
		return "", errors.New("install: no service root configured")
	}
	ptr, err := current.New(in.srvcRoot, service, in.logger)
	if err != nil {
		return "", err
	}
	return ptr.Rollback(ctx)
}
