// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache keeps verified artifact blobs on local disk.
//
// Bytes from an upstream are written to a temp file inside the cache
// directory and renamed to their canonical name only after verification,
// so every .bart file in the cache has passed Verify at least once.
//
// # Thread Safety
//
// Cache is safe for concurrent use. Concurrent fetches of one Identity
// share a single download.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/bldr/pkg/logging"
	"github.com/AleutianAI/bldr/pkg/retry"
	"github.com/AleutianAI/bldr/services/pkgstore"
	"github.com/AleutianAI/bldr/services/pkgstore/artifact"
	"github.com/AleutianAI/bldr/services/pkgstore/identity"
)

const tempPattern = ".fetch-*"

// Artifact is a verified blob in the cache.
type Artifact struct {
	Name       identity.ArtifactName
	Path       string
	BlobDigest digest.Digest // empty for cache hits

	manifest *identity.Manifest
	fs       afero.Fs
}

// Manifest returns the embedded manifest.
func (a *Artifact) Manifest() *identity.Manifest { return a.manifest }

// Identity is shorthand for a.Manifest().Identity.
func (a *Artifact) Identity() identity.Identity { return a.manifest.Identity }

// Open returns the blob.
func (a *Artifact) Open() (io.ReadCloser, error) { return a.fs.Open(a.Path) }

// Config configures a Cache.
type Config struct {
	// Dir is the cache directory within Fs.
	Dir string

	// Fs is the filesystem holding Dir. Default: the OS filesystem.
	Fs afero.Fs

	// Source is used when Fetch gets no explicit upstream. Optional.
	Source Source

	// Retry bounds download attempts. Default: retry.DefaultConfig().
	Retry retry.Config

	// AttemptTimeout bounds one download attempt. Default: 5m.
	AttemptTimeout time.Duration

	// Logger for cache events. Nil uses slog.Default().
	Logger *slog.Logger
}

// Cache is the artifact cache.
type Cache struct {
	dir            string
	fs             afero.Fs
	source         Source
	retry          retry.Config
	attemptTimeout time.Duration
	group          singleflight.Group
	logger         *slog.Logger
}

// New creates the cache directory if needed and returns a Cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, errors.New("cache dir must not be empty")
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Minute
	}
	if err := cfg.Fs.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{
		dir:            cfg.Dir,
		fs:             cfg.Fs,
		source:         cfg.Source,
		retry:          cfg.Retry,
		attemptTimeout: cfg.AttemptTimeout,
		logger:         logging.OrDefault(cfg.Logger).With("component", "cache"),
	}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// DefaultSource returns the configured default source, or nil.
func (c *Cache) DefaultSource() Source { return c.source }

// Fetch returns the verified artifact for id.
//
// # Description
//
// A blob already in the cache is returned without any download.
// Otherwise the blob is downloaded from upstream (or the default source
// when upstream is empty) into a temp file, verified against id and
// renamed into place. Each attempt has its own timeout; failed attempts,
// integrity failures included, are retried with exponential backoff.
// A missing artifact is not retried.
//
// # Inputs
//
//   - ctx: Cancels the whole fetch including backoff waits. Concurrent
//     callers for one Identity share a download; when the caller that
//     started it is canceled, the others start a new one.
//   - id: The requested Identity.
//   - upstream: Depot URL or directory. Empty means the default source.
//
// # Outputs
//
//   - *Artifact: Verified artifact in the cache.
//   - error: *pkgstore.IntegrityError when verification keeps failing,
//     pkgstore.ErrNotFound when no source has the artifact.
func (c *Cache) Fetch(ctx context.Context, id identity.Identity, upstream string) (*Artifact, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if a, ok := c.lookup(id); ok {
		recordHit(ctx)
		return a, nil
	}

	var v interface{}
	var err error
	for {
		v, err, _ = c.group.Do(string(id), func() (interface{}, error) {
			if a, ok := c.lookup(id); ok {
				return a, nil
			}
			src := c.source
			if upstream != "" {
				var err error
				if src, err = SourceFor(upstream, c.logger); err != nil {
					return nil, err
				}
			}
			if src == nil {
				return nil, &pkgstore.NotFoundError{Query: "artifact " + id.Short() + " (no upstream configured)"}
			}
			recordMiss(ctx)
			return c.download(ctx, id, src)
		})
		// The shared download ran on another caller's context.
		if !pkgstore.CanceledElsewhere(ctx, err) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return v.(*Artifact), nil
}

func (c *Cache) download(ctx context.Context, id identity.Identity, src Source) (*Artifact, error) {
	ctx, span := startFetchSpan(ctx, id, src.String())
	defer span.End()

	start := time.Now()
	var out *Artifact
	res, err := retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) error {
		a, err := c.attempt(ctx, id, src)
		switch {
		case err == nil:
			out = a
			return nil
		case errors.Is(err, pkgstore.ErrNotFound):
			return retry.Permanent(err)
		}
		var ie *pkgstore.IntegrityError
		if errors.As(err, &ie) {
			recordIntegrityFailure(ctx)
		}
		c.logger.Warn("artifact download failed",
			"identity", id.Short(), "source", src.String(), "attempt", attempt, "error", err)
		return err
	})
	recordFetchLatency(ctx, time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	c.logger.Info("fetched artifact",
		"identity", id.Short(), "name", out.Name.String(), "attempts", res.Attempts)
	return out, nil
}

// attempt performs one bounded download.
func (c *Cache) attempt(ctx context.Context, id identity.Identity, src Source) (*Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	rc, err := src.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return c.commit(rc, id)
}

// Import verifies the artifact read from r (against the Identity its own
// manifest claims) and adds it to the cache.
func (c *Cache) Import(r io.Reader) (*Artifact, error) {
	return c.commit(r, "")
}

// ImportFile imports a local .bart file.
func (c *Cache) ImportFile(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return c.Import(f)
}

// commit streams r into a temp file, verifies it and renames it into
// place. Unverified bytes are removed.
func (c *Cache) commit(r io.Reader, want identity.Identity) (*Artifact, error) {
	tmp, err := afero.TempFile(c.fs, c.dir, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			c.fs.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	f, err := c.fs.Open(tmpName)
	if err != nil {
		return nil, err
	}
	info, err := artifact.Verify(f, want)
	f.Close()
	if err != nil {
		return nil, err
	}

	name := info.Manifest.ArtifactName()
	dest := filepath.Join(c.dir, name.String())
	if err := c.fs.Rename(tmpName, dest); err != nil {
		return nil, fmt.Errorf("commit %s: %w", name, err)
	}
	committed = true
	return &Artifact{
		Name:       name,
		Path:       dest,
		BlobDigest: info.BlobDigest,
		manifest:   info.Manifest,
		fs:         c.fs,
	}, nil
}

// lookup finds a cached blob for id.
func (c *Cache) lookup(id identity.Identity) (*Artifact, bool) {
	matches, err := afero.Glob(c.fs, filepath.Join(c.dir, "*"+identity.Delimiter+string(id)+identity.Delimiter+"*"+identity.ArtifactExt))
	if err != nil {
		return nil, false
	}
	for _, path := range matches {
		name, err := identity.ParseArtifactName(filepath.Base(path))
		if err != nil || name.Identity != id {
			continue
		}
		m, err := c.readManifest(path)
		if err != nil || m.Identity != id {
			c.logger.Warn("removing unreadable cache entry", "path", path, "error", err)
			c.fs.Remove(path)
			continue
		}
		return &Artifact{Name: name, Path: path, manifest: m, fs: c.fs}, true
	}
	return nil, false
}

func (c *Cache) readManifest(path string) (*identity.Manifest, error) {
	f, err := c.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return artifact.ReadManifest(f)
}

// Get returns a cached artifact without contacting any source.
func (c *Cache) Get(id identity.Identity) (*Artifact, error) {
	if a, ok := c.lookup(id); ok {
		return a, nil
	}
	return nil, &pkgstore.NotFoundError{Query: "cached artifact " + id.Short()}
}

// Manifest returns the manifest of a cached artifact.
func (c *Cache) Manifest(id identity.Identity) (*identity.Manifest, error) {
	a, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	return a.Manifest(), nil
}

// List returns the cached artifacts for name, oldest first.
func (c *Cache) List(name string) ([]identity.ArtifactName, error) {
	matches, err := afero.Glob(c.fs, filepath.Join(c.dir, name+identity.Delimiter+"*"+identity.ArtifactExt))
	if err != nil {
		return nil, err
	}
	var out []identity.ArtifactName
	for _, path := range matches {
		n, err := identity.ParseArtifactName(filepath.Base(path))
		if err != nil || n.Name != name {
			continue
		}
		out = append(out, n)
	}
	sortNames(out)
	return out, nil
}
