// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package install

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bldr/pkg/retry"
	"github.com/AleutianAI/bldr/services/pkgstore"
	"github.com/AleutianAI/bldr/services/pkgstore/artifact/artifacttest"
	"github.com/AleutianAI/bldr/services/pkgstore/cache"
	"github.com/AleutianAI/bldr/services/pkgstore/current"
	"github.com/AleutianAI/bldr/services/pkgstore/identity"
	"github.com/AleutianAI/bldr/services/pkgstore/store"
)

type fixture struct {
	root      string
	depot     string
	store     *store.Store
	cache     *cache.Cache
	installer *Installer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{root: root, depot: filepath.Join(root, "depot")}
	require.NoError(t, os.MkdirAll(f.depot, 0o755))

	s, err := store.Open(context.Background(), store.Config{Dir: filepath.Join(root, "store"), InMemoryIndex: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	f.store = s

	c, err := cache.New(cache.Config{
		Dir:    filepath.Join(root, "cache"),
		Source: &cache.DirSource{Dir: f.depot},
		Retry:  retry.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1},
	})
	require.NoError(t, err)
	f.cache = c

	in, err := New(Config{
		Store:    s,
		Cache:    c,
		SrvcRoot: filepath.Join(root, "srvc"),
		Platform: "linux",
		Arch:     "amd64",
	})
	require.NoError(t, err)
	f.installer = in
	return f
}

func (f *fixture) publish(t *testing.T, specs ...artifacttest.Spec) []artifacttest.Built {
	t.Helper()
	out := make([]artifacttest.Built, len(specs))
	for i, s := range specs {
		out[i] = artifacttest.Build(t, s)
		artifacttest.WriteTo(t, f.depot, out[i])
	}
	return out
}

// storeEntries lists the non-hidden entry directories.
func (f *fixture) storeEntries(t *testing.T) []string {
	t.Helper()
	dirs, err := os.ReadDir(f.store.Dir())
	require.NoError(t, err)
	var out []string
	for _, d := range dirs {
		if !strings.HasPrefix(d.Name(), ".") {
			out = append(out, d.Name())
		}
	}
	return out
}

func TestInstall_WithDependencies(t *testing.T) {
	f := newFixture(t)
	deps := f.publish(t,
		artifacttest.Spec{Name: "glibc", Version: "2.38"},
		artifacttest.Spec{Name: "jemalloc", Version: "5.3.0"},
	)
	redis := f.publish(t, artifacttest.Spec{
		Name:    "redis",
		Version: "3.0.0",
		Deps:    []identity.Identity{deps[0].Identity(), deps[1].Identity()},
	})[0]

	res, err := f.installer.Install(context.Background(), Request{Name: "redis", Service: "redis"})
	require.NoError(t, err)

	assert.Equal(t, redis.Identity(), res.Root.Identity())
	require.Len(t, res.Entries, 3)
	assert.Equal(t, redis.Identity(), res.Entries[2].Identity(), "root installs last")
	assert.Len(t, f.storeEntries(t), 3)

	ptr, err := current.New(filepath.Join(f.root, "srvc"), "redis", nil)
	require.NoError(t, err)
	dir, err := ptr.Resolve()
	require.NoError(t, err)
	assert.Equal(t, res.Root.Dir, dir)
}

func TestInstall_TwiceYieldsOneEntry(t *testing.T) {
	f := newFixture(t)
	b := f.publish(t, artifacttest.Spec{Name: "redis", Version: "3.0.0"})[0]
	ctx := context.Background()

	r1, err := f.installer.Install(ctx, Request{Name: "redis", Version: "3.0.0"})
	require.NoError(t, err)
	r2, err := f.installer.Install(ctx, Request{Name: "redis", Identity: b.Identity()})
	require.NoError(t, err)

	assert.Equal(t, r1.Root.Dir, r2.Root.Dir)
	assert.Equal(t, []string{b.Manifest.StoreDirName()}, f.storeEntries(t))
}

func TestInstall_DependencyOrderDoesNotChangeIdentity(t *testing.T) {
	f := newFixture(t)
	deps := f.publish(t,
		artifacttest.Spec{Name: "h1", Version: "1.0"},
		artifacttest.Spec{Name: "h2", Version: "1.0"},
	)
	h1, h2 := deps[0].Identity(), deps[1].Identity()

	a := artifacttest.Build(t, artifacttest.Spec{Name: "redis", Version: "3.0.0", Deps: []identity.Identity{h2, h1}})
	b := artifacttest.Build(t, artifacttest.Spec{Name: "redis", Version: "3.0.0", Deps: []identity.Identity{h1, h2}})
	require.Equal(t, a.Identity(), b.Identity())
	artifacttest.WriteTo(t, f.depot, a)

	res, err := f.installer.Install(context.Background(), Request{Name: "redis", Identity: b.Identity()})
	require.NoError(t, err)
	assert.Equal(t, b.Identity(), res.Root.Identity())
}

func TestInstall_ConflictFailsBeforeExtraction(t *testing.T) {
	f := newFixture(t)
	ssl := f.publish(t,
		artifacttest.Spec{Name: "openssl", Version: "1.1.1"},
		artifacttest.Spec{Name: "openssl", Version: "3.1.0"},
	)
	curl := f.publish(t, artifacttest.Spec{Name: "curl", Version: "8.0.0", Deps: []identity.Identity{ssl[0].Identity()}})[0]
	f.publish(t, artifacttest.Spec{Name: "app", Version: "1.0.0", Deps: []identity.Identity{curl.Identity(), ssl[1].Identity()}})

	_, err := f.installer.Install(context.Background(), Request{Name: "app"})
	var ue *pkgstore.UnsatisfiableError
	require.ErrorAs(t, err, &ue)
	assert.Empty(t, f.storeEntries(t))
}

func TestInstall_MissingDependency(t *testing.T) {
	f := newFixture(t)
	ghost := artifacttest.Build(t, artifacttest.Spec{Name: "ghost", Version: "1.0"})
	f.publish(t, artifacttest.Spec{Name: "redis", Version: "3.0.0", Deps: []identity.Identity{ghost.Identity()}})

	_, err := f.installer.Install(context.Background(), Request{Name: "redis"})
	assert.ErrorIs(t, err, pkgstore.ErrMissingDependency)
	assert.Empty(t, f.storeEntries(t))
}

func TestInstall_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.installer.Install(context.Background(), Request{Name: "redis"})
	assert.ErrorIs(t, err, pkgstore.ErrNotFound)
}

func TestInstall_CorruptUpstreamNeverExtracted(t *testing.T) {
	f := newFixture(t)
	b := artifacttest.Build(t, artifacttest.Spec{Name: "redis", Version: "3.0.0"})
	bad := artifacttest.Tamper(t, b.Blob, "bin/redis", "EVIL")
	require.NoError(t, os.WriteFile(filepath.Join(f.depot, b.FileName()), bad, 0o644))

	_, err := f.installer.Install(context.Background(), Request{Name: "redis"})
	var ie *pkgstore.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Empty(t, f.storeEntries(t))
}

func TestInstall_ExplicitUpstream(t *testing.T) {
	f := newFixture(t)
	other := t.TempDir()
	b := artifacttest.Build(t, artifacttest.Spec{Name: "memcached", Version: "1.6.0"})
	artifacttest.WriteTo(t, other, b)

	res, err := f.installer.Install(context.Background(), Request{Name: "memcached", Upstream: other})
	require.NoError(t, err)
	assert.Equal(t, b.Identity(), res.Root.Identity())
}

func TestInstall_PrefersInstalledCandidatesOffline(t *testing.T) {
	f := newFixture(t)
	b := f.publish(t, artifacttest.Spec{Name: "redis", Version: "3.0.0"})[0]
	_, err := f.installer.Install(context.Background(), Request{Name: "redis"})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(f.depot))
	res, err := f.installer.Install(context.Background(), Request{Name: "redis"})
	require.NoError(t, err)
	assert.Equal(t, b.Identity(), res.Root.Identity())
}

func TestInstallFile(t *testing.T) {
	f := newFixture(t)
	dep := f.publish(t, artifacttest.Spec{Name: "glibc", Version: "2.38"})[0]
	local := artifacttest.Build(t, artifacttest.Spec{Name: "redis", Version: "3.0.0", Deps: []identity.Identity{dep.Identity()}})
	path := artifacttest.WriteTo(t, t.TempDir(), local)

	res, err := f.installer.InstallFile(context.Background(), path, Request{Service: "redis"})
	require.NoError(t, err)
	assert.Equal(t, local.Identity(), res.Root.Identity())
	assert.Len(t, res.Entries, 2)
}

func TestRollback(t *testing.T) {
	f := newFixture(t)
	v1 := f.publish(t, artifacttest.Spec{Name: "redis", Version: "3.0.0"})[0]
	v2 := f.publish(t, artifacttest.Spec{Name: "redis", Version: "3.0.1",
		Release: artifacttest.DefaultRelease.Add(time.Hour)})[0]
	ctx := context.Background()

	r1, err := f.installer.Install(ctx, Request{Name: "redis", Identity: v1.Identity(), Service: "redis"})
	require.NoError(t, err)
	r2, err := f.installer.Install(ctx, Request{Name: "redis", Service: "redis"})
	require.NoError(t, err)
	assert.Equal(t, v2.Identity(), r2.Root.Identity())

	dir, err := f.installer.Rollback(ctx, "redis")
	require.NoError(t, err)
	assert.Equal(t, r1.Root.Dir, dir)

	_, err = f.installer.Rollback(ctx, "memcached")
	assert.ErrorIs(t, err, current.ErrNoPrevious)
}
