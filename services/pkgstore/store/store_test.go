// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bldr/services/pkgstore"
	"github.com/AleutianAI/bldr/services/pkgstore/artifact/artifacttest"
	"github.com/AleutianAI/bldr/services/pkgstore/identity"
)

// memArtifact serves a blob from memory and counts opens.
type memArtifact struct {
	m     *identity.Manifest
	blob  []byte
	opens int32
}

func (a *memArtifact) Manifest() *identity.Manifest { return a.m }

func (a *memArtifact) Open() (io.ReadCloser, error) {
	atomic.AddInt32(&a.opens, 1)
	return io.NopCloser(bytes.NewReader(a.blob)), nil
}

func fromBuilt(b artifacttest.Built) *memArtifact {
	return &memArtifact{m: b.Manifest, blob: b.Blob}
}

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Dir: dir, InMemoryIndex: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func redis(t *testing.T, release time.Time, script string) artifacttest.Built {
	return artifacttest.Build(t, artifacttest.Spec{
		Name:    "redis",
		Version: "3.0.0",
		Release: release,
		Script:  script,
		Files: map[string]string{
			"bin/redis-server":  "ELF",
			"config/redis.conf": "port {{ .cfg.port }}\n",
			"default.yaml":      "port: 6379\n",
		},
	})
}

// snapshot records path -> (content, mtime) for every file under dir.
func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		info, err := d.Info()
		require.NoError(t, err)
		rel, _ := filepath.Rel(dir, path)
		if strings.HasPrefix(rel, ".index") || strings.HasPrefix(rel, ".locks") {
			return nil
		}
		val := info.ModTime().String()
		if !d.IsDir() {
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			val += "|" + string(data)
		}
		out[rel] = val
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestExtract_CreatesEntry(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	b := redis(t, time.Time{}, "")

	entry, err := s.Extract(context.Background(), fromBuilt(b))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, b.Manifest.StoreDirName()), entry.Dir)
	data, err := os.ReadFile(filepath.Join(entry.Dir, "config/redis.conf"))
	require.NoError(t, err)
	assert.Equal(t, "port {{ .cfg.port }}\n", string(data))
	assert.FileExists(t, filepath.Join(entry.Dir, identity.ManifestFileName))

	require.NoError(t, s.Verify(context.Background(), b.Identity()))
}

func TestExtract_Idempotent(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	a := fromBuilt(redis(t, time.Time{}, ""))

	_, err := s.Extract(context.Background(), a)
	require.NoError(t, err)
	before := snapshot(t, dir)

	time.Sleep(10 * time.Millisecond)
	_, err = s.Extract(context.Background(), a)
	require.NoError(t, err)

	assert.Equal(t, before, snapshot(t, dir))
	assert.Equal(t, int32(1), atomic.LoadInt32(&a.opens), "second extract must not read the artifact")

	dirs, err := os.ReadDir(dir)
	require.NoError(t, err)
	var entries []string
	for _, d := range dirs {
		if !strings.HasPrefix(d.Name(), ".") {
			entries = append(entries, d.Name())
		}
	}
	assert.Len(t, entries, 1)
}

func TestExtract_ConcurrentSameIdentity(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	a := fromBuilt(redis(t, time.Time{}, ""))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Extract(context.Background(), a)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&a.opens))
}

func TestExtract_CorruptPayloadLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	b := redis(t, time.Time{}, "")
	bad := &memArtifact{m: b.Manifest, blob: artifacttest.Tamper(t, b.Blob, "bin/redis-server", "EVIL")}

	_, err := s.Extract(context.Background(), bad)
	var ee *pkgstore.ExtractionError
	require.ErrorAs(t, err, &ee)
	var ie *pkgstore.IntegrityError
	assert.ErrorAs(t, err, &ie)

	dirs, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, d := range dirs {
		assert.True(t, strings.HasPrefix(d.Name(), ".") && !strings.HasPrefix(d.Name(), tmpPrefix), d.Name())
	}
}

func TestExtract_ReplacesCorruptEntry(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	b := redis(t, time.Time{}, "")

	entryDir := filepath.Join(dir, b.Manifest.StoreDirName())
	require.NoError(t, os.MkdirAll(entryDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(entryDir, identity.ManifestFileName), []byte("garbage"), 0o644))

	entry, err := s.Extract(context.Background(), fromBuilt(b))
	require.NoError(t, err)
	require.NoError(t, s.Verify(context.Background(), entry.Identity()))
}

func TestExtract_CancelledDiscardsTemp(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Extract(ctx, fromBuilt(redis(t, time.Time{}, "")))
	require.Error(t, err)

	dirs, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, d := range dirs {
		assert.False(t, strings.HasPrefix(d.Name(), tmpPrefix))
		assert.True(t, strings.HasPrefix(d.Name(), "."), d.Name())
	}
}

func TestLatestPackage_ReleaseThenIdentity(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	old := redis(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), "a")
	newA := redis(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "b")
	newB := redis(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "c")
	for _, b := range []artifacttest.Built{old, newA, newB} {
		_, err := s.Extract(ctx, fromBuilt(b))
		require.NoError(t, err)
	}

	want := newA
	if newB.Identity().Compare(newA.Identity()) > 0 {
		want = newB
	}

	got, err := s.LatestPackage(ctx, "redis", "3.0.0")
	require.NoError(t, err)
	assert.Equal(t, want.Identity(), got.Identity())

	got, err = s.LatestPackage(ctx, "redis", "")
	require.NoError(t, err)
	assert.Equal(t, want.Identity(), got.Identity())

	_, err = s.LatestPackage(ctx, "redis", "4.0.0")
	assert.ErrorIs(t, err, pkgstore.ErrNotFound)

	recs, err := s.Entries(ctx, "redis")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, old.Identity(), recs[0].Identity)
	assert.Equal(t, want.Identity(), recs[2].Identity)
}

func TestLatestDerivationAndSpecific(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())

	core := artifacttest.Build(t, artifacttest.Spec{Name: "redis", Version: "3.0.0", Derivation: "core"})
	plain := artifacttest.Build(t, artifacttest.Spec{
		Name: "redis", Version: "3.0.0", Script: "other",
		Release: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	for _, b := range []artifacttest.Built{core, plain} {
		_, err := s.Extract(ctx, fromBuilt(b))
		require.NoError(t, err)
	}

	got, err := s.LatestDerivation(ctx, "redis", "3.0.0", "core")
	require.NoError(t, err)
	assert.Equal(t, core.Identity(), got.Identity())

	got, err = s.Specific(ctx, "redis", plain.Identity())
	require.NoError(t, err)
	assert.Equal(t, plain.Identity(), got.Identity())

	_, err = s.Specific(ctx, "memcached", plain.Identity())
	assert.ErrorIs(t, err, pkgstore.ErrNotFound)
}

func TestReindex_RebuildsFromDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := redis(t, time.Time{}, "")

	s1, err := Open(ctx, Config{Dir: dir, InMemoryIndex: true})
	require.NoError(t, err)
	_, err = s1.Extract(ctx, fromBuilt(b))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "not-an-entry"), 0o755))

	s2 := openTestStore(t, dir)
	got, err := s2.LatestPackage(ctx, "redis", "3.0.0")
	require.NoError(t, err)
	assert.Equal(t, b.Identity(), got.Identity())

	n, err := s2.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestVerify_DetectsModifiedFile(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	entry, err := s.Extract(ctx, fromBuilt(redis(t, time.Time{}, "")))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(entry.Dir, "default.yaml"), []byte("port: 1\n"), 0o644))

	err = s.Verify(ctx, entry.Identity())
	var ie *pkgstore.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "default.yaml", ie.Path)
}

func TestOpen_SharedOnDiskIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := redis(t, time.Time{}, "")

	// Two handles on one directory stand in for two bldr processes.
	s1, err := Open(ctx, Config{Dir: dir})
	require.NoError(t, err)
	defer s1.Close()
	s2, err := Open(ctx, Config{Dir: dir})
	require.NoError(t, err)
	defer s2.Close()

	a1, a2 := fromBuilt(b), fromBuilt(b)
	var wg sync.WaitGroup
	var e1, e2 *Entry
	var err1, err2 error
	wg.Add(2)
	go func() { defer wg.Done(); e1, err1 = s1.Extract(ctx, a1) }()
	go func() { defer wg.Done(); e2, err2 = s2.Extract(ctx, a2) }()
	wg.Wait()

	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, e1.Dir, e2.Dir)
	assert.Equal(t, int32(1), atomic.LoadInt32(&a1.opens)+atomic.LoadInt32(&a2.opens),
		"only one handle may extract")

	for _, s := range []*Store{s1, s2} {
		got, err := s.LatestPackage(ctx, "redis", "")
		require.NoError(t, err)
		assert.Equal(t, b.Identity(), got.Identity())
	}

	n, err := s2.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, s1.Verify(ctx, b.Identity()))
}

// gatedArtifact blocks its first Open until release is closed.
type gatedArtifact struct {
	*memArtifact
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (a *gatedArtifact) Open() (io.ReadCloser, error) {
	first := false
	a.once.Do(func() { first = true })
	if first {
		close(a.started)
		<-a.release
	}
	return a.memArtifact.Open()
}

func TestExtract_WaiterSurvivesLeaderCancel(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	a := &gatedArtifact{
		memArtifact: fromBuilt(redis(t, time.Time{}, "")),
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := s.Extract(leaderCtx, a)
		leaderErr <- err
	}()
	<-a.started

	waiterErr := make(chan error, 1)
	go func() {
		_, err := s.Extract(context.Background(), a)
		waiterErr <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	close(a.release)

	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	require.NoError(t, <-waiterErr)
	require.NoError(t, s.Verify(context.Background(), a.m.Identity))
}
