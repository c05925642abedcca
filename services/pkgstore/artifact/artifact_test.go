// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package artifact_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bldr/services/pkgstore"
	"github.com/AleutianAI/bldr/services/pkgstore/artifact"
	"github.com/AleutianAI/bldr/services/pkgstore/artifact/artifacttest"
	"github.com/AleutianAI/bldr/services/pkgstore/identity"
)

func redis(t *testing.T) artifacttest.Built {
	return artifacttest.Build(t, artifacttest.Spec{
		Name:    "redis",
		Version: "3.0.0",
		Files: map[string]string{
			"bin/redis-server":  "ELF",
			"config/redis.conf": "port {{ .cfg.port }}\n",
			"default.yaml":      "port: 6379\n",
		},
		Exec: identity.Exec{Command: "bin/redis-server"},
	})
}

func TestPack_ManifestFirstAndComplete(t *testing.T) {
	b := redis(t)
	m := b.Manifest

	assert.Equal(t, m.ComputedIdentity(), m.Identity)
	assert.Equal(t, "20240102030405", m.Release)
	require.Len(t, m.Files, 3)
	assert.Equal(t, "bin/redis-server", m.Files[0].Path)
	assert.Equal(t, digest.FromString("ELF"), m.Files[0].Digest)

	r, err := artifact.NewReader(bytes.NewReader(b.Blob))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, m, r.Manifest())

	var paths []string
	for {
		e, body, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, e.Size, int64(len(data)))
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"bin/redis-server", "config/redis.conf", "default.yaml"}, paths)
	require.NoError(t, r.Finish())
}

func TestPack_Reproducible(t *testing.T) {
	a := redis(t)
	b := redis(t)
	assert.Equal(t, a.Identity(), b.Identity())
	assert.Equal(t, a.Blob, b.Blob)
}

func TestPack_ReleaseDoesNotChangeIdentity(t *testing.T) {
	a := redis(t)
	b := artifacttest.Build(t, artifacttest.Spec{
		Name:    "redis",
		Version: "3.0.0",
		Release: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Files: map[string]string{
			"bin/redis-server":  "ELF",
			"config/redis.conf": "port {{ .cfg.port }}\n",
			"default.yaml":      "port: 6379\n",
		},
		Exec: identity.Exec{Command: "bin/redis-server"},
	})
	assert.Equal(t, a.Identity(), b.Identity())
	assert.NotEqual(t, a.Manifest.Release, b.Manifest.Release)
}

func TestPackFile(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "hello"), []byte("hi"), 0o755))
	dest := t.TempDir()

	path, m, err := artifact.PackFile(context.Background(), artifact.PackOptions{
		Dir:         src,
		Name:        "hello",
		Version:     "0.1.0",
		BuildInputs: identity.BuildInputs{Source: "local", Script: "cp hello $out"},
	}, dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, m.ArtifactName().String()), path)
	assert.Equal(t, os.FileMode(0o755), m.Files[0].Mode)

	info, err := artifact.VerifyFile(path, m.Identity)
	require.NoError(t, err)
	assert.Equal(t, m.Identity, info.Manifest.Identity)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestVerify_OK(t *testing.T) {
	b := redis(t)
	info, err := artifact.Verify(bytes.NewReader(b.Blob), b.Identity())
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(b.Blob), info.BlobDigest)
	assert.Equal(t, int64(len(b.Blob)), info.Size)
}

func TestVerify_WrongIdentity(t *testing.T) {
	b := redis(t)
	other := identity.Identity(strings.Repeat("f", identity.Length))

	_, err := artifact.Verify(bytes.NewReader(b.Blob), other)
	var ie *pkgstore.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, other, ie.Identity)
}

func TestVerify_TamperedPayload(t *testing.T) {
	b := redis(t)
	tampered := artifacttest.Tamper(t, b.Blob, "bin/redis-server", "EVIL")

	_, err := artifact.Verify(bytes.NewReader(tampered), b.Identity())
	var ie *pkgstore.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "bin/redis-server", ie.Path)
}

func TestVerify_TamperedSize(t *testing.T) {
	b := redis(t)
	tampered := artifacttest.Tamper(t, b.Blob, "default.yaml", "port: 6379\nbind: 0.0.0.0\n")

	_, err := artifact.Verify(bytes.NewReader(tampered), b.Identity())
	var ie *pkgstore.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "default.yaml", ie.Path)
}

func TestVerify_Truncated(t *testing.T) {
	b := redis(t)
	_, err := artifact.Verify(bytes.NewReader(b.Blob[:len(b.Blob)/2]), b.Identity())
	var ie *pkgstore.IntegrityError
	assert.ErrorAs(t, err, &ie)
}

func TestVerify_NotAnArchive(t *testing.T) {
	_, err := artifact.Verify(strings.NewReader("plain text"), "")
	var ie *pkgstore.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, artifact.ErrMalformed)
}

func TestReadManifest(t *testing.T) {
	b := redis(t)
	m, err := artifact.ReadManifest(bytes.NewReader(b.Blob))
	require.NoError(t, err)
	assert.Equal(t, b.Manifest, m)
}
