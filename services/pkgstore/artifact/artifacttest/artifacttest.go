// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package artifacttest builds artifacts for tests of the packages that
// consume them.
package artifacttest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bldr/services/pkgstore/artifact"
	"github.com/AleutianAI/bldr/services/pkgstore/identity"
)

// DefaultRelease is used when Spec.Release is zero.
var DefaultRelease = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

// Spec describes a test package.
type Spec struct {
	Name       string
	Version    string
	Derivation string
	Release    time.Time
	Source     string
	Script     string
	Deps       []identity.Identity
	Files      map[string]string
	Exec       identity.Exec
}

// Built is a packed test artifact.
type Built struct {
	Manifest *identity.Manifest
	Blob     []byte
}

// Identity is shorthand for b.Manifest.Identity.
func (b Built) Identity() identity.Identity { return b.Manifest.Identity }

// FileName is the canonical artifact file name.
func (b Built) FileName() string { return b.Manifest.ArtifactName().String() }

// Build packs s in memory.
func Build(t testing.TB, s Spec) Built {
	t.Helper()
	if s.Version == "" {
		s.Version = "1.0.0"
	}
	if s.Release.IsZero() {
		s.Release = DefaultRelease
	}
	if s.Source == "" {
		s.Source = "https://example.invalid/" + s.Name + "-" + s.Version + ".tar.gz"
	}
	if s.Script == "" {
		s.Script = "make install"
	}
	if s.Files == nil {
		s.Files = map[string]string{"bin/" + s.Name: "#!/bin/sh\necho " + s.Name + "\n"}
	}

	dir := t.TempDir()
	for p, content := range s.Files {
		full := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}

	var buf bytes.Buffer
	m, err := artifact.Pack(context.Background(), artifact.PackOptions{
		Dir:        dir,
		Name:       s.Name,
		Version:    s.Version,
		Derivation: s.Derivation,
		Platform:   "linux",
		Arch:       "amd64",
		BuildInputs: identity.BuildInputs{
			Source:   s.Source,
			Revision: s.Version,
			Script:   s.Script,
			Deps:     s.Deps,
		},
		Exec:    s.Exec,
		Release: s.Release,
	}, &buf)
	require.NoError(t, err)
	return Built{Manifest: m, Blob: buf.Bytes()}
}

// WriteTo stores b in dir under its canonical name and returns the path.
func WriteTo(t testing.TB, dir string, b Built) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, b.FileName())
	require.NoError(t, os.WriteFile(path, b.Blob, 0o644))
	return path
}

// Tamper rewrites the payload file at path with content while keeping
// the original manifest.
func Tamper(t testing.TB, blob []byte, path, content string) []byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	var out bytes.Buffer
	gw := gzip.NewWriter(&out)
	tw := tar.NewWriter(gw)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		if hdr.Name == path {
			body = []byte(content)
			hdr.Size = int64(len(body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err = tw.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return out.Bytes()
}
