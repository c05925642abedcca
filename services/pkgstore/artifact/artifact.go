// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package artifact packs and reads .bart package artifacts.
//
// An artifact is a gzip-compressed tar stream. The first entry is always
// MANIFEST.json; payload files follow in lexical order. Because the
// manifest comes first, a reader can verify every payload file while
// streaming, without buffering the archive.
//
//	┌──────────────────────── gzip ────────────────────────┐
//	│ MANIFEST.json │ bin/redis-server │ config/… │ …      │
//	└──────────────────────────────────────────────────────┘
package artifact

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/AleutianAI/bldr/pkg/fsutil"
	"github.com/AleutianAI/bldr/services/pkgstore"
	"github.com/AleutianAI/bldr/services/pkgstore/identity"
)

// ErrMalformed indicates an archive that is not a valid artifact.
var ErrMalformed = errors.New("malformed artifact")

// =============================================================================
// Packing
// =============================================================================

// PackOptions describes the package being packed.
type PackOptions struct {
	// Dir is the root of the installed build output.
	Dir string

	Name       string
	Version    string
	Derivation string
	Platform   string // default: host OS
	Arch       string // default: host arch

	BuildInputs identity.BuildInputs
	Exec        identity.Exec

	// Release is the build timestamp. Zero means now.
	Release time.Time
}

// Pack writes the artifact for opts to w.
//
// # Description
//
// Walks opts.Dir, digests every regular file, computes the Identity from
// the build inputs and writes MANIFEST.json followed by the payload.
// Tar headers carry the release time rather than file mtimes so packing
// the same tree twice yields the same payload.
//
// # Inputs
//
//   - ctx: Checked between files.
//   - opts: Package description. Dir must exist.
//   - w: Destination for the compressed archive.
//
// # Outputs
//
//   - *identity.Manifest: The manifest written into the archive.
//   - error: Non-nil on walk, validation or write failure.
func Pack(ctx context.Context, opts PackOptions, w io.Writer) (*identity.Manifest, error) {
	m, err := buildManifest(ctx, opts)
	if err != nil {
		return nil, err
	}
	manifestBytes, err := m.Encode()
	if err != nil {
		return nil, err
	}
	modTime, _ := time.Parse(identity.ReleaseLayout, m.Release)

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	if err := tw.WriteHeader(&tar.Header{
		Name:     identity.ManifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifestBytes)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(manifestBytes); err != nil {
		return nil, err
	}

	for _, f := range m.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := writeFile(tw, opts.Dir, f, modTime); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return m, nil
}

// PackFile packs opts into destDir under the artifact's canonical name
// and returns the file path.
func PackFile(ctx context.Context, opts PackOptions, destDir string) (string, *identity.Manifest, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", nil, err
	}
	tmp, err := os.CreateTemp(destDir, ".pack-*")
	if err != nil {
		return "", nil, err
	}
	defer os.Remove(tmp.Name())

	m, err := Pack(ctx, opts, tmp)
	if err != nil {
		tmp.Close()
		return "", nil, err
	}
	if err := tmp.Close(); err != nil {
		return "", nil, err
	}
	dest := filepath.Join(destDir, m.ArtifactName().String())
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", nil, err
	}
	return dest, m, nil
}

func buildManifest(ctx context.Context, opts PackOptions) (*identity.Manifest, error) {
	platform, arch := identity.HostPlatform()
	if opts.Platform != "" {
		platform = opts.Platform
	}
	if opts.Arch != "" {
		arch = opts.Arch
	}
	release := opts.Release
	if release.IsZero() {
		release = time.Now()
	}

	m := &identity.Manifest{
		Name:        opts.Name,
		Version:     opts.Version,
		Derivation:  opts.Derivation,
		Release:     identity.FormatRelease(release),
		Platform:    platform,
		Arch:        arch,
		BuildInputs: opts.BuildInputs,
		Deps:        opts.BuildInputs.SortedDeps(),
		Exec:        opts.Exec,
	}
	m.Identity = m.ComputedIdentity()

	err := filepath.WalkDir(opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(opts.Dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == identity.ManifestFileName {
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("%w: %s is not a regular file", ErrMalformed, rel)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		dg, err := fsutil.DigestFile(path)
		if err != nil {
			return err
		}
		m.Files = append(m.Files, identity.FileEntry{
			Path:   rel,
			Digest: dg,
			Mode:   info.Mode().Perm(),
			Size:   info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", opts.Dir, err)
	}
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func writeFile(tw *tar.Writer, root string, f identity.FileEntry, modTime time.Time) error {
	src, err := os.Open(filepath.Join(root, filepath.FromSlash(f.Path)))
	if err != nil {
		return err
	}
	defer src.Close()

	if err := tw.WriteHeader(&tar.Header{
		Name:     f.Path,
		Mode:     int64(f.Mode),
		Size:     f.Size,
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return err
	}
	n, err := io.Copy(tw, src)
	if err != nil {
		return err
	}
	if n != f.Size {
		return fmt.Errorf("%s changed while packing", f.Path)
	}
	return nil
}

// =============================================================================
// Reading
// =============================================================================

// Reader streams a verified artifact.
//
// # Description
//
// NewReader consumes the manifest. Each call to Next returns the next
// payload file; its digest and size are checked when the following Next
// (or Finish) is called. Finish also checks that every manifest file was
// present. A caller that has not seen a nil error from Finish must treat
// everything it read as unverified.
//
// # Thread Safety
//
// Not safe for concurrent use.
type Reader struct {
	gz       *gzip.Reader
	tr       *tar.Reader
	manifest *identity.Manifest
	raw      []byte

	pending  *identity.FileEntry
	verifier digest.Verifier
	body     io.Reader
	counted  *countingReader
	seen     map[string]bool
}

// NewReader opens an artifact stream and reads its manifest.
func NewReader(r io.Reader) (*Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	tr := tar.NewReader(gz)
	hdr, err := tr.Next()
	if err != nil {
		gz.Close()
		return nil, fmt.Errorf("%w: reading manifest header: %v", ErrMalformed, err)
	}
	if hdr.Name != identity.ManifestFileName {
		gz.Close()
		return nil, fmt.Errorf("%w: first entry is %q, want %s", ErrMalformed, hdr.Name, identity.ManifestFileName)
	}
	raw, err := io.ReadAll(io.LimitReader(tr, 16<<20))
	if err != nil {
		gz.Close()
		return nil, fmt.Errorf("%w: reading manifest: %v", ErrMalformed, err)
	}
	m, err := identity.DecodeManifest(raw)
	if err != nil {
		gz.Close()
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &Reader{
		gz:       gz,
		tr:       tr,
		manifest: m,
		raw:      raw,
		seen:     make(map[string]bool, len(m.Files)),
	}, nil
}

// Manifest returns the decoded manifest.
func (r *Reader) Manifest() *identity.Manifest { return r.manifest }

// RawManifest returns the manifest bytes exactly as stored.
func (r *Reader) RawManifest() []byte { return r.raw }

// Next advances to the next payload file. It returns io.EOF after the
// last file.
func (r *Reader) Next() (identity.FileEntry, io.Reader, error) {
	if err := r.settle(); err != nil {
		return identity.FileEntry{}, nil, err
	}
	for {
		hdr, err := r.tr.Next()
		if err == io.EOF {
			return identity.FileEntry{}, nil, io.EOF
		}
		if err != nil {
			return identity.FileEntry{}, nil, r.integrity("", fmt.Errorf("%w: %v", ErrMalformed, err))
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			return identity.FileEntry{}, nil, r.integrity(hdr.Name, fmt.Errorf("%w: unsupported entry type %q", ErrMalformed, hdr.Typeflag))
		}
		entry, ok := r.manifest.File(hdr.Name)
		if !ok {
			return identity.FileEntry{}, nil, r.integrity(hdr.Name, errors.New("file not listed in manifest"))
		}
		if r.seen[hdr.Name] {
			return identity.FileEntry{}, nil, r.integrity(hdr.Name, errors.New("duplicate entry"))
		}
		r.seen[hdr.Name] = true

		r.pending = &entry
		r.verifier = entry.Digest.Verifier()
		r.counted = &countingReader{r: r.tr}
		r.body = io.TeeReader(r.counted, r.verifier)
		return entry, r.body, nil
	}
}

// Finish drains the archive and completes verification.
func (r *Reader) Finish() error {
	for {
		_, _, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	for _, f := range r.manifest.Files {
		if !r.seen[f.Path] {
			return r.integrity(f.Path, errors.New("file missing from archive"))
		}
	}
	return nil
}

// Close releases the gzip reader.
func (r *Reader) Close() error {
	return r.gz.Close()
}

// settle verifies the pending file, draining any unread bytes.
func (r *Reader) settle() error {
	if r.pending == nil {
		return nil
	}
	entry := r.pending
	r.pending = nil
	if _, err := io.Copy(io.Discard, r.body); err != nil {
		return r.integrity(entry.Path, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if r.counted.n != entry.Size {
		return &pkgstore.IntegrityError{
			Identity: r.manifest.Identity,
			Path:     entry.Path,
			Want:     fmt.Sprintf("%d bytes", entry.Size),
			Got:      fmt.Sprintf("%d bytes", r.counted.n),
		}
	}
	if !r.verifier.Verified() {
		return &pkgstore.IntegrityError{
			Identity: r.manifest.Identity,
			Path:     entry.Path,
			Want:     entry.Digest.String(),
			Got:      "different content",
		}
	}
	return nil
}

func (r *Reader) integrity(path string, err error) error {
	return &pkgstore.IntegrityError{Identity: r.manifest.Identity, Path: path, Err: err}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// =============================================================================
// Verification
// =============================================================================

// Info describes a verified artifact blob.
type Info struct {
	Manifest   *identity.Manifest
	BlobDigest digest.Digest
	Size       int64
}

// Verify reads the whole artifact from r and checks it against want.
//
// # Description
//
// The manifest's recomputed Identity must equal want, and every payload
// file must match its manifest digest and size. The blob digest is
// computed over the raw (compressed) bytes.
//
// # Outputs
//
//   - *Info: Manifest plus blob digest and size.
//   - error: *pkgstore.IntegrityError for any mismatch or malformed input.
func Verify(r io.Reader, want identity.Identity) (*Info, error) {
	digester := digest.SHA256.Digester()
	counted := &countingReader{r: io.TeeReader(r, digester.Hash())}

	ar, err := NewReader(counted)
	if err != nil {
		return nil, &pkgstore.IntegrityError{Identity: want, Err: err}
	}
	defer ar.Close()

	m := ar.Manifest()
	if want != "" && m.Identity != want {
		return nil, &pkgstore.IntegrityError{
			Identity: want,
			Want:     want.String(),
			Got:      m.Identity.String(),
		}
	}
	if err := ar.Finish(); err != nil {
		return nil, err
	}
	// Drain the gzip stream (checks its CRC) and any trailing bytes so
	// the blob digest covers the whole file.
	if _, err := io.Copy(io.Discard, ar.gz); err != nil {
		return nil, &pkgstore.IntegrityError{Identity: want, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if _, err := io.Copy(io.Discard, counted); err != nil {
		return nil, &pkgstore.IntegrityError{Identity: want, Err: err}
	}
	return &Info{Manifest: m, BlobDigest: digester.Digest(), Size: counted.n}, nil
}

// ReadManifest reads only the manifest from an artifact stream. The
// payload is not verified.
func ReadManifest(r io.Reader) (*identity.Manifest, error) {
	ar, err := NewReader(r)
	if err != nil {
		return nil, err
	}
	defer ar.Close()
	return ar.Manifest(), nil
}

// VerifyFile opens path and calls Verify.
func VerifyFile(path string, want identity.Identity) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Verify(f, want)
}
