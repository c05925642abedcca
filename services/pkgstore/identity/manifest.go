// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"runtime"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// ManifestFileName is the manifest's name inside artifacts and store entries.
const ManifestFileName = "MANIFEST.json"

// ReleaseLayout formats release timestamps (UTC).
const ReleaseLayout = "20060102150405"

// ErrInvalidManifest is returned by Manifest.Validate.
var ErrInvalidManifest = errors.New("invalid manifest")

// FileEntry describes one payload file.
type FileEntry struct {
	Path   string        `json:"path"`
	Digest digest.Digest `json:"digest"`
	Mode   fs.FileMode   `json:"mode"`
	Size   int64         `json:"size"`
}

// Exec describes how to start the package as a service.
type Exec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Manifest is the metadata record carried by every artifact and store
// entry. It is self-describing: the Identity can be recomputed from Name,
// Version and BuildInputs alone.
type Manifest struct {
	Identity    Identity    `json:"identity"`
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	Derivation  string      `json:"derivation,omitempty"`
	Release     string      `json:"release"`
	Platform    string      `json:"platform"`
	Arch        string      `json:"arch"`
	BuildInputs BuildInputs `json:"build_inputs"`
	Deps        []Identity  `json:"deps,omitempty"`
	Files       []FileEntry `json:"files"`
	Exec        Exec        `json:"exec"`
}

// FormatRelease renders t as a release timestamp.
func FormatRelease(t time.Time) string {
	return t.UTC().Format(ReleaseLayout)
}

// HostPlatform returns the platform and arch of the running process.
func HostPlatform() (string, string) {
	return runtime.GOOS, runtime.GOARCH
}

// ComputedIdentity recomputes the Identity from the manifest's inputs.
func (m *Manifest) ComputedIdentity() Identity {
	return ComputeIdentity(PackageSpec{Name: m.Name}, m.Version, m.BuildInputs)
}

// Validate checks structure and self-consistency.
//
// # Description
//
// Checks that name components are usable in "!"-delimited file names,
// the release is a valid timestamp, Deps matches BuildInputs.Deps, every
// file path is relative and clean, and Identity equals the Identity
// recomputed from the inputs.
//
// # Outputs
//
//   - error: Wraps ErrInvalidManifest, or ErrInvalidIdentity.
func (m *Manifest) Validate() error {
	if err := m.Identity.Validate(); err != nil {
		return err
	}
	for label, v := range map[string]string{
		"name": m.Name, "version": m.Version, "platform": m.Platform, "arch": m.Arch,
	} {
		if v == "" {
			return fmt.Errorf("%w: %s is empty", ErrInvalidManifest, label)
		}
		if strings.ContainsAny(v, "!/\\") {
			return fmt.Errorf("%w: %s %q contains a reserved character", ErrInvalidManifest, label, v)
		}
	}
	if _, err := time.Parse(ReleaseLayout, m.Release); err != nil {
		return fmt.Errorf("%w: release %q: %v", ErrInvalidManifest, m.Release, err)
	}
	if !EqualSets(m.Deps, m.BuildInputs.Deps) {
		return fmt.Errorf("%w: deps differ from build input deps", ErrInvalidManifest)
	}
	for _, d := range m.Deps {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("%w: dependency: %v", ErrInvalidManifest, err)
		}
	}
	seen := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		if err := ValidatePayloadPath(f.Path); err != nil {
			return err
		}
		if seen[f.Path] {
			return fmt.Errorf("%w: duplicate file %q", ErrInvalidManifest, f.Path)
		}
		seen[f.Path] = true
		if err := f.Digest.Validate(); err != nil {
			return fmt.Errorf("%w: file %q digest: %v", ErrInvalidManifest, f.Path, err)
		}
	}
	if got := m.ComputedIdentity(); got != m.Identity {
		return fmt.Errorf("%w: identity %s does not match inputs (%s)", ErrInvalidManifest, m.Identity.Short(), got.Short())
	}
	return nil
}

// ValidatePayloadPath rejects absolute paths, traversal and the manifest
// name itself.
func ValidatePayloadPath(p string) error {
	if p == "" || path.IsAbs(p) || path.Clean(p) != p || p == ".." || strings.HasPrefix(p, "../") {
		return fmt.Errorf("%w: unsafe path %q", ErrInvalidManifest, p)
	}
	if p == ManifestFileName {
		return fmt.Errorf("%w: payload may not contain %s", ErrInvalidManifest, ManifestFileName)
	}
	return nil
}

// File returns the entry for p.
func (m *Manifest) File(p string) (FileEntry, bool) {
	for _, f := range m.Files {
		if f.Path == p {
			return f, true
		}
	}
	return FileEntry{}, false
}

// Encode returns the canonical JSON form. Store entries persist exactly
// these bytes so their digest can be compared against an artifact's.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Digest is the digest of Encode().
func (m *Manifest) Digest() (digest.Digest, error) {
	data, err := m.Encode()
	if err != nil {
		return "", err
	}
	return digest.FromBytes(data), nil
}

// DecodeManifest parses and validates a manifest.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ArtifactName returns the artifact name of m.
func (m *Manifest) ArtifactName() ArtifactName {
	return ArtifactName{
		Name:     m.Name,
		Version:  m.Version,
		Release:  m.Release,
		Identity: m.Identity,
		Platform: m.Platform,
		Arch:     m.Arch,
	}
}

// StoreDirName returns the store directory name of m.
func (m *Manifest) StoreDirName() string {
	return m.ArtifactName().StoreDirName()
}
