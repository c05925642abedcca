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
	"errors"
	"fmt"
	"strings"
	"time"
)

// ArtifactExt is the extension of artifact files.
const ArtifactExt = ".bart"

// Delimiter separates the components of artifact and store names.
const Delimiter = "!"

// ErrInvalidArtifactName is returned by ParseArtifactName.
var ErrInvalidArtifactName = errors.New("invalid artifact name")

// ArtifactName is the parsed form of
// name!version!release!identity!platform!arch.bart.
type ArtifactName struct {
	Name     string
	Version  string
	Release  string
	Identity Identity
	Platform string
	Arch     string
}

// String formats the full file name including the extension.
func (n ArtifactName) String() string {
	return strings.Join([]string{
		n.Name, n.Version, n.Release, string(n.Identity), n.Platform, n.Arch,
	}, Delimiter) + ArtifactExt
}

// StoreDirName formats name!version!release!identity.
func (n ArtifactName) StoreDirName() string {
	return strings.Join([]string{n.Name, n.Version, n.Release, string(n.Identity)}, Delimiter)
}

// ParseArtifactName parses a file name produced by ArtifactName.String.
func ParseArtifactName(s string) (ArtifactName, error) {
	base, ok := strings.CutSuffix(s, ArtifactExt)
	if !ok {
		return ArtifactName{}, fmt.Errorf("%w: %q lacks %s", ErrInvalidArtifactName, s, ArtifactExt)
	}
	parts := strings.Split(base, Delimiter)
	if len(parts) != 6 {
		return ArtifactName{}, fmt.Errorf("%w: %q has %d components, want 6", ErrInvalidArtifactName, s, len(parts))
	}
	n, err := parseCommon(s, parts[:4])
	if err != nil {
		return ArtifactName{}, err
	}
	n.Platform, n.Arch = parts[4], parts[5]
	if n.Platform == "" || n.Arch == "" {
		return ArtifactName{}, fmt.Errorf("%w: %q has an empty platform or arch", ErrInvalidArtifactName, s)
	}
	return n, nil
}

// ParseStoreDirName parses name!version!release!identity. Platform and
// Arch are left empty.
func ParseStoreDirName(s string) (ArtifactName, error) {
	parts := strings.Split(s, Delimiter)
	if len(parts) != 4 {
		return ArtifactName{}, fmt.Errorf("%w: %q has %d components, want 4", ErrInvalidArtifactName, s, len(parts))
	}
	return parseCommon(s, parts)
}

func parseCommon(s string, parts []string) (ArtifactName, error) {
	if parts[0] == "" || parts[1] == "" {
		return ArtifactName{}, fmt.Errorf("%w: %q has an empty name or version", ErrInvalidArtifactName, s)
	}
	if _, err := time.Parse(ReleaseLayout, parts[2]); err != nil {
		return ArtifactName{}, fmt.Errorf("%w: %q release: %v", ErrInvalidArtifactName, s, err)
	}
	id, err := ParseIdentity(parts[3])
	if err != nil {
		return ArtifactName{}, fmt.Errorf("%w: %v", ErrInvalidArtifactName, err)
	}
	return ArtifactName{Name: parts[0], Version: parts[1], Release: parts[2], Identity: id}, nil
}
