// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package identity computes the content address of a package build.
//
// An Identity is the lowercase hex SHA-256 of a canonical, length-prefixed
// encoding of everything that determines a build's output: package name,
// concrete version, source location, source revision, build flags, build
// script and the Identities of its dependencies. Timestamps never take
// part, so rebuilding identical inputs on another day yields the same
// address.
//
// Everything in this package is pure and safe for concurrent use.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"
	"strings"
)

// domainTag versions the canonical encoding. Changing the encoding
// requires a new tag so old and new Identities can never collide.
const domainTag = "bldr-identity-v1"

// Length of an Identity in hex characters.
const Length = sha256.Size * 2

// ErrInvalidIdentity is returned when a string is not 64 lowercase hex chars.
var ErrInvalidIdentity = errors.New("invalid identity")

// Identity is the content address of one build of a package.
type Identity string

// ParseIdentity validates s as an Identity.
//
// Upper-case hex is rejected rather than folded so that an Identity has
// exactly one textual form.
func ParseIdentity(s string) (Identity, error) {
	if len(s) != Length {
		return "", fmt.Errorf("%w: %q has length %d, want %d", ErrInvalidIdentity, s, len(s), Length)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidIdentity, s, c)
		}
	}
	return Identity(s), nil
}

// MustParse is ParseIdentity for constants in tests and fixtures.
func MustParse(s string) Identity {
	id, err := ParseIdentity(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the hex form.
func (id Identity) String() string { return string(id) }

// Short returns the first 12 characters for log output.
func (id Identity) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}

// Validate reports whether id is well-formed.
func (id Identity) Validate() error {
	_, err := ParseIdentity(string(id))
	return err
}

// Compare orders Identities by their bytes. Because the hex alphabet is
// ordered like the nibbles it encodes, this equals comparing the raw
// digests. Returns -1, 0 or +1.
func (id Identity) Compare(other Identity) int {
	return strings.Compare(string(id), string(other))
}

// =============================================================================
// Build inputs
// =============================================================================

// PackageSpec names what a user asked for. Version may be an exact
// version ("3.0.0") or a constraint (">= 3.0, < 4").
type PackageSpec struct {
	Name       string `json:"name"`
	Version    string `json:"version,omitempty"`
	Derivation string `json:"derivation,omitempty"`
	Platform   string `json:"platform,omitempty"`
	Arch       string `json:"arch,omitempty"`
}

// Flag is a single build flag. Flags keep their declaration order in
// BuildInputs but are sorted for hashing.
type Flag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// BuildInputs is everything besides name and version that determines a
// build's output.
type BuildInputs struct {
	Source   string     `json:"source"`
	Revision string     `json:"revision"`
	Flags    []Flag     `json:"flags,omitempty"`
	Script   string     `json:"script"`
	Deps     []Identity `json:"deps,omitempty"`
}

// SortedDeps returns a sorted copy of the dependency Identities.
func (in BuildInputs) SortedDeps() []Identity {
	deps := append([]Identity(nil), in.Deps...)
	sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
	return deps
}

// SortedFlags returns a copy of the flags sorted by key, then value.
func (in BuildInputs) SortedFlags() []Flag {
	flags := append([]Flag(nil), in.Flags...)
	sort.Slice(flags, func(i, j int) bool {
		if flags[i].Key != flags[j].Key {
			return flags[i].Key < flags[j].Key
		}
		return flags[i].Value < flags[j].Value
	})
	return flags
}

// ComputeIdentity returns the Identity of building spec.Name at version
// from in.
//
// # Description
//
// Writes the domain tag and then each field, every one prefixed with its
// 8-byte big-endian length, into SHA-256. Flags are sorted by key then
// value and dependencies are sorted, so neither declaration order affects
// the result. A count precedes each list so that moving a value between
// adjacent fields always changes the encoding.
//
// # Inputs
//
//   - spec: Only Name is hashed. Version constraints and selectors are
//     not part of a build.
//   - version: The concrete version being built.
//   - in: Build inputs.
//
// # Outputs
//
//   - Identity: 64 lowercase hex characters.
//
// # Thread Safety
//
// Pure function.
func ComputeIdentity(spec PackageSpec, version string, in BuildInputs) Identity {
	h := sha256.New()
	enc := encoder{h: h}

	enc.field(domainTag)
	enc.field(spec.Name)
	enc.field(version)
	enc.field(in.Source)
	enc.field(in.Revision)

	flags := in.SortedFlags()
	enc.count(len(flags))
	for _, f := range flags {
		enc.field(f.Key)
		enc.field(f.Value)
	}

	enc.field(in.Script)

	deps := in.SortedDeps()
	enc.count(len(deps))
	for _, d := range deps {
		enc.field(string(d))
	}

	return Identity(hex.EncodeToString(h.Sum(nil)))
}

// encoder writes length-prefixed fields into a hash.
type encoder struct {
	h   hash.Hash
	buf [8]byte
}

func (e *encoder) count(n int) {
	binary.BigEndian.PutUint64(e.buf[:], uint64(n))
	e.h.Write(e.buf[:])
}

func (e *encoder) field(s string) {
	e.count(len(s))
	e.h.Write([]byte(s))
}

// EqualSets reports whether a and b hold the same Identities ignoring order.
func EqualSets(a, b []Identity) bool {
	if len(a) != len(b) {
		return false
	}
	sa := BuildInputs{Deps: a}.SortedDeps()
	sb := BuildInputs{Deps: b}.SortedDeps()
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// Join formats ids as "a -> b -> c" using short forms.
func Join(ids []Identity) string {
	var b bytes.Buffer
	for i, id := range ids {
		if i > 0 {
			b.WriteString(" -> ")
		}
		b.WriteString(id.Short())
	}
	return b.String()
}
