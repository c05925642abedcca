// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pkgstore holds the error vocabulary shared by the package
// cache, store, resolver and installer. The implementations live in the
// sub-packages.
package pkgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/bldr/services/pkgstore/identity"
)

// Sentinel errors.
var (
	// Lookup errors
	ErrNotFound          = errors.New("package not found")
	ErrMissingDependency = errors.New("dependency not found")

	// Lock errors
	ErrLockAcquireFailed = errors.New("failed to acquire lock")
)

// IntegrityError reports artifact bytes that do not match the Identity
// they were requested under, or a payload file whose digest differs from
// its manifest entry.
type IntegrityError struct {
	Identity identity.Identity
	Path     string // payload file, empty for archive-level failures
	Want     string
	Got      string
	Err      error
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "integrity check failed for %s", e.Identity.Short())
	if e.Path != "" {
		fmt.Fprintf(&b, " file %s", e.Path)
	}
	if e.Want != "" || e.Got != "" {
		fmt.Fprintf(&b, ": want %s, got %s", e.Want, e.Got)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// ExtractionError wraps a failure to materialize a store entry. Existing
// entries are never modified when it is returned.
type ExtractionError struct {
	Identity identity.Identity
	Op       string
	Err      error
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %s: %v", e.Identity.Short(), e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// CyclicDependencyError reports a dependency cycle. Path starts and ends
// with the same Identity.
type CyclicDependencyError struct {
	Path  []identity.Identity
	Names []string
}

// Error implements the error interface.
func (e *CyclicDependencyError) Error() string {
	if len(e.Names) == len(e.Path) && len(e.Names) > 0 {
		return "dependency cycle: " + strings.Join(e.Names, " -> ")
	}
	return "dependency cycle: " + identity.Join(e.Path)
}

// UnsatisfiableError reports two different builds of one package in the
// same dependency closure.
type UnsatisfiableError struct {
	Name        string
	Identities  []identity.Identity
	RequiredBy  []identity.Identity
	Description string
}

// Error implements the error interface.
func (e *UnsatisfiableError) Error() string {
	msg := fmt.Sprintf("unsatisfiable: package %s required as %s", e.Name, identity.Join(e.Identities))
	if len(e.RequiredBy) > 0 {
		msg += " by " + identity.Join(e.RequiredBy)
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

// NotFoundError wraps ErrNotFound with the query that failed.
type NotFoundError struct {
	Query string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%v: %s", ErrNotFound, e.Query)
}

// Unwrap returns ErrNotFound.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// CanceledElsewhere reports whether err is a cancellation that did not
// come from ctx. Callers sharing work through singleflight use it to
// retry when the leading caller was canceled but they were not.
// Deadlines are not matched since per-attempt timeouts surface as
// context.DeadlineExceeded too.
func CanceledElsewhere(ctx context.Context, err error) bool {
	return ctx.Err() == nil && errors.Is(err, context.Canceled)
}
