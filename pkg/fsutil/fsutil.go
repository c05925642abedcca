// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fsutil holds the filesystem primitives that every bldr writer
// relies on: atomic symlink repointing, atomic directory replacement,
// atomic file writes and content digests.
//
// Every mutation visible to readers is a single rename(2). Readers either
// observe the old state or the new one, never a partial write.
package fsutil

import (
	_ "crypto/sha256" // registers sha256 for go-digest
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// ErrAtomicSwapFailed indicates a rename-based swap could not complete.
// The previous state is left in place.
var ErrAtomicSwapFailed = errors.New("atomic swap failed")

// SwapSymlink points link at target atomically.
//
// # Description
//
// Creates link+".new" pointing at target, then renames it over link.
// A leftover link+".new" from an interrupted call is removed first.
//
// # Inputs
//
//   - target: Path the link should resolve to. Not required to exist.
//   - link: Path of the symlink to create or replace.
//
// # Outputs
//
//   - error: Wraps ErrAtomicSwapFailed on failure; link is unchanged.
func SwapSymlink(target, link string) error {
	newLink := link + ".new"
	if err := os.Remove(newLink); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove stale %s: %v", ErrAtomicSwapFailed, newLink, err)
	}
	if err := os.Symlink(target, newLink); err != nil {
		return fmt.Errorf("%w: symlink %s: %v", ErrAtomicSwapFailed, newLink, err)
	}
	if err := os.Rename(newLink, link); err != nil {
		os.Remove(newLink)
		return fmt.Errorf("%w: rename %s: %v", ErrAtomicSwapFailed, link, err)
	}
	return nil
}

// ReadLink returns the target of link, or "" with a nil error when link
// does not exist.
func ReadLink(link string) (string, error) {
	target, err := os.Readlink(link)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return target, nil
}

// ReplaceDir moves src into dst.
//
// # Description
//
// When dst already exists it is first renamed to a backup sibling. If the
// final rename fails the backup is restored, otherwise the backup is
// removed. src and dst must be on the same filesystem.
//
// # Outputs
//
//   - error: Wraps ErrAtomicSwapFailed on failure.
func ReplaceDir(src, dst string) error {
	var backup string
	if _, err := os.Lstat(dst); err == nil {
		backup = dst + ".old-" + uuid.NewString()
		if err := os.Rename(dst, backup); err != nil {
			return fmt.Errorf("%w: backup existing: %v", ErrAtomicSwapFailed, err)
		}
	}
	if err := os.Rename(src, dst); err != nil {
		if backup != "" {
			os.Rename(backup, dst)
		}
		return fmt.Errorf("%w: rename: %v", ErrAtomicSwapFailed, err)
	}
	if backup != "" {
		os.RemoveAll(backup)
	}
	return nil
}

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	committed = true
	return nil
}

// DigestFile computes the sha256 digest of a file.
func DigestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return DigestReader(f)
}

// DigestReader computes the sha256 digest of everything r yields.
func DigestReader(r io.Reader) (digest.Digest, error) {
	return digest.SHA256.FromReader(r)
}

// Exists reports whether path exists (without following symlinks).
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
