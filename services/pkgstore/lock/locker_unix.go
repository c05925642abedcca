// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package lock

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// flockLocker implements FileLocker with flock(2).
//
// Locks are released when the file is closed or the process exits, so a
// crashed installer never leaves a store entry permanently locked.
type flockLocker struct{}

// TryLock uses LOCK_EX|LOCK_NB.
func (flockLocker) TryLock(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EWOULDBLOCK):
			return ErrFileLocked
		default:
			return err
		}
	}
}

// Unlock uses LOCK_UN.
func (flockLocker) Unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

func newPlatformLocker() FileLocker {
	return flockLocker{}
}
