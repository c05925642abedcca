// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"errors"
	"os"
)

// ErrFileLocked is returned by FileLocker.TryLock when another process
// holds the lock.
var ErrFileLocked = errors.New("file is locked by another process")

// FileLocker abstracts platform-specific advisory file locking.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different files.
type FileLocker interface {
	// TryLock acquires an exclusive lock without blocking. Returns
	// ErrFileLocked if the lock is held elsewhere.
	TryLock(f *os.File) error

	// Unlock releases the lock. Safe to call even if not locked.
	Unlock(f *os.File) error
}

// newFileLocker creates a platform-appropriate FileLocker.
func newFileLocker() FileLocker {
	return newPlatformLocker()
}
