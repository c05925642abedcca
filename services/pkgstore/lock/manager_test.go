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
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bldr/services/pkgstore"
)

func createTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{Dir: filepath.Join(t.TempDir(), ".locks")})
	require.NoError(t, err)
	return m
}

func TestNewManager(t *testing.T) {
	t.Run("creates lock directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "locks")
		_, err := NewManager(Config{Dir: dir})
		require.NoError(t, err)
		assert.DirExists(t, dir)
	})

	t.Run("rejects empty dir", func(t *testing.T) {
		_, err := NewManager(Config{})
		assert.Error(t, err)
	})
}

func TestManager_AcquireRelease(t *testing.T) {
	m := createTestManager(t)

	unlock, err := m.Acquire(context.Background(), "abc", "extract")
	require.NoError(t, err)

	info, err := m.Holder("abc")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, "extract", info.Reason)

	unlock()
	unlock()

	info, err = m.Holder("abc")
	require.NoError(t, err)
	assert.Nil(t, info)
	assert.Empty(t, m.keys)
}

func TestManager_SameKeySerializes(t *testing.T) {
	m := createTestManager(t)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Acquire(context.Background(), "same", "")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestManager_DifferentKeysParallel(t *testing.T) {
	m := createTestManager(t)

	a, err := m.Acquire(context.Background(), "a", "")
	require.NoError(t, err)
	defer a()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := m.Acquire(ctx, "b", "")
	require.NoError(t, err)
	b()
}

func TestManager_AcquireHonoursContext(t *testing.T) {
	m := createTestManager(t)

	unlock, err := m.Acquire(context.Background(), "busy", "")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "busy", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_CrossDescriptorFlock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	m1, err := NewManager(Config{Dir: dir})
	require.NoError(t, err)
	m2, err := NewManager(Config{Dir: dir, PollInterval: time.Millisecond})
	require.NoError(t, err)

	unlock, err := m1.Acquire(context.Background(), "shared", "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m2.Acquire(ctx, "shared", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := m2.Acquire(context.Background(), "shared", "")
	require.NoError(t, err)
	unlock2()
}

func TestManager_InvalidKey(t *testing.T) {
	m := createTestManager(t)
	for _, key := range []string{"", "..", "a/b"} {
		_, err := m.Acquire(context.Background(), key, "")
		assert.ErrorIs(t, err, pkgstore.ErrLockAcquireFailed, key)
	}
}
