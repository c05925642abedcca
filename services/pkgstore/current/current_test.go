// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package current

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entries(t *testing.T, n int) []string {
	t.Helper()
	root := t.TempDir()
	out := make([]string, n)
	for i := range out {
		out[i] = filepath.Join(root, "store", string(rune('a'+i)))
		require.NoError(t, os.MkdirAll(out[i], 0o755))
	}
	return out
}

func TestPointer_RepointAndPrevious(t *testing.T) {
	ctx := context.Background()
	p, err := New(t.TempDir(), "redis", nil)
	require.NoError(t, err)
	e := entries(t, 2)

	_, err = p.Resolve()
	assert.ErrorIs(t, err, ErrNoCurrent)

	require.NoError(t, p.RepointTo(ctx, e[0]))
	got, err := p.Resolve()
	require.NoError(t, err)
	assert.Equal(t, e[0], got)
	prev, err := p.Previous()
	require.NoError(t, err)
	assert.Empty(t, prev)

	require.NoError(t, p.RepointTo(ctx, e[1]))
	got, _ = p.Resolve()
	assert.Equal(t, e[1], got)
	prev, _ = p.Previous()
	assert.Equal(t, e[0], prev)

	// Same target keeps previous.
	require.NoError(t, p.RepointTo(ctx, e[1]))
	prev, _ = p.Previous()
	assert.Equal(t, e[0], prev)

	assert.NoFileExists(t, filepath.Join(p.Dir(), "current.new"))
}

func TestPointer_Rollback(t *testing.T) {
	ctx := context.Background()
	p, err := New(t.TempDir(), "redis", nil)
	require.NoError(t, err)
	e := entries(t, 2)

	_, err = p.Rollback(ctx)
	assert.ErrorIs(t, err, ErrNoPrevious)

	require.NoError(t, p.RepointTo(ctx, e[0]))
	require.NoError(t, p.RepointTo(ctx, e[1]))

	got, err := p.Rollback(ctx)
	require.NoError(t, err)
	assert.Equal(t, e[0], got)
	cur, _ := p.Resolve()
	assert.Equal(t, e[0], cur)
	prev, _ := p.Previous()
	assert.Equal(t, e[1], prev)

	got, err = p.Rollback(ctx)
	require.NoError(t, err)
	assert.Equal(t, e[1], got)
}

func TestPointer_ConcurrentRepoint(t *testing.T) {
	ctx := context.Background()
	p, err := New(t.TempDir(), "redis", nil)
	require.NoError(t, err)
	e := entries(t, 4)

	var wg sync.WaitGroup
	for _, dir := range e {
		wg.Add(1)
		go func(dir string) {
			defer wg.Done()
			assert.NoError(t, p.RepointTo(ctx, dir))
		}(dir)
	}
	wg.Wait()

	cur, err := p.Resolve()
	require.NoError(t, err)
	assert.Contains(t, e, cur)
	prev, err := p.Previous()
	require.NoError(t, err)
	assert.Contains(t, e, prev)
	assert.NotEqual(t, cur, prev)
}

func TestPointer_Validation(t *testing.T) {
	_, err := New(t.TempDir(), "a/b", nil)
	assert.Error(t, err)

	p, err := New(t.TempDir(), "redis", nil)
	require.NoError(t, err)
	assert.Error(t, p.RepointTo(context.Background(), "relative/path"))
}
