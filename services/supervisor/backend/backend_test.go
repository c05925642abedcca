// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bldr/pkg/retry"
)

func fastOptions(onErr func(error)) Options {
	return Options{
		Retry: retry.Config{
			MaxAttempts:    1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  2,
		},
		OnError: onErr,
	}
}

// collect runs b in the background and returns a channel of snapshots.
func collect(t *testing.T, b Backend) (<-chan Snapshot, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan Snapshot, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, b.Run(ctx, func(s Snapshot) { ch <- s }))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ch, cancel
}

func next(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func assertQuiet(t *testing.T, ch <-chan Snapshot, d time.Duration) {
	t.Helper()
	select {
	case s := <-ch:
		t.Fatalf("unexpected snapshot %v", s.Values)
	case <-time.After(d):
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "static_env", StaticEnv.String())
	assert.Equal(t, "push_watch", PushWatch.String())
	assert.Equal(t, "poll_snapshot", PollSnapshot.String())
}

func TestEnv_EmitsOnceAndReturns(t *testing.T) {
	env := NewEnv("redis", func() []string {
		return []string{"REDIS_PORT=6380", "REDIS_DB__TIMEOUT=5", "OTHER=1"}
	})
	var got []Snapshot
	require.NoError(t, env.Run(context.Background(), func(s Snapshot) { got = append(got, s) }))
	require.Len(t, got, 1)
	assert.Equal(t, map[string]string{"port": "6380", "db.timeout": "5"}, got[0].Values)
	assert.Equal(t, StaticEnv, env.Kind())
}

// scriptedWatcher returns results in order, then blocks.
type scriptedWatcher struct {
	mu      sync.Mutex
	results []watchResult
	closed  atomic.Bool
}

type watchResult struct {
	vals map[string]string
	err  error
}

func (w *scriptedWatcher) Next(ctx context.Context) (map[string]string, error) {
	w.mu.Lock()
	if len(w.results) > 0 {
		r := w.results[0]
		w.results = w.results[1:]
		w.mu.Unlock()
		return r.vals, r.err
	}
	w.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (w *scriptedWatcher) Close() error   { w.closed.Store(true); return nil }
func (w *scriptedWatcher) String() string { return "scripted" }

func TestPush_EmitsChangesAndSurvivesFailures(t *testing.T) {
	w := &scriptedWatcher{results: []watchResult{
		{vals: map[string]string{"timeout": "30"}},
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{vals: map[string]string{"timeout": "30"}},
		{vals: map[string]string{"timeout": "60"}},
	}}
	var errCount atomic.Int32
	b := NewPush(w, fastOptions(func(err error) {
		var bue *BackendUnavailableError
		assert.ErrorAs(t, err, &bue)
		errCount.Add(1)
	}))
	ch, cancel := collect(t, b)

	assert.Equal(t, map[string]string{"timeout": "30"}, next(t, ch).Values)
	assert.Equal(t, map[string]string{"timeout": "60"}, next(t, ch).Values, "unchanged snapshot after recovery is not re-emitted")
	assertQuiet(t, ch, 50*time.Millisecond)
	assert.Equal(t, int32(2), errCount.Load())

	cancel()
	require.Eventually(t, w.closed.Load, time.Second, 5*time.Millisecond)
}

// scriptedFetcher returns results in order, repeating the last.
type scriptedFetcher struct {
	mu      sync.Mutex
	results []watchResult
	calls   int
}

func (f *scriptedFetcher) Fetch(context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i].vals, f.results[i].err
}

func (f *scriptedFetcher) String() string { return "scripted" }

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPoll_EmitsOnlyOnChange(t *testing.T) {
	f := &scriptedFetcher{results: []watchResult{
		{vals: map[string]string{"a": "1"}},
		{vals: map[string]string{"a": "1"}},
		{err: errors.New("503")},
		{vals: map[string]string{"a": "2"}},
	}}
	b := NewPoll(f, 2*time.Millisecond, fastOptions(nil))
	ch, _ := collect(t, b)

	assert.Equal(t, map[string]string{"a": "1"}, next(t, ch).Values)
	assert.Equal(t, map[string]string{"a": "2"}, next(t, ch).Values)
	assertQuiet(t, ch, 30*time.Millisecond)
	assert.Greater(t, f.Calls(), 4)
}

func TestPoll_DefaultInterval(t *testing.T) {
	b := NewPoll(&scriptedFetcher{}, 0, Options{})
	assert.Equal(t, DefaultPollInterval, b.Interval())
	assert.Equal(t, PollSnapshot, b.Kind())
}

func TestFileWatcher_PushesEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeout: 30\n"), 0o644))

	b, err := Select("file://"+path, "redis", 0, fastOptions(nil))
	require.NoError(t, err)
	assert.Equal(t, PushWatch, b.Kind())
	ch, _ := collect(t, b)

	assert.Equal(t, map[string]string{"timeout": "30"}, next(t, ch).Values)

	require.NoError(t, os.WriteFile(path, []byte("timeout: 60\ndb:\n  port: 1\n"), 0o644))
	assert.Equal(t, map[string]string{"timeout": "60", "db.port": "1"}, next(t, ch).Values)

	// Unrelated files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644))
	assertQuiet(t, ch, 150*time.Millisecond)
}

func TestFileWatcher_InvalidYAMLKeepsLastSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeout: 30\n"), 0o644))

	var errCount atomic.Int32
	w, err := NewFileWatcher(path, 10*time.Millisecond)
	require.NoError(t, err)
	ch, _ := collect(t, NewPush(w, fastOptions(func(error) { errCount.Add(1) })))
	next(t, ch)

	require.NoError(t, os.WriteFile(path, []byte("timeout: [\n"), 0o644))
	require.Eventually(t, func() bool { return errCount.Load() > 0 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("timeout: 45\n"), 0o644))
	assert.Equal(t, map[string]string{"timeout": "45"}, next(t, ch).Values)
}

func TestHTTPJSON(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s := int(status.Load()); s != http.StatusOK {
			w.WriteHeader(s)
			return
		}
		w.Write([]byte(`{"port": 6380, "ratio": 0.5, "debug": true, "db": {"hosts": ["a", "b"]}, "none": null}`))
	}))
	defer srv.Close()

	f := NewHTTPJSON(srv.URL)
	got, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"port":       "6380",
		"ratio":      "0.5",
		"debug":      "true",
		"db.hosts.0": "a",
		"db.hosts.1": "b",
		"none":       "",
	}, got)

	status.Store(http.StatusServiceUnavailable)
	_, err = f.Fetch(context.Background())
	var bue *BackendUnavailableError
	assert.ErrorAs(t, err, &bue)
}

func TestFlattenJSON_RejectsNonObject(t *testing.T) {
	_, err := FlattenJSON([]byte(`[1,2]`))
	assert.Error(t, err)
	got, err := FlattenJSON([]byte(`null`))
	require.NoError(t, err)
	assert.Empty(t, got)
}

// fakeConsul serves the KV list endpoint with blocking-query semantics.
type fakeConsul struct {
	mu      sync.Mutex
	index   uint64
	pairs   consulapi.KVPairs
	changed chan struct{}
}

func newFakeConsul(t *testing.T) (*fakeConsul, *httptest.Server) {
	fc := &fakeConsul{index: 1, changed: make(chan struct{})}
	srv := httptest.NewServer(fc)
	t.Cleanup(srv.Close)
	return fc, srv
}

func (fc *fakeConsul) set(pairs ...*consulapi.KVPair) {
	fc.mu.Lock()
	fc.index++
	fc.pairs = pairs
	close(fc.changed)
	fc.changed = make(chan struct{})
	fc.mu.Unlock()
}

func (fc *fakeConsul) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/kv/") {
		http.NotFound(w, r)
		return
	}
	waitIndex, _ := strconv.ParseUint(r.URL.Query().Get("index"), 10, 64)

	fc.mu.Lock()
	idx, changed := fc.index, fc.changed
	fc.mu.Unlock()
	if waitIndex >= idx {
		select {
		case <-changed:
		case <-r.Context().Done():
			return
		case <-time.After(2 * time.Second):
		}
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	prefix := strings.TrimPrefix(r.URL.Path, "/v1/kv/")
	var pairs consulapi.KVPairs
	for _, p := range fc.pairs {
		if strings.HasPrefix(p.Key, prefix) {
			pairs = append(pairs, p)
		}
	}
	w.Header().Set("X-Consul-Index", strconv.FormatUint(fc.index, 10))
	w.Header().Set("X-Consul-LastContact", "0")
	w.Header().Set("X-Consul-KnownLeader", "true")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pairs)
}

func TestConsul_PushWatch(t *testing.T) {
	fc, srv := newFakeConsul(t)
	fc.set(
		&consulapi.KVPair{Key: "bldr/redis/", Value: nil},
		&consulapi.KVPair{Key: "bldr/redis/timeout", Value: []byte("30")},
		&consulapi.KVPair{Key: "bldr/redis/db/port", Value: []byte("6379")},
	)

	b, err := Select("consul://"+strings.TrimPrefix(srv.URL, "http://")+"?wait=1s", "redis", 0, fastOptions(nil))
	require.NoError(t, err)
	assert.Equal(t, PushWatch, b.Kind())
	ch, _ := collect(t, b)

	assert.Equal(t, map[string]string{"timeout": "30", "db.port": "6379"}, next(t, ch).Values)

	fc.set(&consulapi.KVPair{Key: "bldr/redis/timeout", Value: []byte("60")})
	assert.Equal(t, map[string]string{"timeout": "60"}, next(t, ch).Values)
}

func TestConsul_IgnoresSiblingPrefixes(t *testing.T) {
	pairs := consulapi.KVPairs{
		{Key: "bldr/redis/port", Value: []byte("6380")},
		{Key: "bldr/redis-sentinel/port", Value: []byte("26379")},
		{Key: "bldr/redisfoo", Value: []byte("x")},
	}
	c := &ConsulKV{prefix: "bldr/redis"}
	assert.Equal(t, map[string]string{"port": "6380"}, c.convert(pairs))

	fc, srv := newFakeConsul(t)
	fc.set(pairs...)
	b, err := Select("consul://"+strings.TrimPrefix(srv.URL, "http://")+"?mode=poll&interval=5ms", "redis", 0, fastOptions(nil))
	require.NoError(t, err)
	ch, _ := collect(t, b)
	assert.Equal(t, map[string]string{"port": "6380"}, next(t, ch).Values)
}

func TestConsul_PollSnapshot(t *testing.T) {
	fc, srv := newFakeConsul(t)
	fc.set(&consulapi.KVPair{Key: "app/timeout", Value: []byte("30")})

	b, err := Select("consul://"+strings.TrimPrefix(srv.URL, "http://")+"/app?mode=poll&interval=5ms", "redis", 0, fastOptions(nil))
	require.NoError(t, err)
	assert.Equal(t, PollSnapshot, b.Kind())
	ch, _ := collect(t, b)

	assert.Equal(t, map[string]string{"timeout": "30"}, next(t, ch).Values)
	fc.set(&consulapi.KVPair{Key: "app/timeout", Value: []byte("31")})
	assert.Equal(t, map[string]string{"timeout": "31"}, next(t, ch).Values)
}

func TestSelect(t *testing.T) {
	b, err := Select("", "redis", 0, Options{})
	require.NoError(t, err)
	assert.Equal(t, StaticEnv, b.Kind())

	b, err = Select("https://config.example.invalid/redis.json", "redis", time.Minute, Options{})
	require.NoError(t, err)
	require.Equal(t, PollSnapshot, b.Kind())
	assert.Equal(t, time.Minute, b.(*Poll).Interval())

	for _, target := range []string{
		"ftp://example.invalid/x",
		"consul://127.0.0.1:8500/x?mode=bogus",
		"consul://127.0.0.1:8500/x?mode=poll&interval=soon",
		"file://",
	} {
		_, err := Select(target, "redis", 0, Options{})
		assert.ErrorIs(t, err, ErrUnsupportedTarget, target)
	}
}
