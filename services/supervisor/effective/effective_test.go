// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package effective

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenYAML(t *testing.T) {
	got, err := FlattenYAML([]byte(`
port: 6379
timeout: 30
version: 1.10
empty:
db:
  host: localhost
  pool:
    size: 5
servers:
  - host: a
  - host: b
tags: [x, y]
base: &base
  level: info
log: *base
`))
	require.NoError(t, err)

	want := map[string]string{
		"port":           "6379",
		"timeout":        "30",
		"version":        "1.10",
		"empty":          "",
		"db.host":        "localhost",
		"db.pool.size":   "5",
		"servers.0.host": "a",
		"servers.1.host": "b",
		"tags.0":         "x",
		"tags.1":         "y",
		"base.level":     "info",
		"log.level":      "info",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FlattenYAML mismatch (-want +got):\n%s", diff)
	}
}

func TestFlattenYAML_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"top level sequence", "- a\n- b\n"},
		{"dotted key", "a.b: 1\n"},
		{"malformed", "a: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FlattenYAML([]byte(tt.in))
			assert.ErrorIs(t, err, ErrInvalidDefaults)
		})
	}

	got, err := FlattenYAML([]byte("  \n"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadDefaults_MissingFile(t *testing.T) {
	got, err := LoadDefaults(filepath.Join(t.TempDir(), "default.yaml"))
	require.NoError(t, err)
	assert.Empty(t, got)

	path := filepath.Join(t.TempDir(), "default.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 1\n"), 0o644))
	got, err = LoadDefaults(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"port": "1"}, got)
}

func TestMerge_OverridesWin(t *testing.T) {
	defaults := map[string]string{"port": "6379", "timeout": "30", "db.host": "localhost"}
	overrides := map[string]string{"port": "6380", "extra": "1"}

	c := Merge(defaults, overrides)
	assert.Equal(t, []string{"db.host", "extra", "port", "timeout"}, c.Keys())
	v, ok := c.Get("port")
	assert.True(t, ok)
	assert.Equal(t, "6380", v)
	v, _ = c.Get("timeout")
	assert.Equal(t, "30", v)

	// Inputs are not aliased.
	defaults["timeout"] = "99"
	v, _ = c.Get("timeout")
	assert.Equal(t, "30", v)
}

func TestConfig_EqualAndDigest(t *testing.T) {
	a := New(map[string]string{"a": "1", "b": "2"})
	b := Merge(map[string]string{"b": "2"}, map[string]string{"a": "1"})
	c := New(map[string]string{"a": "1", "b": "3"})
	d := New(map[string]string{"a": "1", "b": "2", "c": ""})

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Digest(), b.Digest())
	assert.False(t, a.Equal(c))
	assert.NotEqual(t, a.Digest(), c.Digest())
	assert.False(t, a.Equal(d))

	var nilCfg *Config
	assert.True(t, nilCfg.Equal(New(nil)))
}

func TestConfig_Nested(t *testing.T) {
	c := New(map[string]string{"port": "1", "db.host": "h", "db.port": "2", "db": "shadowed"})
	want := map[string]interface{}{
		"port": "1",
		"db":   map[string]interface{}{"host": "h", "port": "2"},
	}
	if diff := cmp.Diff(want, c.Nested()); diff != "" {
		t.Errorf("Nested mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvOverrides(t *testing.T) {
	environ := []string{
		"REDIS_PORT=6380",
		"REDIS_DB__MAX_CONN=5",
		"REDIS_=ignored",
		"REDISX_PORT=1",
		"PATH=/usr/bin",
		"MY_APP_LOG__LEVEL=debug",
		"REDIS_EMPTY=",
	}
	assert.Equal(t, map[string]string{
		"port":        "6380",
		"db.max_conn": "5",
		"empty":       "",
	}, EnvOverrides("redis", environ))

	assert.Equal(t, map[string]string{"log.level": "debug"}, EnvOverrides("my-app", environ))
	assert.Equal(t, "MY_APP_", EnvPrefix("my-app"))
}
