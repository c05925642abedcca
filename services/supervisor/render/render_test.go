// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package render

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bldr/pkg/logging"
	"github.com/AleutianAI/bldr/services/supervisor/effective"
)

func testData(cfg map[string]string) Data {
	return Data{
		Cfg: effective.New(cfg),
		Pkg: PkgInfo{Name: "redis", Version: "3.0.7", Release: "20240102030405", Identity: "abc", Path: "/store/redis"},
		Svc: SvcInfo{Name: "redis", Path: "/srvc/redis", ConfigPath: "/srvc/redis/config", DataPath: "/srvc/redis/data"},
	}
}

func quiet(strict bool) *Renderer {
	return New(Options{Strict: strict, Logger: logging.Discard().Slog()})
}

func TestRender(t *testing.T) {
	cfg := map[string]string{"port": "6379", "db.host": "db1", "db.port": "5432", "servers.0": "a", "servers.1": "b"}

	tests := []struct {
		name    string
		tmpl    string
		want    string
		missing []string
	}{
		{"plain", "port {{ .cfg.port }}", "port 6379", nil},
		{"nested", "{{ .cfg.db.host }}:{{ .cfg.db.port }}", "db1:5432", nil},
		{"sprig", "{{ .pkg.name | upper }} {{ .cfg.port | add 1 }}", "REDIS 6380", nil},
		{"pkg and svc", "{{ .pkg.ident }} {{ .svc.data_path }}", "abc /srvc/redis/data", nil},
		{"missing renders empty", "a={{ .cfg.nope }}|", "a=|", []string{"nope"}},
		{"missing with default", `{{ .cfg.timeout | default "30" }}`, "30", []string{"timeout"}},
		{"missing nested under existing", "{{ .cfg.db.pass }}!", "!", []string{"db.pass"}},
		{"if on missing", "{{ if .cfg.tls }}tls{{ else }}plain{{ end }}", "plain", []string{"tls"}},
		{"range over list", "{{ range .cfg.servers }}{{ . }},{{ end }}", "a,b,", nil},
		{"with body is not cfg", "{{ with .cfg.db }}{{ .host }}{{ end }}", "db1", nil},
		{"root var inside with", "{{ with .cfg.db }}{{ .host }}-{{ $.cfg.user }}{{ end }}", "db1-", []string{"user"}},
	}
	r := quiet(false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Render(tt.name, tt.tmpl, testData(cfg))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Output)
			assert.Equal(t, tt.missing, res.Missing)
		})
	}
}

func TestRender_ScalarInTheWay(t *testing.T) {
	cfg := map[string]string{"db": "local"}
	tmpl := `host={{ .cfg.db.host }}|{{ .cfg.db.host | default "h" }}|{{ .cfg.db }}`

	res, err := quiet(false).Render("app.conf", tmpl, testData(cfg))
	require.NoError(t, err)
	assert.Equal(t, "host=|h|local", res.Output)
	assert.Equal(t, []string{"db.host"}, res.Missing)

	_, err = quiet(true).Render("app.conf", tmpl, testData(cfg))
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestRender_Strict(t *testing.T) {
	_, err := quiet(true).Render("app.conf", "{{ .cfg.a }} {{ .cfg.b }}", testData(map[string]string{"a": "1"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingKey))

	var re *RenderError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "app.conf", re.Template)
	assert.Equal(t, []string{"b"}, re.Missing)

	res, err := quiet(true).Render("app.conf", "{{ .cfg.a }}", testData(map[string]string{"a": "1"}))
	require.NoError(t, err)
	assert.Equal(t, "1", res.Output)
}

func TestRender_Errors(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
	}{
		{"malformed", "{{ .cfg.port "},
		{"unknown function", "{{ nosuchfunc }}"},
		{"unknown pkg field", "{{ .pkg.bogus }}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := quiet(false).Render("t", tt.tmpl, testData(nil))
			var re *RenderError
			require.True(t, errors.As(err, &re), "got %v", err)
			assert.Equal(t, "t", re.Template)
		})
	}
}

func TestRender_NilConfig(t *testing.T) {
	res, err := quiet(false).Render("t", "x{{ .cfg.a }}", Data{})
	require.NoError(t, err)
	assert.Equal(t, "x", res.Output)
	assert.Equal(t, []string{"a"}, res.Missing)
}

// ============================================================================
// RenderSet
// ============================================================================

type setFixture struct {
	pkg string
	svc string
}

func newSetFixture(t *testing.T, templates map[string]string) *setFixture {
	t.Helper()
	root := t.TempDir()
	f := &setFixture{pkg: filepath.Join(root, "store", "redis"), svc: filepath.Join(root, "srvc", "redis")}
	require.NoError(t, os.MkdirAll(f.svc, 0o755))
	for rel, text := range templates {
		f.write(t, rel, text)
	}
	return f
}

func (f *setFixture) write(t *testing.T, rel, text string) {
	t.Helper()
	p := filepath.Join(f.pkg, TemplatesDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(text), 0o640))
}

func (f *setFixture) data(cfg map[string]string) Data {
	d := testData(cfg)
	d.Pkg.Path = f.pkg
	d.Svc.Path = f.svc
	d.Svc.ConfigPath = filepath.Join(f.svc, ConfigLink)
	return d
}

func (f *setFixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.svc, ConfigLink, rel))
	require.NoError(t, err)
	return string(data)
}

func (f *setFixture) generations(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(f.svc, GenerationsDir))
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func TestRenderSet_WritesAndSwaps(t *testing.T) {
	f := newSetFixture(t, map[string]string{
		"redis.conf":   "port {{ .cfg.port }}\n",
		"sub/acl.conf": "user {{ .cfg.user | default \"default\" }}\n",
	})
	r := quiet(false)
	ctx := context.Background()

	gen, err := r.RenderSet(ctx, f.data(map[string]string{"port": "6379"}))
	require.NoError(t, err)
	assert.True(t, gen.Changed)
	assert.Equal(t, 1, gen.N)
	assert.Equal(t, []string{"redis.conf", "sub/acl.conf"}, gen.Files)
	assert.Equal(t, []string{"user"}, gen.Missing)
	assert.Equal(t, gen.Dir, Live(f.svc))

	assert.Equal(t, "port 6379\n", f.read(t, "redis.conf"))
	assert.Equal(t, "user default\n", f.read(t, "sub/acl.conf"))

	info, err := os.Stat(filepath.Join(gen.Dir, "redis.conf"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	// Same output: nothing new is written.
	again, err := r.RenderSet(ctx, f.data(map[string]string{"port": "6379"}))
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, 1, again.N)
	assert.Equal(t, []string{"1"}, f.generations(t))

	changed, err := r.RenderSet(ctx, f.data(map[string]string{"port": "6380"}))
	require.NoError(t, err)
	assert.True(t, changed.Changed)
	assert.Equal(t, 2, changed.N)
	assert.Equal(t, "port 6380\n", f.read(t, "redis.conf"))
}

func TestRenderSet_FailureKeepsOldFiles(t *testing.T) {
	f := newSetFixture(t, map[string]string{"redis.conf": "port {{ .cfg.port }}\n"})
	r := quiet(false)
	ctx := context.Background()

	first, err := r.RenderSet(ctx, f.data(map[string]string{"port": "6379"}))
	require.NoError(t, err)
	before, err := os.ReadFile(filepath.Join(first.Dir, "redis.conf"))
	require.NoError(t, err)

	f.write(t, "broken.conf", "{{ .cfg.port ")
	_, err = r.RenderSet(ctx, f.data(map[string]string{"port": "7000"}))
	var re *RenderError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "broken.conf", re.Template)

	assert.Equal(t, first.Dir, Live(f.svc))
	after, err := os.ReadFile(filepath.Join(f.svc, ConfigLink, "redis.conf"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []string{"1"}, f.generations(t))
}

func TestRenderSet_AggregatesFailures(t *testing.T) {
	f := newSetFixture(t, map[string]string{
		"a.conf":  "{{ .cfg.x ",
		"b.conf":  "{{ .pkg.bogus }}",
		"ok.conf": "fine",
	})
	_, err := quiet(false).RenderSet(context.Background(), f.data(nil))
	var merr *multierror.Error
	require.True(t, errors.As(err, &merr), "got %v", err)
	assert.Len(t, merr.Errors, 2)
	assert.Empty(t, Live(f.svc))
	_, statErr := os.Stat(filepath.Join(f.svc, GenerationsDir))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRenderSet_StrictMissingKey(t *testing.T) {
	f := newSetFixture(t, map[string]string{"a.conf": "{{ .cfg.needed }}"})
	_, err := quiet(true).RenderSet(context.Background(), f.data(nil))
	assert.True(t, errors.Is(err, ErrMissingKey))
	assert.Empty(t, Live(f.svc))
}

func TestRenderSet_PrunesOldGenerations(t *testing.T) {
	f := newSetFixture(t, map[string]string{"redis.conf": "port {{ .cfg.port }}"})
	r := quiet(false)
	for _, port := range []string{"1", "2", "3", "4"} {
		_, err := r.RenderSet(context.Background(), f.data(map[string]string{"port": port}))
		require.NoError(t, err)
	}
	assert.ElementsMatch(t, []string{"3", "4"}, f.generations(t))
	assert.Equal(t, "port 4", f.read(t, "redis.conf"))
}

func TestRenderSet_CancelledBeforeWrite(t *testing.T) {
	f := newSetFixture(t, map[string]string{"redis.conf": "x"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := quiet(false).RenderSet(ctx, f.data(nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, Live(f.svc))
}

func TestRenderSet_RequiresPaths(t *testing.T) {
	_, err := quiet(false).RenderSet(context.Background(), Data{})
	assert.Error(t, err)
}
