// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package render turns package templates into live configuration files.
//
// Templates are text/template with the sprig function map. The data has
// three roots:
//
//	.cfg   effective configuration, by dotted key ({{ .cfg.db.port }})
//	.pkg   name, version, release, ident, path of the active package
//	.svc   name, path, config_path, data_path of the service
//
// A .cfg reference to a key that does not exist renders empty and is
// reported as missing; in strict mode it is an error instead.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/template"
	"text/template/parse"

	"github.com/Masterminds/sprig/v3"

	"github.com/AleutianAI/bldr/pkg/logging"
	"github.com/AleutianAI/bldr/services/supervisor/effective"
)

// ErrMissingKey is wrapped by RenderError in strict mode.
var ErrMissingKey = errors.New("missing config key")

// RenderError reports a template that could not be rendered.
type RenderError struct {
	Template string
	Missing  []string
	Err      error
}

// Error implements the error interface.
func (e *RenderError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("render %s: %v: %s", e.Template, e.Err, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("render %s: %v", e.Template, e.Err)
}

// Unwrap returns the underlying error.
func (e *RenderError) Unwrap() error {
	return e.Err
}

// PkgInfo describes the active package for templates.
type PkgInfo struct {
	Name     string
	Version  string
	Release  string
	Identity string
	Path     string
}

// SvcInfo describes the service for templates.
type SvcInfo struct {
	Name       string
	Path       string
	ConfigPath string
	DataPath   string
}

// Data is everything a template can reference.
type Data struct {
	Cfg *effective.Config
	Pkg PkgInfo
	Svc SvcInfo
}

func (d Data) tree() map[string]interface{} {
	return map[string]interface{}{
		"cfg": d.Cfg.Nested(),
		"pkg": map[string]interface{}{
			"name":    d.Pkg.Name,
			"version": d.Pkg.Version,
			"release": d.Pkg.Release,
			"ident":   d.Pkg.Identity,
			"path":    d.Pkg.Path,
		},
		"svc": map[string]interface{}{
			"name":        d.Svc.Name,
			"path":        d.Svc.Path,
			"config_path": d.Svc.ConfigPath,
			"data_path":   d.Svc.DataPath,
		},
	}
}

// Options configures a Renderer.
type Options struct {
	// Strict turns missing .cfg keys into errors.
	Strict bool

	Logger *slog.Logger
}

// Renderer renders templates. It is safe for concurrent use.
type Renderer struct {
	strict bool
	funcs  template.FuncMap
	logger *slog.Logger
}

// New returns a Renderer.
func New(opts Options) *Renderer {
	return &Renderer{
		strict: opts.Strict,
		funcs:  sprig.TxtFuncMap(),
		logger: logging.OrDefault(opts.Logger).With("component", "renderer"),
	}
}

// Result is one rendered template.
type Result struct {
	Output  string
	Missing []string
}

// Render renders one template.
//
// # Description
//
// Parses text, finds every .cfg reference that the config cannot
// satisfy, and executes the template. Missing keys render as "" and are
// logged, or fail with ErrMissingKey in strict mode. Any other lookup of
// a missing field fails the render.
//
// # Outputs
//
//   - *Result: Output and the missing keys.
//   - error: *RenderError.
func (r *Renderer) Render(name, text string, data Data) (*Result, error) {
	t, err := template.New(name).Funcs(r.funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, &RenderError{Template: name, Err: err}
	}

	missing := missingKeys(t, data.Cfg)
	if len(missing) > 0 {
		if r.strict {
			return nil, &RenderError{Template: name, Missing: missing, Err: ErrMissingKey}
		}
		r.logger.Warn("template references missing config keys, rendering empty",
			"template", name, "keys", strings.Join(missing, ","))
	}

	tree := data.tree()
	cfg := tree["cfg"].(map[string]interface{})
	blocked := make(map[string]bool)
	for _, k := range missing {
		if !fill(cfg, strings.Split(k, ".")) {
			blocked[k] = true
		}
	}
	if len(blocked) > 0 {
		// A scalar sits on the path, so no data can satisfy these.
		blankRefs(t, blocked)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, tree); err != nil {
		return nil, &RenderError{Template: name, Err: err}
	}
	return &Result{Output: buf.String(), Missing: missing}, nil
}

// fill sets an empty string at path. It reports false when a scalar on
// the path is in the way.
func fill(m map[string]interface{}, path []string) bool {
	for _, p := range path[:len(path)-1] {
		switch child := m[p].(type) {
		case map[string]interface{}:
			m = child
		case nil:
			next := make(map[string]interface{})
			m[p] = next
			m = next
		default:
			return false
		}
	}
	if _, ok := m[path[len(path)-1]]; !ok {
		m[path[len(path)-1]] = ""
	}
	return true
}

// blankRefs replaces every reference to a blocked key in t with "".
func blankRefs(t *template.Template, blocked map[string]bool) {
	for _, tt := range t.Templates() {
		if tt.Tree == nil {
			continue
		}
		walkRefs(tt.Tree.Root, true, func(ref string, cmd *parse.CommandNode, i int) {
			if blocked[ref] {
				cmd.Args[i] = blank()
			}
		})
	}
}

// blank returns a "" string node owned by a tree of its own.
func blank() parse.Node {
	t := template.Must(template.New("blank").Parse(`{{ "" }}`))
	return t.Tree.Root.Nodes[0].(*parse.ActionNode).Pipe.Cmds[0].Args[0]
}

// missingKeys walks every template in t and returns the sorted .cfg keys
// the config holds neither as a value nor as a prefix.
func missingKeys(t *template.Template, cfg *effective.Config) []string {
	refs := make(map[string]bool)
	for _, tt := range t.Templates() {
		if tt.Tree != nil {
			walkRefs(tt.Tree.Root, true, func(ref string, _ *parse.CommandNode, _ int) {
				refs[ref] = true
			})
		}
	}
	keys := cfg.Keys()
	var out []string
	for ref := range refs {
		if !present(keys, ref) {
			out = append(out, ref)
		}
	}
	sort.Strings(out)
	return out
}

func present(sorted []string, key string) bool {
	i := sort.SearchStrings(sorted, key)
	if i < len(sorted) && sorted[i] == key {
		return true
	}
	i = sort.SearchStrings(sorted, key+".")
	return i < len(sorted) && strings.HasPrefix(sorted[i], key+".")
}

// cfgRef returns the .cfg key n refers to. dotIsRoot is false inside
// range and with bodies, where only $.cfg still refers to the config.
func cfgRef(n parse.Node, dotIsRoot bool) (string, bool) {
	switch n := n.(type) {
	case *parse.FieldNode:
		if dotIsRoot && len(n.Ident) > 1 && n.Ident[0] == "cfg" {
			return strings.Join(n.Ident[1:], "."), true
		}
	case *parse.VariableNode:
		if len(n.Ident) > 2 && n.Ident[0] == "$" && n.Ident[1] == "cfg" {
			return strings.Join(n.Ident[2:], "."), true
		}
	}
	return "", false
}

// walkRefs calls visit for every .cfg reference under n with the
// command holding it and its argument index.
func walkRefs(n parse.Node, dotIsRoot bool, visit func(ref string, cmd *parse.CommandNode, i int)) {
	switch n := n.(type) {
	case nil:
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, c := range n.Nodes {
			walkRefs(c, dotIsRoot, visit)
		}
	case *parse.ActionNode:
		walkRefs(n.Pipe, dotIsRoot, visit)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, c := range n.Cmds {
			walkRefs(c, dotIsRoot, visit)
		}
	case *parse.CommandNode:
		for i, a := range n.Args {
			if ref, ok := cfgRef(a, dotIsRoot); ok {
				visit(ref, n, i)
				continue
			}
			walkRefs(a, dotIsRoot, visit)
		}
	case *parse.IfNode:
		walkRefs(n.Pipe, dotIsRoot, visit)
		walkRefs(n.List, dotIsRoot, visit)
		walkRefs(n.ElseList, dotIsRoot, visit)
	case *parse.RangeNode:
		walkRefs(n.Pipe, dotIsRoot, visit)
		walkRefs(n.List, false, visit)
		walkRefs(n.ElseList, dotIsRoot, visit)
	case *parse.WithNode:
		walkRefs(n.Pipe, dotIsRoot, visit)
		walkRefs(n.List, false, visit)
		walkRefs(n.ElseList, dotIsRoot, visit)
	case *parse.TemplateNode:
		walkRefs(n.Pipe, dotIsRoot, visit)
	}
}
