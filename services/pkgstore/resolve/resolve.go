// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolve turns a package request into an ordered dependency
// closure.
//
// Every dependency reference in a manifest is already a full Identity, so
// resolution is a depth-first walk rather than a constraint search. The
// first conflict found is reported; there is no backtracking.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/AleutianAI/bldr/pkg/logging"
	"github.com/AleutianAI/bldr/services/pkgstore"
	"github.com/AleutianAI/bldr/services/pkgstore/identity"
)

// DefaultMaxDepth bounds the dependency walk when Options.MaxDepth is 0.
const DefaultMaxDepth = 64

// ErrMaxDepthExceeded is returned when the closure is deeper than
// Options.MaxDepth.
var ErrMaxDepthExceeded = errors.New("dependency depth limit exceeded")

// Pin fixes the build used for a package name wherever it appears in the
// closure. Identity takes precedence over Version.
type Pin struct {
	Version  string
	Identity identity.Identity
}

// Options tunes Resolve.
type Options struct {
	// Pins override every reference to the named packages.
	Pins map[string]Pin

	// MaxDepth bounds the walk. Default: DefaultMaxDepth.
	MaxDepth int

	Logger *slog.Logger
}

// Plan is a resolved closure.
type Plan struct {
	Root *identity.Manifest

	// Order lists every package in the closure with dependencies before
	// their dependents. The root is last.
	Order []*identity.Manifest

	// Deps maps each Identity to the resolved identities it depends on,
	// after pins are applied.
	Deps map[identity.Identity][]identity.Identity
}

// Identities returns the Identity of every package in Order.
func (p *Plan) Identities() []identity.Identity {
	out := make([]identity.Identity, len(p.Order))
	for i, m := range p.Order {
		out[i] = m.Identity
	}
	return out
}

// Levels groups Order so that every package appears in a later level than
// all of its dependencies. Packages within a level are independent.
func (p *Plan) Levels() [][]*identity.Manifest {
	level := make(map[identity.Identity]int, len(p.Order))
	var out [][]*identity.Manifest
	for _, m := range p.Order {
		l := 0
		for _, d := range p.Deps[m.Identity] {
			if dl := level[d] + 1; dl > l {
				l = dl
			}
		}
		level[m.Identity] = l
		for len(out) <= l {
			out = append(out, nil)
		}
		out[l] = append(out[l], m)
	}
	return out
}

// Resolve computes the dependency closure for spec.
//
// # Description
//
// The root is the newest candidate named spec.Name that satisfies the
// version constraint, platform, arch and derivation (a pin on the root
// name replaces this selection). Dependencies are then walked depth
// first in Identity order. Resolve performs no writes.
//
// # Inputs
//
//   - ctx: Cancellation for catalog lookups.
//   - spec: The request. Version is a constraint such as "3.0.0" or
//     ">= 3.0, < 4"; empty fields match anything.
//   - catalog: Available packages.
//   - opts: Pins and limits.
//
// # Outputs
//
//   - *Plan: Closure ordered leaves first.
//   - error: pkgstore.ErrNotFound when no root matches,
//     pkgstore.ErrMissingDependency, *pkgstore.CyclicDependencyError,
//     *pkgstore.UnsatisfiableError or ErrMaxDepthExceeded.
func Resolve(ctx context.Context, spec identity.PackageSpec, catalog Catalog, opts Options) (*Plan, error) {
	if spec.Name == "" {
		return nil, errors.New("package name must not be empty")
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	w := &walker{
		ctx:      ctx,
		catalog:  catalog,
		opts:     opts,
		spec:     spec,
		logger:   logging.OrDefault(opts.Logger),
		chosen:   make(map[string]*identity.Manifest),
		parent:   make(map[identity.Identity]identity.Identity),
		onPath:   make(map[identity.Identity]int),
		done:     make(map[identity.Identity]bool),
		pinned:   make(map[string]*identity.Manifest),
		deps:     make(map[identity.Identity][]identity.Identity),
		pathName: make(map[identity.Identity]string),
	}

	var (
		root *identity.Manifest
		err  error
	)
	if _, ok := opts.Pins[spec.Name]; ok {
		root, err = w.pin(spec.Name)
	} else {
		root, err = w.selectBuild(spec.Name, spec.Version, "", spec.Derivation)
	}
	if err != nil {
		return nil, err
	}

	if err := w.visit(root, "", 0); err != nil {
		return nil, err
	}
	w.logger.Debug("resolved closure",
		"package", spec.Name, "root", root.Identity.Short(), "size", len(w.order))
	return &Plan{Root: root, Order: w.order, Deps: w.deps}, nil
}

type walker struct {
	ctx     context.Context
	catalog Catalog
	opts    Options
	spec    identity.PackageSpec
	logger  *slog.Logger

	chosen   map[string]*identity.Manifest
	parent   map[identity.Identity]identity.Identity
	onPath   map[identity.Identity]int
	path     []identity.Identity
	pathName map[identity.Identity]string
	done     map[identity.Identity]bool
	pinned   map[string]*identity.Manifest
	deps     map[identity.Identity][]identity.Identity
	order    []*identity.Manifest
}

func (w *walker) visit(m *identity.Manifest, parent identity.Identity, depth int) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	if depth > w.opts.MaxDepth {
		return fmt.Errorf("%w: %d at %s", ErrMaxDepthExceeded, w.opts.MaxDepth, m.Name)
	}
	if i, ok := w.onPath[m.Identity]; ok {
		cycle := append(append([]identity.Identity{}, w.path[i:]...), m.Identity)
		names := make([]string, len(cycle))
		for j, id := range cycle {
			names[j] = w.pathName[id]
		}
		return &pkgstore.CyclicDependencyError{Path: cycle, Names: names}
	}
	if w.done[m.Identity] {
		return nil
	}
	if prev, ok := w.chosen[m.Name]; ok && prev.Identity != m.Identity {
		return &pkgstore.UnsatisfiableError{
			Name:        m.Name,
			Identities:  []identity.Identity{prev.Identity, m.Identity},
			RequiredBy:  w.requirers(prev.Identity, parent),
			Description: "pin a version or identity for " + m.Name + " to choose one",
		}
	}
	w.chosen[m.Name] = m
	w.parent[m.Identity] = parent
	w.pathName[m.Identity] = m.Name

	w.onPath[m.Identity] = len(w.path)
	w.path = append(w.path, m.Identity)

	resolved := make([]identity.Identity, 0, len(m.BuildInputs.Deps))
	for _, dep := range m.BuildInputs.SortedDeps() {
		dm, err := w.dependency(dep, m)
		if err != nil {
			return err
		}
		if err := w.visit(dm, m.Identity, depth+1); err != nil {
			return err
		}
		resolved = append(resolved, dm.Identity)
	}

	w.path = w.path[:len(w.path)-1]
	delete(w.onPath, m.Identity)
	w.done[m.Identity] = true
	w.deps[m.Identity] = resolved
	w.order = append(w.order, m)
	return nil
}

// requirers returns the dependents of the two conflicting builds.
func (w *walker) requirers(first, second identity.Identity) []identity.Identity {
	var out []identity.Identity
	if p := w.parent[first]; p != "" {
		out = append(out, p)
	}
	if second != "" {
		out = append(out, second)
	}
	return out
}

// dependency loads dep and applies any pin on its name.
func (w *walker) dependency(dep identity.Identity, from *identity.Manifest) (*identity.Manifest, error) {
	dm, err := w.catalog.Manifest(w.ctx, dep)
	if err != nil {
		if errors.Is(err, pkgstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s required by %s (%s)",
				pkgstore.ErrMissingDependency, dep.Short(), from.Name, from.Identity.Short())
		}
		return nil, err
	}
	if dm.Identity != dep {
		return nil, &pkgstore.IntegrityError{Identity: dep, Want: dep.String(), Got: dm.Identity.String()}
	}
	if _, ok := w.opts.Pins[dm.Name]; ok {
		return w.pin(dm.Name)
	}
	return dm, nil
}

// pin resolves the pinned build for name once.
func (w *walker) pin(name string) (*identity.Manifest, error) {
	if m, ok := w.pinned[name]; ok {
		return m, nil
	}
	p := w.opts.Pins[name]
	derivation := ""
	if name == w.spec.Name {
		derivation = w.spec.Derivation
	}
	m, err := w.selectBuild(name, p.Version, p.Identity, derivation)
	if err != nil {
		return nil, err
	}
	w.pinned[name] = m
	return m, nil
}

// selectBuild picks the newest build of name matching the filters.
func (w *walker) selectBuild(name, constraint string, id identity.Identity, derivation string) (*identity.Manifest, error) {
	match := versionMatcher(constraint)
	query := describe(name, constraint, id, derivation, w.spec.Platform, w.spec.Arch)

	if id != "" {
		m, err := w.catalog.Manifest(w.ctx, id)
		if err != nil {
			if errors.Is(err, pkgstore.ErrNotFound) {
				return nil, &pkgstore.NotFoundError{Query: query}
			}
			return nil, err
		}
		if m.Name != name || !match(m.Version) {
			return nil, &pkgstore.NotFoundError{Query: query}
		}
		return m, nil
	}

	cands, err := w.catalog.Candidates(w.ctx, name)
	if err != nil {
		return nil, err
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Release != cands[j].Release {
			return cands[i].Release > cands[j].Release
		}
		return cands[i].Identity.Compare(cands[j].Identity) > 0
	})
	for _, c := range cands {
		if c.Name != name || !match(c.Version) {
			continue
		}
		if w.spec.Platform != "" && c.Platform != w.spec.Platform {
			continue
		}
		if w.spec.Arch != "" && c.Arch != w.spec.Arch {
			continue
		}
		m, err := w.catalog.Manifest(w.ctx, c.Identity)
		if err != nil {
			if errors.Is(err, pkgstore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if derivation != "" && m.Derivation != derivation {
			continue
		}
		return m, nil
	}
	return nil, &pkgstore.NotFoundError{Query: query}
}

// versionMatcher returns a predicate for constraint. Constraints that
// go-version cannot parse, and versions it cannot parse, fall back to
// exact string comparison.
func versionMatcher(constraint string) func(string) bool {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" {
		return func(string) bool { return true }
	}
	cs, err := version.NewConstraint(constraint)
	if err != nil {
		return func(v string) bool { return v == constraint }
	}
	return func(v string) bool {
		if v == constraint {
			return true
		}
		ver, err := version.NewVersion(v)
		if err != nil {
			return false
		}
		return cs.Check(ver)
	}
}

func describe(name, constraint string, id identity.Identity, derivation, platform, arch string) string {
	parts := []string{name}
	if constraint != "" {
		parts = append(parts, "version "+constraint)
	}
	if id != "" {
		parts = append(parts, "identity "+id.Short())
	}
	if derivation != "" {
		parts = append(parts, "derivation "+derivation)
	}
	if platform != "" || arch != "" {
		parts = append(parts, platform+"/"+arch)
	}
	return strings.Join(parts, " ")
}
