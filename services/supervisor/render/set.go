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
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/hashicorp/go-multierror"

	"github.com/AleutianAI/bldr/pkg/fsutil"
)

const (
	// TemplatesDir is the template directory inside a store entry.
	TemplatesDir = "config"

	// ConfigLink is the live config symlink in the service directory.
	ConfigLink = "config"

	// GenerationsDir holds rendered generations in the service directory.
	GenerationsDir = "config.gen"

	keepGenerations = 2
)

// Generation is one rendered configuration set.
type Generation struct {
	N       int
	Dir     string
	Files   []string
	Missing []string

	// Changed is false when the output matched the live generation and no
	// new generation was written.
	Changed bool
}

// RenderSet renders every template of the active package and swaps the
// live config directory to the result.
//
// # Description
//
// Templates are all regular files under <data.Pkg.Path>/config. Every
// template is rendered in memory first; if any fails, nothing on disk is
// touched and the errors are returned together. Otherwise the outputs are
// written to config.gen/<n> and the config symlink is renamed onto it.
// When the outputs equal the live generation, no generation is written.
// Generations beyond the live one and its predecessor are pruned.
//
// # Inputs
//
//   - ctx: Checked before any write.
//   - data: Template data. data.Svc.Path is the service directory.
//
// # Outputs
//
//   - *Generation: The live generation after the call.
//   - error: *RenderError, or a *multierror.Error of them, or an I/O error.
//     The previous generation is live on error.
func (r *Renderer) RenderSet(ctx context.Context, data Data) (*Generation, error) {
	if data.Svc.Path == "" || data.Pkg.Path == "" {
		return nil, fmt.Errorf("render set: service and package paths are required")
	}
	tmplDir := filepath.Join(data.Pkg.Path, TemplatesDir)
	templates, err := listTemplates(tmplDir)
	if err != nil {
		return nil, err
	}

	outputs := make(map[string][]byte, len(templates))
	modes := make(map[string]fs.FileMode, len(templates))
	missing := map[string]bool{}
	var merr *multierror.Error
	for _, rel := range templates {
		src := filepath.Join(tmplDir, rel)
		text, err := os.ReadFile(src)
		if err != nil {
			merr = multierror.Append(merr, &RenderError{Template: rel, Err: err})
			continue
		}
		res, err := r.Render(rel, string(text), data)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		info, err := os.Stat(src)
		if err != nil {
			merr = multierror.Append(merr, &RenderError{Template: rel, Err: err})
			continue
		}
		outputs[rel] = []byte(res.Output)
		modes[rel] = info.Mode().Perm()
		for _, k := range res.Missing {
			missing[k] = true
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		if len(merr.Errors) == 1 {
			return nil, merr.Errors[0]
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	genRoot := filepath.Join(data.Svc.Path, GenerationsDir)
	link := filepath.Join(data.Svc.Path, ConfigLink)
	missingKeys := sortedKeys(missing)

	live, liveN := liveGeneration(link)
	if live != "" && sameContent(live, templates, outputs) {
		return &Generation{N: liveN, Dir: live, Files: templates, Missing: missingKeys}, nil
	}

	n, err := nextGeneration(genRoot)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(genRoot, strconv.Itoa(n))
	if err := writeGeneration(dir, templates, outputs, modes); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if err := fsutil.SwapSymlink(dir, link); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	r.logger.Info("rendered config", "service", data.Svc.Name, "generation", n, "files", len(templates))

	prune(genRoot, n, liveN, r)
	return &Generation{N: n, Dir: dir, Files: templates, Missing: missingKeys, Changed: true}, nil
}

// Live returns the directory the config link points at, or "".
func Live(svcPath string) string {
	dir, _ := liveGeneration(filepath.Join(svcPath, ConfigLink))
	return dir
}

func listTemplates(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return filepath.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func liveGeneration(link string) (string, int) {
	target, err := fsutil.ReadLink(link)
	if err != nil || target == "" {
		return "", 0
	}
	n, err := strconv.Atoi(filepath.Base(target))
	if err != nil {
		return target, 0
	}
	return target, n
}

func sameContent(dir string, files []string, outputs map[string][]byte) bool {
	existing, err := listTemplates(dir)
	if err != nil || len(existing) != len(files) {
		return false
	}
	for i, rel := range files {
		if existing[i] != rel {
			return false
		}
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil || !bytes.Equal(data, outputs[rel]) {
			return false
		}
	}
	return true
}

func nextGeneration(root string) (int, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return 0, fmt.Errorf("create generations dir: %w", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, err
	}
	max := 0
	for _, e := range entries {
		if n, err := strconv.Atoi(e.Name()); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

func writeGeneration(dir string, files []string, outputs map[string][]byte, modes map[string]fs.FileMode) error {
	if err := os.Mkdir(dir, 0o755); err != nil {
		return fmt.Errorf("create generation: %w", err)
	}
	for _, rel := range files {
		dst := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, outputs[rel], modes[rel]); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// prune removes numbered generations other than live and prev.
func prune(root string, live, prev int, r *Renderer) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	var nums []int
	for _, e := range entries {
		if n, err := strconv.Atoi(e.Name()); err == nil {
			nums = append(nums, n)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(nums)))
	kept := 0
	for _, n := range nums {
		if (n == live || n == prev) && kept < keepGenerations {
			kept++
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, strconv.Itoa(n))); err != nil {
			r.logger.Warn("failed to prune config generation", "generation", n, "error", err)
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
