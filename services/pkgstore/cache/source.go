// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/AleutianAI/bldr/services/pkgstore"
	"github.com/AleutianAI/bldr/services/pkgstore/identity"
)

// Source is an upstream that serves artifacts.
type Source interface {
	// Open returns the artifact blob for id. A missing artifact yields an
	// error wrapping pkgstore.ErrNotFound.
	Open(ctx context.Context, id identity.Identity) (io.ReadCloser, error)

	// List returns the artifacts available for name.
	List(ctx context.Context, name string) ([]identity.ArtifactName, error)

	// String describes the source for logs.
	String() string
}

// SourceFor picks a Source for an upstream location: http(s) URLs use
// HTTPSource, file:// URLs and plain paths use DirSource.
func SourceFor(upstream string, logger *slog.Logger) (Source, error) {
	switch {
	case strings.HasPrefix(upstream, "http://"), strings.HasPrefix(upstream, "https://"):
		return NewHTTPSource(upstream, logger)
	case strings.HasPrefix(upstream, "file://"):
		u, err := url.Parse(upstream)
		if err != nil {
			return nil, fmt.Errorf("parse upstream %q: %w", upstream, err)
		}
		return &DirSource{Dir: u.Path}, nil
	case upstream == "":
		return nil, fmt.Errorf("empty upstream")
	default:
		return &DirSource{Dir: upstream}, nil
	}
}

// =============================================================================
// DirSource
// =============================================================================

// DirSource serves artifacts from a local directory of .bart files.
type DirSource struct {
	Dir string
}

// String implements Source.
func (s *DirSource) String() string { return "dir:" + s.Dir }

// Open implements Source.
func (s *DirSource) Open(ctx context.Context, id identity.Identity) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(s.Dir, "*"+identity.Delimiter+string(id)+identity.Delimiter+"*"+identity.ArtifactExt))
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		n, err := identity.ParseArtifactName(filepath.Base(m))
		if err != nil || n.Identity != id {
			continue
		}
		return os.Open(m)
	}
	return nil, &pkgstore.NotFoundError{Query: fmt.Sprintf("artifact %s in %s", id.Short(), s.Dir)}
}

// List implements Source.
func (s *DirSource) List(ctx context.Context, name string) ([]identity.ArtifactName, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(s.Dir, name+identity.Delimiter+"*"+identity.ArtifactExt))
	if err != nil {
		return nil, err
	}
	var out []identity.ArtifactName
	for _, m := range matches {
		n, err := identity.ParseArtifactName(filepath.Base(m))
		if err != nil || n.Name != name {
			continue
		}
		out = append(out, n)
	}
	sortNames(out)
	return out, nil
}

// =============================================================================
// HTTPSource
// =============================================================================

// HTTPSource fetches artifacts from a depot over HTTP.
//
//	GET {base}/artifacts/{identity}   artifact blob
//	GET {base}/pkgs/{name}            JSON array of artifact file names
//
// Transport errors and 5xx responses are retried by go-retryablehttp;
// the cache adds its own attempt loop on top for integrity failures.
type HTTPSource struct {
	base   string
	client *retryablehttp.Client
}

// NewHTTPSource creates a source for base.
func NewHTTPSource(base string, logger *slog.Logger) (*HTTPSource, error) {
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse depot url %q: %w", base, err)
	}
	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.RetryMax = 2
	client.Logger = nil
	if logger != nil {
		client.Logger = logger
	}
	return &HTTPSource{base: strings.TrimRight(base, "/"), client: client}, nil
}

// String implements Source.
func (s *HTTPSource) String() string { return s.base }

// Open implements Source.
func (s *HTTPSource) Open(ctx context.Context, id identity.Identity) (io.ReadCloser, error) {
	resp, err := s.get(ctx, "/artifacts/"+url.PathEscape(string(id)))
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// List implements Source.
func (s *HTTPSource) List(ctx context.Context, name string) ([]identity.ArtifactName, error) {
	resp, err := s.get(ctx, "/pkgs/"+url.PathEscape(name))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var files []string
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&files); err != nil {
		return nil, fmt.Errorf("decode package list: %w", err)
	}
	var out []identity.ArtifactName
	for _, f := range files {
		n, err := identity.ParseArtifactName(f)
		if err != nil || n.Name != name {
			continue
		}
		out = append(out, n)
	}
	sortNames(out)
	return out, nil
}

func (s *HTTPSource) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, &pkgstore.NotFoundError{Query: s.base + path}
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s%s: %s", s.base, path, resp.Status)
	}
	return resp, nil
}

// sortNames orders by release then Identity, oldest first.
func sortNames(ns []identity.ArtifactName) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].Release != ns[j].Release {
			return ns[i].Release < ns[j].Release
		}
		return ns[i].Identity < ns[j].Identity
	})
}
