// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package install

import (
	"context"
	"errors"
	"log/slog"

	"github.com/AleutianAI/bldr/services/pkgstore"
	"github.com/AleutianAI/bldr/services/pkgstore/cache"
	"github.com/AleutianAI/bldr/services/pkgstore/identity"
	"github.com/AleutianAI/bldr/services/pkgstore/store"
)

// catalog merges the store index, the local cache and an upstream source.
// Manifests are looked up locally first; an upstream manifest is obtained
// by fetching the artifact into the cache.
type catalog struct {
	store    *store.Store
	cache    *cache.Cache
	source   cache.Source
	upstream string
	logger   *slog.Logger
}

func (c *catalog) Candidates(ctx context.Context, name string) ([]identity.ArtifactName, error) {
	seen := make(map[identity.Identity]bool)
	var out []identity.ArtifactName
	add := func(ns ...identity.ArtifactName) {
		for _, n := range ns {
			if !seen[n.Identity] {
				seen[n.Identity] = true
				out = append(out, n)
			}
		}
	}

	recs, err := c.store.Entries(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		add(identity.ArtifactName{
			Name:     r.Name,
			Version:  r.Version,
			Release:  r.Release,
			Identity: r.Identity,
			Platform: r.Platform,
			Arch:     r.Arch,
		})
	}

	cached, err := c.cache.List(name)
	if err != nil {
		return nil, err
	}
	add(cached...)

	if c.source != nil {
		remote, err := c.source.List(ctx, name)
		switch {
		case err == nil:
			add(remote...)
		case errors.Is(err, pkgstore.ErrNotFound):
		case len(out) > 0:
			c.logger.Warn("upstream listing failed, using local candidates",
				"package", name, "source", c.source.String(), "error", err)
		default:
			return nil, err
		}
	}
	return out, nil
}

func (c *catalog) Manifest(ctx context.Context, id identity.Identity) (*identity.Manifest, error) {
	if e, err := c.store.Get(ctx, id); err == nil {
		return e.Manifest, nil
	} else if !errors.Is(err, pkgstore.ErrNotFound) {
		return nil, err
	}
	if m, err := c.cache.Manifest(id); err == nil {
		return m, nil
	}
	if c.source == nil {
		return nil, &pkgstore.NotFoundError{Query: "manifest " + id.Short()}
	}
	a, err := c.cache.Fetch(ctx, id, c.upstream)
	if err != nil {
		return nil, err
	}
	return a.Manifest(), nil
}
