// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolve

import (
	"context"
	"sync"

	"github.com/AleutianAI/bldr/services/pkgstore"
	"github.com/AleutianAI/bldr/services/pkgstore/identity"
)

// Catalog is the resolver's view of the available packages.
type Catalog interface {
	// Candidates lists the known builds of name in any order. Only the
	// fields encoded in the artifact name are needed at this stage.
	Candidates(ctx context.Context, name string) ([]identity.ArtifactName, error)

	// Manifest returns the manifest for id, or an error wrapping
	// pkgstore.ErrNotFound.
	Manifest(ctx context.Context, id identity.Identity) (*identity.Manifest, error)
}

// StaticCatalog is an in-memory Catalog.
type StaticCatalog struct {
	mu     sync.RWMutex
	byID   map[identity.Identity]*identity.Manifest
	byName map[string][]identity.Identity
}

// NewStaticCatalog returns a catalog holding ms.
func NewStaticCatalog(ms ...*identity.Manifest) *StaticCatalog {
	c := &StaticCatalog{
		byID:   make(map[identity.Identity]*identity.Manifest),
		byName: make(map[string][]identity.Identity),
	}
	for _, m := range ms {
		c.Add(m)
	}
	return c
}

// Add registers m. Adding the same Identity twice is a no-op.
func (c *StaticCatalog) Add(m *identity.Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[m.Identity]; ok {
		return
	}
	c.byID[m.Identity] = m
	c.byName[m.Name] = append(c.byName[m.Name], m.Identity)
}

// Candidates implements Catalog.
func (c *StaticCatalog) Candidates(_ context.Context, name string) ([]identity.ArtifactName, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.byName[name]
	out := make([]identity.ArtifactName, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.byID[id].ArtifactName())
	}
	return out, nil
}

// Manifest implements Catalog.
func (c *StaticCatalog) Manifest(_ context.Context, id identity.Identity) (*identity.Manifest, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.byID[id]; ok {
		return m, nil
	}
	return nil, &pkgstore.NotFoundError{Query: "manifest " + id.Short()}
}
