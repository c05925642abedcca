// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/opencontainers/go-digest"

	"github.com/AleutianAI/bldr/services/pkgstore"
	"github.com/AleutianAI/bldr/services/pkgstore/identity"
)

// Key layout:
//
//	e/<identity>          -> Record (JSON)
//	n/<name>/<identity>   -> empty (name index)
const (
	entryPrefix = "e/"
	namePrefix  = "n/"
)

// Record is the indexed summary of one store entry.
type Record struct {
	Identity       identity.Identity   `json:"identity"`
	Name           string              `json:"name"`
	Version        string              `json:"version"`
	Derivation     string              `json:"derivation,omitempty"`
	Release        string              `json:"release"`
	Platform       string              `json:"platform"`
	Arch           string              `json:"arch"`
	Deps           []identity.Identity `json:"deps,omitempty"`
	Dir            string              `json:"dir"`
	ManifestDigest digest.Digest       `json:"manifest_digest"`
}

// RecordFromManifest builds the Record for an entry extracted from m.
func RecordFromManifest(m *identity.Manifest, dir string, manifestDigest digest.Digest) Record {
	return Record{
		Identity:       m.Identity,
		Name:           m.Name,
		Version:        m.Version,
		Derivation:     m.Derivation,
		Release:        m.Release,
		Platform:       m.Platform,
		Arch:           m.Arch,
		Deps:           m.Deps,
		Dir:            dir,
		ManifestDigest: manifestDigest,
	}
}

// Index maps Identities and package names to Records.
//
// # Thread Safety
//
// Safe for concurrent use; badger transactions provide isolation.
type Index struct {
	db *DB
}

// NewIndex wraps db.
func NewIndex(db *DB) *Index {
	return &Index{db: db}
}

// Put inserts or replaces rec.
func (x *Index) Put(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return x.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(entryKey(rec.Identity), data); err != nil {
			return err
		}
		return txn.Set(nameKey(rec.Name, rec.Identity), nil)
	})
}

// Get returns the record for id, or pkgstore.ErrNotFound.
func (x *Index) Get(ctx context.Context, id identity.Identity) (Record, error) {
	var rec Record
	err := x.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, id)
		return err
	})
	return rec, err
}

// Delete removes the record for id. Missing records are ignored.
func (x *Index) Delete(ctx context.Context, id identity.Identity) error {
	return x.db.WithTxn(ctx, func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if errors.Is(err, pkgstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(entryKey(id)); err != nil {
			return err
		}
		return txn.Delete(nameKey(rec.Name, id))
	})
}

// ByName returns every record for name, in Identity order.
func (x *Index) ByName(ctx context.Context, name string) ([]Record, error) {
	var out []Record
	err := x.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(namePrefix + name + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			id := identity.Identity(key[len(opts.Prefix):])
			rec, err := getRecord(txn, id)
			if err != nil {
				return fmt.Errorf("name index references %s: %w", id.Short(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// All returns every record, in Identity order.
func (x *Index) All(ctx context.Context) ([]Record, error) {
	var out []Record
	err := x.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Reset removes every record.
func (x *Index) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return x.db.DropAll()
}

func getRecord(txn *badger.Txn, id identity.Identity) (Record, error) {
	var rec Record
	item, err := txn.Get(entryKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, &pkgstore.NotFoundError{Query: "identity " + id.String()}
	}
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func entryKey(id identity.Identity) []byte {
	return []byte(entryPrefix + string(id))
}

func nameKey(name string, id identity.Identity) []byte {
	return []byte(namePrefix + name + "/" + string(id))
}
