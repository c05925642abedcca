// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store materializes verified artifacts as immutable directories.
//
// Layout under the store directory:
//
//	store/
//	├── name!version!release!identity/   one StoreEntry per Identity
//	│   ├── MANIFEST.json
//	│   └── bin/ lib/ config/ default.yaml …
//	├── .tmp-<uuid>/                     in-flight extraction
//	├── .locks/<identity>.lock           cross-process extraction locks
//	├── .locks/index.lock                guards the metadata index
//	└── .index/                          badger metadata index
//
// An entry appears only through a rename of a fully verified temp
// directory, so readers never see a partial entry. The index is derived
// from the entries and can be rebuilt with Reindex.
//
// The store directory is shared by every bldr process on the host.
// Badger holds an exclusive lock on its directory while open, so the
// on-disk index is opened only for the duration of one index operation,
// under the index flock.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/bldr/pkg/fsutil"
	"github.com/AleutianAI/bldr/pkg/logging"
	"github.com/AleutianAI/bldr/services/pkgstore"
	"github.com/AleutianAI/bldr/services/pkgstore/artifact"
	"github.com/AleutianAI/bldr/services/pkgstore/identity"
	"github.com/AleutianAI/bldr/services/pkgstore/lock"
	badgerstore "github.com/AleutianAI/bldr/services/pkgstore/storage/badger"
)

const (
	tmpPrefix = ".tmp-"
	locksDir  = ".locks"
	indexDir  = ".index"

	// indexLockKey cannot collide with an Identity, which is hex.
	indexLockKey = "index"
)

// Artifact is a verified package blob that can be extracted.
type Artifact interface {
	// Manifest returns the artifact's manifest.
	Manifest() *identity.Manifest

	// Open returns the compressed archive stream.
	Open() (io.ReadCloser, error)
}

// Entry is one extracted package.
type Entry struct {
	Manifest       *identity.Manifest
	Dir            string
	ManifestDigest digest.Digest
}

// Identity is shorthand for e.Manifest.Identity.
func (e *Entry) Identity() identity.Identity { return e.Manifest.Identity }

// Config configures a Store.
type Config struct {
	// Dir is the store directory. Created if missing.
	Dir string

	// InMemoryIndex keeps the metadata index in memory for the life of
	// the Store. It is rebuilt from disk on Open either way when empty.
	InMemoryIndex bool

	// Logger for store events. Nil uses slog.Default().
	Logger *slog.Logger
}

// Store owns the store directory.
//
// # Thread Safety
//
// Safe for concurrent use, also by several Stores or processes on one
// directory. Extractions of one Identity are serialized within the
// process and across processes; different Identities proceed in
// parallel. Index operations are serialized by the index lock.
type Store struct {
	dir    string
	dbCfg  badgerstore.Config
	memDB  *badgerstore.DB // set only with InMemoryIndex
	locks  *lock.Manager
	group  singleflight.Group
	logger *slog.Logger
}

// Open opens (creating if needed) the store at cfg.Dir.
//
// # Description
//
// Opens the lock manager and checks the metadata index. When the index
// holds no records the store directory is scanned to rebuild it, which
// also covers an index lost or deleted by the operator. Open does not
// keep the on-disk index open; other processes may use the store
// concurrently.
//
// # Outputs
//
//   - *Store: Caller must Close.
//   - error: Non-nil when directories or the index cannot be opened.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("store dir must not be empty")
	}
	logger := logging.OrDefault(cfg.Logger).With("component", "store")
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	locks, err := lock.NewManager(lock.Config{Dir: filepath.Join(cfg.Dir, locksDir), Logger: logger})
	if err != nil {
		return nil, err
	}

	// Opened per operation, so background value log GC never gets to run.
	dbCfg := badgerstore.DefaultConfig(filepath.Join(cfg.Dir, indexDir))
	dbCfg.GCInterval = 0
	s := &Store{
		dir:    cfg.Dir,
		dbCfg:  dbCfg,
		locks:  locks,
		logger: logger,
	}
	if cfg.InMemoryIndex {
		if s.memDB, err = badgerstore.Open(badgerstore.InMemoryConfig()); err != nil {
			return nil, err
		}
	}

	err = s.withIndex(ctx, "open", func(x *badgerstore.Index) error {
		existing, err := x.All(ctx)
		if err != nil || len(existing) > 0 {
			return err
		}
		_, err = s.reindex(ctx, x)
		return err
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the in-memory index, if any.
func (s *Store) Close() error {
	if s.memDB == nil {
		return nil
	}
	return s.memDB.Close()
}

// withIndex runs fn against the metadata index. The on-disk index is
// opened under the index lock and closed again before returning.
func (s *Store) withIndex(ctx context.Context, op string, fn func(*badgerstore.Index) error) (err error) {
	if s.memDB != nil {
		return fn(badgerstore.NewIndex(s.memDB))
	}
	unlock, err := s.locks.Acquire(ctx, indexLockKey, op)
	if err != nil {
		return fmt.Errorf("lock store index: %w", err)
	}
	defer unlock()

	db, err := badgerstore.Open(s.dbCfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close store index: %w", cerr)
		}
	}()
	return fn(badgerstore.NewIndex(db))
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// =============================================================================
// Extraction
// =============================================================================

// Extract materializes a as a store entry.
//
// # Description
//
// If the entry directory exists and its MANIFEST.json digest equals the
// artifact manifest's digest, nothing is written. Otherwise the archive is
// extracted into a temp directory, every file is verified against the
// manifest, MANIFEST.json is written last and the directory is renamed
// into place. A pre-existing entry with a different or unreadable
// manifest is treated as corrupt and replaced.
//
// # Inputs
//
//   - ctx: Cancellation before the rename discards the temp directory.
//   - a: A verified artifact.
//
// # Outputs
//
//   - *Entry: The entry, whether newly extracted or already present.
//   - error: *pkgstore.ExtractionError; existing entries are untouched.
//
// # Thread Safety
//
// Concurrent calls for one Identity share a single extraction. A caller
// whose shared extraction was canceled by another caller retries it.
func (s *Store) Extract(ctx context.Context, a Artifact) (*Entry, error) {
	m := a.Manifest()
	ctx, span := startSpan(ctx, "Extract", m.Identity)
	defer span.End()

	want, err := m.Digest()
	if err != nil {
		return nil, &pkgstore.ExtractionError{Identity: m.Identity, Op: "encode manifest", Err: err}
	}
	dir := filepath.Join(s.dir, m.StoreDirName())

	if entry, ok := s.existing(ctx, m, dir, want); ok {
		recordExtract(ctx, "noop", 0)
		return entry, nil
	}

	var v interface{}
	for {
		v, err, _ = s.group.Do(string(m.Identity), func() (interface{}, error) {
			return s.extractLocked(ctx, a, m, dir, want)
		})
		// The shared extraction ran on another caller's context.
		if !pkgstore.CanceledElsewhere(ctx, err) {
			break
		}
	}
	if err != nil {
		recordExtract(ctx, "error", 0)
		span.RecordError(err)
		return nil, err
	}
	return v.(*Entry), nil
}

// existing returns the entry at dir when its manifest digest matches.
// It performs reads only, plus an index insert if the record is missing.
func (s *Store) existing(ctx context.Context, m *identity.Manifest, dir string, want digest.Digest) (*Entry, bool) {
	got, err := fsutil.DigestFile(filepath.Join(dir, identity.ManifestFileName))
	if err != nil || got != want {
		return nil, false
	}
	err = s.withIndex(ctx, "index entry", func(x *badgerstore.Index) error {
		if _, err := x.Get(ctx, m.Identity); !errors.Is(err, pkgstore.ErrNotFound) {
			return err
		}
		return x.Put(ctx, badgerstore.RecordFromManifest(m, filepath.Base(dir), want))
	})
	if err != nil {
		s.logger.Warn("failed to index existing entry", "identity", m.Identity.Short(), "error", err)
	}
	return &Entry{Manifest: m, Dir: dir, ManifestDigest: want}, true
}

func (s *Store) extractLocked(ctx context.Context, a Artifact, m *identity.Manifest, dir string, want digest.Digest) (*Entry, error) {
	unlock, err := s.locks.Acquire(ctx, string(m.Identity), "extract")
	if err != nil {
		return nil, &pkgstore.ExtractionError{Identity: m.Identity, Op: "lock", Err: err}
	}
	defer unlock()

	// Another process may have finished while we waited.
	if entry, ok := s.existing(ctx, m, dir, want); ok {
		recordExtract(ctx, "noop", 0)
		return entry, nil
	}

	start := time.Now()
	tmp := filepath.Join(s.dir, tmpPrefix+uuid.NewString())
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tmp)
		}
	}()

	if err := s.unpack(ctx, a, m, tmp); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, &pkgstore.ExtractionError{Identity: m.Identity, Op: "commit", Err: err}
	}
	if fsutil.Exists(dir) {
		s.logger.Warn("replacing corrupt store entry", "identity", m.Identity.Short(), "dir", dir)
		err = fsutil.ReplaceDir(tmp, dir)
	} else {
		err = os.Rename(tmp, dir)
	}
	if err != nil {
		return nil, &pkgstore.ExtractionError{Identity: m.Identity, Op: "commit", Err: err}
	}
	committed = true

	err = s.withIndex(ctx, "index entry", func(x *badgerstore.Index) error {
		return x.Put(ctx, badgerstore.RecordFromManifest(m, filepath.Base(dir), want))
	})
	if err != nil {
		s.logger.Warn("failed to index entry", "identity", m.Identity.Short(), "error", err)
	}
	recordExtract(ctx, "extracted", time.Since(start))
	s.logger.Info("extracted package",
		"name", m.Name, "version", m.Version, "identity", m.Identity.Short())
	return &Entry{Manifest: m, Dir: dir, ManifestDigest: want}, nil
}

// unpack streams the archive into tmp, verifying as it goes.
func (s *Store) unpack(ctx context.Context, a Artifact, m *identity.Manifest, tmp string) error {
	fail := func(op string, err error) error {
		return &pkgstore.ExtractionError{Identity: m.Identity, Op: op, Err: err}
	}

	if err := os.Mkdir(tmp, 0o755); err != nil {
		return fail("create temp dir", err)
	}
	rc, err := a.Open()
	if err != nil {
		return fail("open artifact", err)
	}
	defer rc.Close()

	ar, err := artifact.NewReader(rc)
	if err != nil {
		return fail("read artifact", err)
	}
	defer ar.Close()
	if got := ar.Manifest().Identity; got != m.Identity {
		return fail("read artifact", &pkgstore.IntegrityError{Identity: m.Identity, Want: m.Identity.String(), Got: got.String()})
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail("extract", err)
		}
		entry, body, err := ar.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fail("extract", err)
		}
		if err := writeEntry(tmp, entry, body); err != nil {
			return fail("write "+entry.Path, err)
		}
	}
	if err := ar.Finish(); err != nil {
		return fail("verify", err)
	}

	data, err := m.Encode()
	if err != nil {
		return fail("encode manifest", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, identity.ManifestFileName), data, 0o644); err != nil {
		return fail("write manifest", err)
	}
	return nil
}

func writeEntry(root string, e identity.FileEntry, body io.Reader) error {
	if err := identity.ValidatePayloadPath(e.Path); err != nil {
		return err
	}
	target := filepath.Join(root, filepath.FromSlash(e.Path))
	if !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return fmt.Errorf("path %q escapes entry", e.Path)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, e.Mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// =============================================================================
// Lookups
// =============================================================================

// LatestPackage returns the newest entry for name at version. An empty
// version matches every version. Ties on release go to the greater
// Identity.
func (s *Store) LatestPackage(ctx context.Context, name, version string) (*Entry, error) {
	return s.latest(ctx, name, func(r badgerstore.Record) bool {
		return version == "" || r.Version == version
	}, fmt.Sprintf("%s/%s", name, version))
}

// LatestDerivation is LatestPackage restricted to one derivation.
func (s *Store) LatestDerivation(ctx context.Context, name, version, derivation string) (*Entry, error) {
	return s.latest(ctx, name, func(r badgerstore.Record) bool {
		return (version == "" || r.Version == version) && r.Derivation == derivation
	}, fmt.Sprintf("%s/%s (derivation %s)", name, version, derivation))
}

// Specific returns the entry for id, which must belong to name.
func (s *Store) Specific(ctx context.Context, name string, id identity.Identity) (*Entry, error) {
	rec, err := s.record(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Name != name {
		return nil, &pkgstore.NotFoundError{Query: fmt.Sprintf("%s with identity %s", name, id.Short())}
	}
	return s.load(rec)
}

// Get returns the entry for id regardless of name.
func (s *Store) Get(ctx context.Context, id identity.Identity) (*Entry, error) {
	rec, err := s.record(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.load(rec)
}

// Entries lists records for name ordered oldest first (release, then
// Identity).
func (s *Store) Entries(ctx context.Context, name string) ([]badgerstore.Record, error) {
	recs, err := s.byName(ctx, name)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return newer(recs[j], recs[i]) })
	return recs, nil
}

func (s *Store) latest(ctx context.Context, name string, match func(badgerstore.Record) bool, query string) (*Entry, error) {
	recs, err := s.byName(ctx, name)
	if err != nil {
		return nil, err
	}
	var best *badgerstore.Record
	for i := range recs {
		if !match(recs[i]) {
			continue
		}
		if best == nil || newer(recs[i], *best) {
			best = &recs[i]
		}
	}
	if best == nil {
		return nil, &pkgstore.NotFoundError{Query: query}
	}
	return s.load(*best)
}

func (s *Store) record(ctx context.Context, id identity.Identity) (badgerstore.Record, error) {
	var rec badgerstore.Record
	err := s.withIndex(ctx, "get", func(x *badgerstore.Index) error {
		var err error
		rec, err = x.Get(ctx, id)
		return err
	})
	return rec, err
}

func (s *Store) byName(ctx context.Context, name string) ([]badgerstore.Record, error) {
	var recs []badgerstore.Record
	err := s.withIndex(ctx, "list", func(x *badgerstore.Index) error {
		var err error
		recs, err = x.ByName(ctx, name)
		return err
	})
	return recs, err
}

// newer reports whether a sorts after b: later release, then greater
// Identity. Releases are fixed-width timestamps so string order is time
// order.
func newer(a, b badgerstore.Record) bool {
	if a.Release != b.Release {
		return a.Release > b.Release
	}
	return a.Identity.Compare(b.Identity) > 0
}

func (s *Store) load(rec badgerstore.Record) (*Entry, error) {
	dir := filepath.Join(s.dir, rec.Dir)
	data, err := os.ReadFile(filepath.Join(dir, identity.ManifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &pkgstore.NotFoundError{Query: "entry " + rec.Dir}
		}
		return nil, err
	}
	m, err := identity.DecodeManifest(data)
	if err != nil {
		return nil, err
	}
	return &Entry{Manifest: m, Dir: dir, ManifestDigest: digest.FromBytes(data)}, nil
}

// =============================================================================
// Maintenance
// =============================================================================

// Reindex rebuilds the metadata index from the entries on disk.
//
// # Description
//
// Clears the index and scans every non-hidden directory of the store.
// Directories whose name does not parse, whose manifest is missing or
// invalid, or whose manifest does not match the directory name are
// skipped with a warning. Hidden directories (temp, locks, index) are
// ignored.
//
// # Outputs
//
//   - int: Number of entries indexed.
//   - error: Non-nil when the directory cannot be read or the index fails.
func (s *Store) Reindex(ctx context.Context) (int, error) {
	var n int
	err := s.withIndex(ctx, "reindex", func(x *badgerstore.Index) error {
		var err error
		n, err = s.reindex(ctx, x)
		return err
	})
	return n, err
}

func (s *Store) reindex(ctx context.Context, x *badgerstore.Index) (int, error) {
	if err := x.Reset(ctx); err != nil {
		return 0, err
	}
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, d := range dirents {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		name := d.Name()
		if !d.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if _, err := identity.ParseStoreDirName(name); err != nil {
			s.logger.Warn("skipping unrecognised store directory", "dir", name, "error", err)
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name, identity.ManifestFileName))
		if err != nil {
			s.logger.Warn("skipping entry without manifest", "dir", name, "error", err)
			continue
		}
		m, err := identity.DecodeManifest(data)
		if err != nil || m.StoreDirName() != name {
			s.logger.Warn("skipping entry with invalid manifest", "dir", name, "error", err)
			continue
		}
		if err := x.Put(ctx, badgerstore.RecordFromManifest(m, name, digest.FromBytes(data))); err != nil {
			return n, err
		}
		n++
	}
	s.logger.Debug("reindexed store", "entries", n)
	return n, nil
}

// Verify re-hashes every file of the entry for id against its manifest.
//
// # Outputs
//
//   - error: *pkgstore.IntegrityError for the first mismatch,
//     pkgstore.ErrNotFound when id is unknown.
func (s *Store) Verify(ctx context.Context, id identity.Identity) error {
	ctx, span := startSpan(ctx, "Verify", id)
	defer span.End()

	entry, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	for _, f := range entry.Manifest.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(entry.Dir, filepath.FromSlash(f.Path))
		got, err := fsutil.DigestFile(path)
		if err != nil {
			return &pkgstore.IntegrityError{Identity: id, Path: f.Path, Err: err}
		}
		if got != f.Digest {
			return &pkgstore.IntegrityError{Identity: id, Path: f.Path, Want: f.Digest.String(), Got: got.String()}
		}
	}
	return nil
}

// ReadFile reads a file from an entry. Used for default.yaml and templates.
func (e *Entry) ReadFile(rel string) ([]byte, error) {
	return os.ReadFile(filepath.Join(e.Dir, filepath.FromSlash(rel)))
}
