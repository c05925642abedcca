// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger holds the store's metadata index in BadgerDB.
//
// The index is a cache of what is on disk under store/: every record can
// be rebuilt by scanning the entries' MANIFEST.json files, so losing the
// database never loses packages.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory.
	Path string

	// InMemory runs without disk persistence. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil silences them.
	Logger *slog.Logger

	// GCInterval is the value log GC period. Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64
}

// DefaultConfig returns defaults for an on-disk index at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB wraps badger.DB with a background GC runner.
type DB struct {
	*badger.DB
	inMemory bool
	stopGC   chan struct{}
	gcDone   chan struct{}
}

// Open creates or opens a database.
//
// # Description
//
// Creates cfg.Path when needed, applies options and, for on-disk
// databases with a GC interval, starts value log GC in the background.
//
// # Outputs
//
//   - *DB: Open database. Caller must Close.
//   - error: Non-nil if the directory cannot be created or badger fails.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	db := &DB{DB: bdb, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		db.stopGC = make(chan struct{})
		db.gcDone = make(chan struct{})
		go db.runGC(cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return db, nil
}

// OpenInMemory opens an in-memory database.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

// Close stops GC and closes the database.
func (d *DB) Close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		<-d.gcDone
	}
	return d.DB.Close()
}

func (d *DB) runGC(interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(d.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			err := d.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// WithTxn runs fn in a read-write transaction and commits on success.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.DB.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.DB.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}
