// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badgerdb manages the embedded BadgerDB instance that backs the
// router's durable stores: sessions, turns, context slots, decision events,
// and the idempotency cache.
package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for the BadgerDB instance.
type Config struct {
	// Path is the directory for database files. Required unless InMemory.
	Path string

	// InMemory enables in-memory mode (no disk persistence). For tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output. Nil disables it.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// 0 disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable ratio before GC runs.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: durable writes, GC every five
// minutes at a 0.5 discard ratio.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: in-memory, no sync,
// no GC.
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
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB wraps a BadgerDB instance with lifecycle management (GC runner,
// graceful close).
//
// Thread Safety: DB is safe for concurrent use.
type DB struct {
	*badger.DB
	stopGC   chan struct{}
	doneGC   chan struct{}
	inMemory bool
}

// Open opens a managed BadgerDB with the given configuration.
//
// Description:
//
//	Opens the database at cfg.Path (creating the directory if needed) or in
//	memory, and starts the periodic GC goroutine when GCInterval is set.
//	Callers must Close() the returned DB.
//
// Outputs:
//
//	*DB - The managed database.
//	error - Non-nil if the path is invalid or the database cannot open.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	wrapped := &DB{DB: db, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		wrapped.stopGC = make(chan struct{})
		wrapped.doneGC = make(chan struct{})
		go wrapped.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return wrapped, nil
}

// OpenInMemory opens an in-memory database for testing.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

// Close stops the GC runner and closes the database. Safe to call once.
func (d *DB) Close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		<-d.doneGC
	}
	return d.DB.Close()
}

// InMemory reports whether this database persists nothing.
func (d *DB) InMemory() bool { return d.inMemory }

// WithTxn executes fn inside one read-write transaction, committing on nil
// and discarding otherwise. This is the router's per-request atomic unit of
// work: a failure anywhere inside aborts every write in the unit.
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

// WithReadTxn executes fn inside a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// runGC runs value log garbage collection until Close.
func (d *DB) runGC(interval time.Duration, ratio float64) {
	defer close(d.doneGC)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when there is nothing
			// worth collecting; that is not a failure.
			for {
				if err := d.DB.RunValueLogGC(ratio); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						slog.Warn("Badger GC failed", slog.String("error", err.Error()))
					}
					break
				}
			}
		}
	}
}
