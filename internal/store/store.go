// Package store provides the persistent relational state store (C1): the
// tables backing every data item and bundle state, and the transactional
// promotions that move rows between them. Every multi-row promotion below
// runs inside a single serializable SQLite transaction; replaying an
// already-applied promotion is a no-op, never an error, so that at-least-once
// delivery from the queue substrate can never corrupt state.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ar-bundler/bundler/pkg/logging"
)

// Store is the persistent state store for the bundling pipeline.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	log    *logging.Logger

	// RetryLimit is the number of bundles a data item may lose before it is
	// moved to failed_data_item with reason too_many_failures.
	RetryLimit int
}

// Config configures the store.
type Config struct {
	DataDir    string
	RetryLimit int // defaults to 5 if zero
}

// New opens (creating if necessary) the SQLite-backed store.
func New(cfg *Config) (*Store, error) {
	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "bundler.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=10000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite supports only one writer; serialize through a single conn and
	// our own mutex discipline.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	retryLimit := cfg.RetryLimit
	if retryLimit <= 0 {
		retryLimit = 5
	}

	s := &Store{
		db:         db,
		dbPath:     dbPath,
		log:        logging.GetDefault().Component("store"),
		RetryLimit: retryLimit,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection, which the SQLite queue backend
// shares with the store.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS new_data_item (
		data_item_id TEXT PRIMARY KEY,
		owner_public_key BLOB,
		owner_address TEXT NOT NULL,
		signature_type INTEGER NOT NULL,
		byte_count INTEGER NOT NULL,
		payload_data_start INTEGER NOT NULL,
		payload_content_type TEXT,
		assessed_winston_price TEXT NOT NULL,
		uploaded_date INTEGER NOT NULL,
		deadline_height INTEGER,
		failed_bundles TEXT NOT NULL DEFAULT '[]',
		premium_feature_type TEXT,
		signature BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_new_data_item_uploaded ON new_data_item(uploaded_date);

	CREATE TABLE IF NOT EXISTS planned_data_item (
		data_item_id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		owner_public_key BLOB,
		owner_address TEXT NOT NULL,
		signature_type INTEGER NOT NULL,
		byte_count INTEGER NOT NULL,
		payload_data_start INTEGER NOT NULL,
		payload_content_type TEXT,
		assessed_winston_price TEXT NOT NULL,
		uploaded_date INTEGER NOT NULL,
		deadline_height INTEGER,
		failed_bundles TEXT NOT NULL DEFAULT '[]',
		premium_feature_type TEXT,
		signature BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_planned_data_item_plan ON planned_data_item(plan_id);

	CREATE TABLE IF NOT EXISTS failed_data_item (
		data_item_id TEXT PRIMARY KEY,
		owner_public_key BLOB,
		owner_address TEXT NOT NULL,
		signature_type INTEGER NOT NULL,
		byte_count INTEGER NOT NULL,
		payload_data_start INTEGER NOT NULL,
		payload_content_type TEXT,
		assessed_winston_price TEXT NOT NULL,
		uploaded_date INTEGER NOT NULL,
		deadline_height INTEGER,
		failed_bundles TEXT NOT NULL DEFAULT '[]',
		premium_feature_type TEXT,
		signature BLOB,
		failed_reason TEXT NOT NULL,
		failed_date INTEGER NOT NULL
	);

	-- Index over the permanent partitions: the authoritative storage layout
	-- is one physical table per uploaded_date half-month partition (see
	-- partitionTableName); this index lets get_data_item_info and
	-- update_data_items_as_permanent find a row's partition in O(1) without
	-- scanning every partition table.
	CREATE TABLE IF NOT EXISTS permanent_data_item_index (
		data_item_id TEXT PRIMARY KEY,
		partition_key TEXT NOT NULL,
		bundle_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bundle_plan (
		plan_id TEXT PRIMARY KEY,
		planned_date INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS new_bundle (
		bundle_id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		reward TEXT NOT NULL,
		header_byte_count INTEGER NOT NULL,
		payload_byte_count INTEGER NOT NULL,
		transaction_byte_count INTEGER NOT NULL,
		anchor TEXT,
		planned_date INTEGER NOT NULL,
		signed_date INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_new_bundle_plan ON new_bundle(plan_id);

	CREATE TABLE IF NOT EXISTS posted_bundle (
		bundle_id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		reward TEXT NOT NULL,
		header_byte_count INTEGER NOT NULL,
		payload_byte_count INTEGER NOT NULL,
		transaction_byte_count INTEGER NOT NULL,
		anchor TEXT,
		usd_to_ar_rate REAL,
		planned_date INTEGER NOT NULL,
		signed_date INTEGER NOT NULL,
		posted_date INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_posted_bundle_plan ON posted_bundle(plan_id);

	CREATE TABLE IF NOT EXISTS seeded_bundle (
		bundle_id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		reward TEXT NOT NULL,
		header_byte_count INTEGER NOT NULL,
		payload_byte_count INTEGER NOT NULL,
		transaction_byte_count INTEGER NOT NULL,
		anchor TEXT,
		usd_to_ar_rate REAL,
		planned_date INTEGER NOT NULL,
		signed_date INTEGER NOT NULL,
		posted_date INTEGER NOT NULL,
		seeded_date INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_seeded_bundle_plan ON seeded_bundle(plan_id);
	CREATE INDEX IF NOT EXISTS idx_seeded_bundle_seeded_date ON seeded_bundle(seeded_date);

	CREATE TABLE IF NOT EXISTS permanent_bundle (
		bundle_id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		reward TEXT NOT NULL,
		header_byte_count INTEGER NOT NULL,
		payload_byte_count INTEGER NOT NULL,
		transaction_byte_count INTEGER NOT NULL,
		usd_to_ar_rate REAL,
		planned_date INTEGER NOT NULL,
		signed_date INTEGER NOT NULL,
		posted_date INTEGER NOT NULL,
		seeded_date INTEGER NOT NULL,
		permanent_date INTEGER NOT NULL,
		block_height INTEGER NOT NULL,
		indexed_on_gql INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS failed_bundle (
		bundle_id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		reward TEXT NOT NULL,
		failed_date INTEGER NOT NULL,
		failed_reason TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func expandPath(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// withTx runs fn inside a serializable transaction, retrying transient
// SQLite busy/locked errors with backoff. fn must not retain the *sql.Tx
// past return.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const maxAttempts = 5
	var lastErr error
	backoff := 10 * time.Millisecond

	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			if isRetryable(err) {
				lastErr = err
				time.Sleep(backoff)
				backoff *= 2
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if isRetryable(err) {
				lastErr = err
				time.Sleep(backoff)
				backoff *= 2
				continue
			}
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", maxAttempts, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "database is locked", "busy", "deadlock")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) <= len(s) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}
