// Package catalog is the durable store (C1) for the files, registry, and
// events tables, grounded on gurre-prime-fix-md-go/database/marketdata.go's
// prepared-statement SQLite layer (WAL mode, schema-init-then-prepare).
package catalog

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a SQLite catalog database with the prepared statements the
// pipeline needs.
type Store struct {
	db *sql.DB

	stmtUpsertRoot     *sql.Stmt
	stmtInsertFile     *sql.Stmt
	stmtUpsertRegistry *sql.Stmt
	stmtInsertEvent    *sql.Stmt
	stmtUpdateEvent    *sql.Stmt
}

// Open opens (creating if necessary) the catalog database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: init schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: prepare statements: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS roots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT UNIQUE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			root_id INTEGER NOT NULL,
			relative_path TEXT NOT NULL,
			collector TEXT NOT NULL,
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			ext TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (root_id, relative_path)
		)`,
		`CREATE TABLE IF NOT EXISTS registry (
			collector TEXT NOT NULL,
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (collector, exchange, symbol, timeframe)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			root_id INTEGER NOT NULL,
			relative_path TEXT NOT NULL,
			collector TEXT NOT NULL,
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			event_type TEXT NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			gap_ms INTEGER,
			gap_miss INTEGER,
			gap_end_ts INTEGER,
			gap_fix_status TEXT,
			gap_fix_error TEXT,
			gap_fix_recovered INTEGER,
			gap_fix_updated_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_exchange_symbol ON files(exchange, symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_files_start_ts ON files(start_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_files_collector ON files(collector)`,
		`CREATE INDEX IF NOT EXISTS idx_events_fix_queue ON events(
			event_type, gap_fix_status, collector, exchange, symbol, root_id, relative_path, id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) prepareStatements() error {
	var err error
	if s.stmtUpsertRoot, err = s.db.Prepare(
		`INSERT INTO roots (path) VALUES (?) ON CONFLICT(path) DO UPDATE SET path=path RETURNING id`,
	); err != nil {
		return err
	}
	if s.stmtInsertFile, err = s.db.Prepare(
		`INSERT INTO files (root_id, relative_path, collector, exchange, symbol, start_ts, ext, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(root_id, relative_path) DO UPDATE SET
		   collector=excluded.collector, exchange=excluded.exchange, symbol=excluded.symbol,
		   start_ts=excluded.start_ts, ext=excluded.ext`,
	); err != nil {
		return err
	}
	if s.stmtUpsertRegistry, err = s.db.Prepare(
		`INSERT INTO registry (collector, exchange, symbol, timeframe, start_ts, end_ts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(collector, exchange, symbol, timeframe) DO UPDATE SET
		   start_ts=excluded.start_ts, end_ts=excluded.end_ts, updated_at=excluded.updated_at`,
	); err != nil {
		return err
	}
	if s.stmtInsertEvent, err = s.db.Prepare(
		`INSERT INTO events (root_id, relative_path, collector, exchange, symbol, event_type,
		   start_line, end_line, gap_ms, gap_miss, gap_end_ts, gap_fix_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	); err != nil {
		return err
	}
	if s.stmtUpdateEvent, err = s.db.Prepare(
		`UPDATE events SET gap_fix_status=?, gap_fix_error=?, gap_fix_recovered=?, gap_fix_updated_at=?
		 WHERE id=?`,
	); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
