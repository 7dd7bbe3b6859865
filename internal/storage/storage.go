// Package storage keeps a SQLite journal of channel sessions: the agreed
// terms, every accepted payment and the transactions produced. The journal
// is an audit record; channels are never rebuilt from it.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBFileName is the journal's file name inside the data directory.
const DBFileName = "spill.db"

// Storage provides the session journal.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New opens (creating if needed) the journal in cfg.DataDir.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

func (s *Storage) initSchema() error {
	schema := `
	-- One row per channel session
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		network TEXT NOT NULL,

		-- Hex-encoded compressed pubkeys
		payer_pubkey TEXT NOT NULL,
		payee_pubkey TEXT NOT NULL,

		capacity INTEGER NOT NULL,
		refund_sequence INTEGER NOT NULL,
		funding_address TEXT NOT NULL,

		-- Set once the funding transaction is verified
		funding_txid TEXT,
		funding_vout INTEGER,

		state TEXT NOT NULL DEFAULT 'open',
		sent INTEGER NOT NULL DEFAULT 0,

		created_at INTEGER NOT NULL,
		updated_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);

	-- Accepted payments, in order
	CREATE TABLE IF NOT EXISTS payments (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,

		amount INTEGER NOT NULL,
		total INTEGER NOT NULL,
		fee INTEGER NOT NULL,

		-- Base64 PSBT carrying the payer's signature
		psbt TEXT NOT NULL,

		created_at INTEGER NOT NULL,

		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	-- Final transactions produced by a session
	CREATE TABLE IF NOT EXISTS transactions (
		txid TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,            -- funding, payment, refund
		raw TEXT NOT NULL,             -- hex serialization
		created_at INTEGER NOT NULL,
		broadcast_at INTEGER,

		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_session ON transactions(session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
