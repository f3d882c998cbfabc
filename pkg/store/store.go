package store

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
)

// SetupSchema initializes the necessary tables in the provided database.
// It is idempotent and safe to call on an already-initialized database.
func SetupSchema(db *sql.DB) error {

	const (
		schemaModels = `
CREATE TABLE IF NOT EXISTS charchain_models (
    model_id INTEGER PRIMARY KEY,
    model_name TEXT NOT NULL UNIQUE,
    window_length INTEGER NOT NULL
);
`
		schemaWindows = `
CREATE TABLE IF NOT EXISTS charchain_windows (
    window_id INTEGER PRIMARY KEY,
    window_text TEXT NOT NULL UNIQUE
);
`
		schemaRecords = `
CREATE TABLE IF NOT EXISTS charchain_records (
    model_id INTEGER NOT NULL,
    window_id INTEGER NOT NULL,
    position INTEGER NOT NULL,
    next_char TEXT NOT NULL,
    frequency INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (model_id, window_id, next_char)
);
`
	)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	if _, err = tx.Exec(schemaModels); err != nil {
		return fmt.Errorf("could not create models schema: %w", err)
	}
	if _, err = tx.Exec(schemaWindows); err != nil {
		return fmt.Errorf("could not create windows schema: %w", err)
	}
	if _, err = tx.Exec(schemaRecords); err != nil {
		return fmt.Errorf("could not create records schema: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	return nil
}

// Store keeps named character models in a SQLite database. It holds the
// database connection and prepared statements for the common queries.
type Store struct {
	db                    *sql.DB
	stmtGetModelInfo      *sql.Stmt
	stmtGetModels         *sql.Stmt
	stmtAddModel          *sql.Stmt
	stmtPruneModel        *sql.Stmt
	stmtModelRecords      *sql.Stmt
	stmtModelWindows      *sql.Stmt
	stmtModelFreq         *sql.Stmt
	stmtGetWindowsLen     *sql.Stmt
	stmtGetOrInsertWindow *sql.Stmt
	logger                *slog.Logger
}

// NewStore creates a Store over db, whose schema must already be set up.
// It pre-compiles all SQL statements, returning an error if any preparation fails.
func NewStore(db *sql.DB) (*Store, error) {
	stmtGetModelInfo, err := db.Prepare(`SELECT model_id, window_length FROM charchain_models WHERE model_name = ?;`)
	if err != nil {
		return nil, err
	}

	stmtGetModels, err := db.Prepare(`SELECT model_id, model_name, window_length FROM charchain_models;`)
	if err != nil {
		return nil, err
	}

	stmtAddModel, err := db.Prepare(`INSERT INTO charchain_models (model_name, window_length) VALUES (?, ?);`)
	if err != nil {
		return nil, err
	}

	stmtPruneModel, err := db.Prepare(`DELETE FROM charchain_records WHERE model_id = ? AND frequency <= ?;`)
	if err != nil {
		return nil, err
	}

	stmtModelRecords, err := db.Prepare(`SELECT COUNT(*) FROM charchain_records WHERE model_id = ?;`)
	if err != nil {
		return nil, err
	}

	stmtModelWindows, err := db.Prepare(`SELECT COUNT(DISTINCT window_id) FROM charchain_records WHERE model_id = ?;`)
	if err != nil {
		return nil, err
	}

	stmtModelFreq, err := db.Prepare(`SELECT coalesce(SUM(frequency), 0) FROM charchain_records WHERE model_id = ?;`)
	if err != nil {
		return nil, err
	}

	stmtGetWindowsLen, err := db.Prepare(`SELECT COUNT(*) FROM charchain_windows;`)
	if err != nil {
		return nil, err
	}

	stmtGetOrInsertWindow, err := db.Prepare(`INSERT INTO charchain_windows (window_text) VALUES (?) ON CONFLICT(window_text) DO UPDATE SET window_text=excluded.window_text RETURNING window_id;`)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:                    db,
		stmtGetModelInfo:      stmtGetModelInfo,
		stmtGetModels:         stmtGetModels,
		stmtAddModel:          stmtAddModel,
		stmtPruneModel:        stmtPruneModel,
		stmtModelRecords:      stmtModelRecords,
		stmtModelWindows:      stmtModelWindows,
		stmtModelFreq:         stmtModelFreq,
		stmtGetWindowsLen:     stmtGetWindowsLen,
		stmtGetOrInsertWindow: stmtGetOrInsertWindow,
		logger:                slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

// Close releases all prepared SQL statements held by the Store. The database
// itself is left open.
func (s *Store) Close() {
	_ = s.stmtGetModelInfo.Close()
	_ = s.stmtGetModels.Close()
	_ = s.stmtAddModel.Close()
	_ = s.stmtPruneModel.Close()
	_ = s.stmtModelRecords.Close()
	_ = s.stmtModelWindows.Close()
	_ = s.stmtModelFreq.Close()
	_ = s.stmtGetWindowsLen.Close()
	_ = s.stmtGetOrInsertWindow.Close()
}

// SetLogger sets the logger for the Store. By default, all logs are discarded.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}
