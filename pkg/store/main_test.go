package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/CTAG07/charchain/pkg/charmodel"
	_ "github.com/mattn/go-sqlite3"
)

const trainingText = "one fish two fish red fish blue fish. this one has a little star."

// setupTestDB creates a new SQLite database in a temp dir and a Store for testing.
// It uses t.Cleanup to ensure resources are released.
func setupTestDB(t *testing.T) (*sql.DB, *Store) {
	dbFile := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", dbFile+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-4000")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := SetupSchema(db); err != nil {
		t.Fatalf("failed to set up schema: %v", err)
	}

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(s.Close)

	return db, s
}

// setupTestDBWithModel also creates and saves a trained model.
func setupTestDBWithModel(t *testing.T) (context.Context, *sql.DB, *Store, ModelInfo, *charmodel.Model) {
	db, s := setupTestDB(t)
	ctx := context.Background()

	info, err := s.GetOrCreateModel(ctx, "test_model", 2)
	if err != nil {
		t.Fatalf("setup: GetOrCreateModel() failed: %v", err)
	}
	m, err := charmodel.New(2)
	if err != nil {
		t.Fatalf("setup: charmodel.New() failed: %v", err)
	}
	if err := m.TrainString(ctx, trainingText); err != nil {
		t.Fatalf("setup: Train() failed: %v", err)
	}
	if err := s.SaveModel(ctx, info, m); err != nil {
		t.Fatalf("setup: SaveModel() failed: %v", err)
	}
	return ctx, db, s, info, m
}
