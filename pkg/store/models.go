package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/CTAG07/charchain/pkg/charmodel"
)

// deleteOrphanedWindows removes windows that no model has a record for.
const deleteOrphanedWindows = `DELETE FROM charchain_windows WHERE window_id NOT IN (SELECT DISTINCT window_id FROM charchain_records);`

// ModelInfo holds the metadata for a stored model: its unique ID, name, and
// the window length it was trained with.
type ModelInfo struct {
	Id           int
	Name         string
	WindowLength int
}

// GetModelInfos retrieves metadata for all stored models, keyed by name.
func (s *Store) GetModelInfos(ctx context.Context) (map[string]ModelInfo, error) {
	rows, err := s.stmtGetModels.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	models := make(map[string]ModelInfo)
	for rows.Next() {
		var model ModelInfo
		if err = rows.Scan(&model.Id, &model.Name, &model.WindowLength); err != nil {
			return nil, err
		}
		models[model.Name] = model
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return models, nil
}

// GetModelInfo retrieves the metadata for a single model specified by name.
// It returns sql.ErrNoRows if no such model exists.
func (s *Store) GetModelInfo(ctx context.Context, name string) (ModelInfo, error) {
	info := ModelInfo{Name: name}
	err := s.stmtGetModelInfo.QueryRowContext(ctx, name).Scan(&info.Id, &info.WindowLength)
	if err != nil {
		return ModelInfo{}, err
	}
	return info, nil
}

// InsertModel creates a new, empty model entry. Names are unique.
func (s *Store) InsertModel(ctx context.Context, model ModelInfo) error {
	if model.WindowLength <= 0 {
		return fmt.Errorf("%w: length %d", charmodel.ErrInvalidWindow, model.WindowLength)
	}
	_, err := s.stmtAddModel.ExecContext(ctx, model.Name, model.WindowLength)
	return err
}

// RemoveModel deletes a model and all of its records, along with any windows
// no other model still uses. The operation is performed within a transaction.
func (s *Store) RemoveModel(ctx context.Context, model ModelInfo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	if _, err = tx.ExecContext(ctx, "DELETE FROM charchain_records WHERE model_id = ?", model.Id); err != nil {
		return fmt.Errorf("failed to remove records for model %d: %w", model.Id, err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM charchain_models WHERE model_id = ?", model.Id); err != nil {
		return fmt.Errorf("failed to remove model %d: %w", model.Id, err)
	}
	if _, err = tx.ExecContext(ctx, deleteOrphanedWindows); err != nil {
		return fmt.Errorf("failed to remove orphaned windows: %w", err)
	}

	s.logger.InfoContext(ctx, "Model removed successfully",
		slog.String("model_name", model.Name),
		slog.Int("model_id", model.Id),
	)
	return tx.Commit()
}

// SaveModel replaces the stored table of a model with the contents of m.
// The order of records within each window is preserved, so a loaded model
// samples exactly like the saved one. The entire operation is performed
// within a single transaction.
func (s *Store) SaveModel(ctx context.Context, model ModelInfo, m *charmodel.Model) error {
	if m.WindowLength() != model.WindowLength {
		return fmt.Errorf("%w: model %q stores %d, got %d", charmodel.ErrWindowMismatch, model.Name, model.WindowLength, m.WindowLength())
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	// All transaction-specific statements will also be closed with this or the .Commit()
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	if _, err = tx.ExecContext(ctx, "DELETE FROM charchain_records WHERE model_id = ?", model.Id); err != nil {
		return fmt.Errorf("failed to clear records for model %d: %w", model.Id, err)
	}

	stmtGetOrInsertWindow := tx.StmtContext(ctx, s.stmtGetOrInsertWindow)
	stmtInsertRecord, err := tx.PrepareContext(ctx, `INSERT INTO charchain_records (model_id, window_id, position, next_char, frequency) VALUES (?, ?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("failed to prepare record insert statement: %w", err)
	}
	defer func(stmt *sql.Stmt) {
		_ = stmt.Close()
	}(stmtInsertRecord)

	var recordCount int
	for _, key := range m.Windows() {
		var windowID int
		if err = stmtGetOrInsertWindow.QueryRowContext(ctx, key).Scan(&windowID); err != nil {
			return fmt.Errorf("failed to get or insert window %q: %w", key, err)
		}
		f, _ := m.Lookup(key)
		for pos, rec := range f.Records() {
			if _, err = stmtInsertRecord.ExecContext(ctx, model.Id, windowID, pos, string(rec.Char), rec.Count); err != nil {
				return fmt.Errorf("failed to insert record (%q -> %q): %w", key, rec.Char, err)
			}
			recordCount++
		}
	}
	if _, err = tx.ExecContext(ctx, deleteOrphanedWindows); err != nil {
		return fmt.Errorf("failed to remove orphaned windows: %w", err)
	}

	s.logger.InfoContext(ctx, "Model saved",
		slog.String("model_name", model.Name),
		slog.Int("model_id", model.Id),
		slog.Int("windows_saved", m.Len()),
		slog.Int("records_saved", recordCount),
	)
	return tx.Commit()
}

// LoadModel reads a stored model into memory and normalizes it. The options
// are passed to charmodel.New.
func (s *Store) LoadModel(ctx context.Context, model ModelInfo, opts ...charmodel.Option) (*charmodel.Model, error) {
	m, err := charmodel.New(model.WindowLength, opts...)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT w.window_text, r.next_char, r.frequency
		FROM charchain_records r JOIN charchain_windows w ON w.window_id = r.window_id
		WHERE r.model_id = ?
		ORDER BY r.window_id, r.position;`, model.Id)
	if err != nil {
		return nil, fmt.Errorf("could not query records for model %d: %w", model.Id, err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	for rows.Next() {
		var window, next string
		var freq int
		if err = rows.Scan(&window, &next, &freq); err != nil {
			return nil, err
		}
		c, size := utf8.DecodeRuneInString(next)
		if size != len(next) {
			return nil, fmt.Errorf("consistency error: record %q in window %q is not a single character", next, window)
		}
		if err = m.AddCount(window, c, freq); err != nil {
			return nil, fmt.Errorf("consistency error in model %q: %w", model.Name, err)
		}
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	m.Normalize()

	s.logger.DebugContext(ctx, "Model loaded",
		slog.String("model_name", model.Name),
		slog.Int("model_id", model.Id),
		slog.Int("windows_loaded", m.Len()),
	)
	return m, nil
}

// GetOrCreateModel returns the named model, creating it with the given window
// length if it does not exist. An existing model with a different window
// length is an error.
func (s *Store) GetOrCreateModel(ctx context.Context, name string, windowLength int) (ModelInfo, error) {
	info, err := s.GetModelInfo(ctx, name)
	if errors.Is(err, sql.ErrNoRows) {
		if err = s.InsertModel(ctx, ModelInfo{Name: name, WindowLength: windowLength}); err != nil {
			return ModelInfo{}, fmt.Errorf("failed to create model %q: %w", name, err)
		}
		return s.GetModelInfo(ctx, name)
	}
	if err != nil {
		return ModelInfo{}, err
	}
	if info.WindowLength != windowLength {
		return ModelInfo{}, fmt.Errorf("%w: model %q uses %d, requested %d", charmodel.ErrWindowMismatch, name, info.WindowLength, windowLength)
	}
	return info, nil
}

// PruneModel removes all records of a model whose frequency is less than or
// equal to minFreq, along with any windows left without records. Load the
// model again to see the renormalized result.
func (s *Store) PruneModel(ctx context.Context, model ModelInfo, minFreq int) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	res, err := tx.StmtContext(ctx, s.stmtPruneModel).ExecContext(ctx, model.Id, minFreq)
	if err != nil {
		return 0, fmt.Errorf("could not prune model %d: %w", model.Id, err)
	}
	rowsAffected, _ := res.RowsAffected()

	windowsRes, err := tx.ExecContext(ctx, deleteOrphanedWindows)
	if err != nil {
		return 0, fmt.Errorf("failed to remove orphaned windows: %w", err)
	}
	windowsRemoved, _ := windowsRes.RowsAffected()

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("could not commit prune of model %d: %w", model.Id, err)
	}

	s.logger.InfoContext(ctx, "Model pruned",
		slog.String("model_name", model.Name),
		slog.Int("model_id", model.Id),
		slog.Int("min_frequency", minFreq),
		slog.Int64("records_removed", rowsAffected),
		slog.Int64("windows_removed", windowsRemoved),
	)
	return rowsAffected, nil
}
