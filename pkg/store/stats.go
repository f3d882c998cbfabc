package store

import (
	"context"
	"sort"
)

// DBStats holds aggregated statistics for the entire database.
type DBStats struct {
	Models     []ModelInfo        // Every stored model, sorted by name
	Stats      map[int]ModelStats // A mapping of model ids to their stats
	WindowSize int                // The number of unique windows across all models
}

// ModelStats holds aggregated statistics for a single stored model.
type ModelStats struct {
	Windows        int // The number of distinct windows with at least one record.
	TotalRecords   int // The number of unique window->character links.
	TotalFrequency int // The sum of all frequencies; the number of trained transitions.
}

// GetStats returns a snapshot of statistics for the whole database.
func (s *Store) GetStats(ctx context.Context) (*DBStats, error) {
	modelInfos, err := s.GetModelInfos(ctx)
	if err != nil {
		return nil, err
	}

	var windowLen int
	if err = s.stmtGetWindowsLen.QueryRowContext(ctx).Scan(&windowLen); err != nil {
		return nil, err
	}

	models := make([]ModelInfo, 0, len(modelInfos))
	modelStats := make(map[int]ModelStats, len(modelInfos))
	for _, v := range modelInfos {
		models = append(models, v)
		var st ModelStats
		if err = s.stmtModelWindows.QueryRowContext(ctx, v.Id).Scan(&st.Windows); err != nil {
			return nil, err
		}
		if err = s.stmtModelRecords.QueryRowContext(ctx, v.Id).Scan(&st.TotalRecords); err != nil {
			return nil, err
		}
		if err = s.stmtModelFreq.QueryRowContext(ctx, v.Id).Scan(&st.TotalFrequency); err != nil {
			return nil, err
		}
		modelStats[v.Id] = st
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })

	return &DBStats{
		Models:     models,
		Stats:      modelStats,
		WindowSize: windowLen,
	}, nil
}
