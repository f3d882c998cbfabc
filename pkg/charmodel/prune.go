package charmodel

import "log/slog"

// Stats holds aggregated figures for a model.
type Stats struct {
	Windows     int // The number of distinct windows.
	Records     int // The number of unique window->character links.
	Transitions int // The sum of all counts; the number of trained transitions.
	Alphabet    int // The number of distinct characters that can be generated.
}

// Stats returns a snapshot of the model's size.
func (m *Model) Stats() Stats {
	alphabet := make(map[rune]struct{})
	s := Stats{Windows: len(m.table)}
	for _, f := range m.table {
		s.Records += len(f.records)
		for _, rec := range f.records {
			s.Transitions += rec.Count
			alphabet[rec.Char] = struct{}{}
		}
	}
	s.Alphabet = len(alphabet)
	return s
}

// Prune removes every record whose count is less than or equal to minCount,
// drops windows that end up empty and renormalizes the rest. It returns the
// number of records removed. Rare transitions are usually noise, so pruning
// shrinks a model without changing its common output much.
func (m *Model) Prune(minCount int) int {
	removed, windowsRemoved := 0, 0
	for key, f := range m.table {
		kept := f.records[:0]
		for _, rec := range f.records {
			if rec.Count > minCount {
				kept = append(kept, rec)
			}
		}
		removed += len(f.records) - len(kept)
		f.records = kept
		if len(kept) == 0 {
			delete(m.table, key)
			windowsRemoved++
			continue
		}
		f.Normalize()
	}

	m.logger.Info("Model pruned",
		slog.Int("min_count", minCount),
		slog.Int("records_removed", removed),
		slog.Int("windows_removed", windowsRemoved),
	)
	return removed
}
