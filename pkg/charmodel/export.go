package charmodel

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"unicode/utf8"
)

// ExportedModel is the serializable representation of a trained model,
// used for JSON-based import and export.
type ExportedModel struct {
	WindowLength int              `json:"window_length"`
	Windows      []ExportedWindow `json:"windows"`
}

// ExportedWindow holds the records of one window in enumeration order.
type ExportedWindow struct {
	Window  string           `json:"window"`
	Records []ExportedRecord `json:"records"`
}

// ExportedRecord is a single character and its raw count.
type ExportedRecord struct {
	Char  string `json:"char"`
	Count int    `json:"count"`
}

// Export writes the model's counts as indented JSON. Windows are sorted so
// the output is stable; probabilities are not written since Import derives
// them from the counts.
func (m *Model) Export(w io.Writer) error {
	exported := ExportedModel{
		WindowLength: m.window,
		Windows:      make([]ExportedWindow, 0, len(m.table)),
	}
	for _, key := range m.Windows() {
		f := m.table[key]
		ew := ExportedWindow{Window: key, Records: make([]ExportedRecord, 0, len(f.records))}
		for _, rec := range f.records {
			ew.Records = append(ew.Records, ExportedRecord{Char: string(rec.Char), Count: rec.Count})
		}
		exported.Windows = append(exported.Windows, ew)
	}

	m.logger.Info("Model exported",
		slog.Int("window_length", m.window),
		slog.Int("windows_exported", len(exported.Windows)),
	)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(exported)
}

// Import reads a model written by Export. The options are applied to the new
// model as they would be by New.
func Import(r io.Reader, opts ...Option) (*Model, error) {
	var imported ExportedModel
	if err := json.NewDecoder(r).Decode(&imported); err != nil {
		return nil, fmt.Errorf("failed to decode json model: %w", err)
	}
	return imported.Build(opts...)
}

// Build turns an ExportedModel back into a normalized Model.
func (e *ExportedModel) Build(opts ...Option) (*Model, error) {
	m, err := New(e.WindowLength, opts...)
	if err != nil {
		return nil, err
	}
	for _, ew := range e.Windows {
		for _, er := range ew.Records {
			if utf8.RuneCountInString(er.Char) != 1 {
				return nil, fmt.Errorf("window %q: record %q is not a single character", ew.Window, er.Char)
			}
			c, _ := utf8.DecodeRuneInString(er.Char)
			if err := m.AddCount(ew.Window, c, er.Count); err != nil {
				return nil, fmt.Errorf("window %q: %w", ew.Window, err)
			}
		}
	}
	m.Normalize()
	return m, nil
}
