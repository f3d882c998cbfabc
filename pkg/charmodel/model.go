package charmodel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"unicode/utf8"
)

var (
	// ErrInvalidWindow is returned for a non-positive window length, or for a
	// window string whose length does not match the model.
	ErrInvalidWindow = errors.New("charmodel: invalid window")
	// ErrInvalidCount is returned by AddCount for counts below one.
	ErrInvalidCount = errors.New("charmodel: count must be positive")
	// ErrWindowMismatch is returned when merging models with different window lengths.
	ErrWindowMismatch = errors.New("charmodel: window lengths differ")
	// ErrIndexOutOfRange is returned by Frequencies.At for a bad index.
	ErrIndexOutOfRange = errors.New("charmodel: index out of range")
	// ErrInvalidText is returned by Train when the input is not valid UTF-8.
	ErrInvalidText = errors.New("charmodel: invalid UTF-8 in training text")
)

// RandomSource supplies uniform values in [0,1). *rand.Rand from math/rand/v2
// satisfies it.
type RandomSource interface {
	Float64() float64
}

// Model is a character-level sliding-window language model. It maps every
// window of WindowLength characters seen in training to the frequencies of
// the characters that followed it.
//
// A Model is not safe for concurrent use.
type Model struct {
	window int
	table  map[string]*Frequencies
	rng    RandomSource
	logger *slog.Logger
}

// Option configures a Model at construction time.
type Option func(*Model)

// WithSeed makes generation reproducible: two models built with the same seed
// and trained on the same text produce the same sequence of outputs.
func WithSeed(seed int64) Option {
	return func(m *Model) {
		m.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	}
}

// WithRandom sets the random source used for sampling.
func WithRandom(src RandomSource) Option {
	return func(m *Model) {
		if src != nil {
			m.rng = src
		}
	}
}

// New creates an empty model with the given window length.
// Without WithSeed or WithRandom the model uses a randomly seeded generator.
func New(windowLength int, opts ...Option) (*Model, error) {
	if windowLength <= 0 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidWindow, windowLength)
	}
	m := &Model{
		window: windowLength,
		table:  make(map[string]*Frequencies),
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SetLogger sets the logger for the Model. By default, all logs are discarded.
func (m *Model) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// WindowLength returns the number of characters in each window.
func (m *Model) WindowLength() int {
	return m.window
}

// Len returns the number of distinct windows in the model.
func (m *Model) Len() int {
	return len(m.table)
}

// Windows returns every window in the model, sorted.
func (m *Model) Windows() []string {
	keys := make([]string, 0, len(m.table))
	for k := range m.table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup returns the frequencies recorded for a window. The returned value
// belongs to the model and must not be modified.
func (m *Model) Lookup(window string) (*Frequencies, bool) {
	f, ok := m.table[window]
	return f, ok
}

// AddCount adds n occurrences of c after window. It is the low-level entry
// point used when rebuilding a model from storage; call Normalize afterwards.
func (m *Model) AddCount(window string, c rune, n int) error {
	if l := utf8.RuneCountInString(window); l != m.window {
		return fmt.Errorf("%w: %q has %d characters, want %d", ErrInvalidWindow, window, l, m.window)
	}
	if n < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidCount, n)
	}
	f, ok := m.table[window]
	if !ok {
		f = &Frequencies{}
		m.table[window] = f
	}
	f.add(c, n)
	return nil
}

// Normalize converts the counts of every window into probabilities.
func (m *Model) Normalize() {
	for _, f := range m.table {
		f.Normalize()
	}
}

// Merge adds the counts of other into m and renormalizes. Merging the models
// trained on two texts gives the same counts as training one model on both.
func (m *Model) Merge(other *Model) error {
	if other.window != m.window {
		return fmt.Errorf("%w: %d and %d", ErrWindowMismatch, m.window, other.window)
	}
	m.mergeTable(other.table)
	return nil
}

// mergeTable folds src into the model in src's enumeration order and
// normalizes every window it touched.
func (m *Model) mergeTable(src map[string]*Frequencies) {
	for key, sf := range src {
		f, ok := m.table[key]
		if !ok {
			f = &Frequencies{records: make([]Record, 0, len(sf.records))}
			m.table[key] = f
		}
		for _, rec := range sf.records {
			f.add(rec.Char, rec.Count)
		}
		f.Normalize()
	}
}

// String returns one line per window, "window : records", sorted by window.
func (m *Model) String() string {
	var sb strings.Builder
	for _, key := range m.Windows() {
		sb.WriteString(key)
		sb.WriteString(" : ")
		sb.WriteString(m.table[key].String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
