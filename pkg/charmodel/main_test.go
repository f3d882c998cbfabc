package charmodel

import (
	"context"
	"go/build"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// newTrainedModel builds a model with the given window and trains it on text.
func newTrainedModel(t *testing.T, window int, text string, opts ...Option) *Model {
	t.Helper()
	m, err := New(window, opts...)
	if err != nil {
		t.Fatalf("New(%d) failed: %v", window, err)
	}
	if err := m.TrainString(context.Background(), text); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	return m
}

// countsOf flattens a model into window -> char -> count.
func countsOf(m *Model) map[string]map[rune]int {
	out := make(map[string]map[rune]int, m.Len())
	for _, key := range m.Windows() {
		f, _ := m.Lookup(key)
		inner := make(map[rune]int, f.Len())
		for _, rec := range f.Records() {
			inner[rec.Char] = rec.Count
		}
		out[key] = inner
	}
	return out
}

// scriptedSource replays a fixed list of values and counts draws.
type scriptedSource struct {
	values []float64
	draws  int
}

func (s *scriptedSource) Float64() float64 {
	v := s.values[s.draws%len(s.values)]
	s.draws++
	return v
}

const testCorpus = `Alice was beginning to get very tired of sitting by her sister on the
bank, and of having nothing to do: once or twice she had peeped into the
book her sister was reading, but it had no pictures or conversations in it,
"and what is the use of a book," thought Alice "without pictures or
conversations?"`

var (
	benchmarkCorpus string
	corpusOnce      sync.Once
)

// createBenchmarkCorpus reads Go source files to create a corpus for benchmarking.
func createBenchmarkCorpus() string {
	corpusOnce.Do(func() {
		var sb strings.Builder
		goRoot := build.Default.GOROOT
		filesToRead := []string{
			filepath.Join(goRoot, "src/net/http/server.go"),
			filepath.Join(goRoot, "src/go/parser/parser.go"),
		}
		for _, file := range filesToRead {
			content, err := os.ReadFile(file)
			if err != nil {
				benchmarkCorpus = strings.Repeat(testCorpus, 200)
				return
			}
			sb.Write(content)
			sb.WriteString("\n")
		}
		benchmarkCorpus = sb.String()
	})
	return benchmarkCorpus
}
