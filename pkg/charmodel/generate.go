package charmodel

import (
	"context"
	"log/slog"
)

// Generate extends seed one character at a time until the text is length
// characters long. Each step looks up the trailing window of the text (or the
// whole text while it is shorter than a window) and samples the next
// character from it. If the window was never seen in training, generation
// stops early and the text so far is returned; a short result is not an error.
//
// A seed that already has length characters or more is returned truncated to
// length without drawing from the random source.
func (m *Model) Generate(seed string, length int) string {
	text := []rune(seed)
	if len(text) >= length {
		return string(text[:max(length, 0)])
	}
	for len(text) < length {
		c, ok := m.next(text)
		if !ok {
			break
		}
		text = append(text, c)
	}
	return string(text)
}

// GenerateStream is the streaming form of Generate. The returned channel
// yields the characters of the result in order, starting with the seed, and
// is closed once generation completes or ctx is cancelled.
func (m *Model) GenerateStream(ctx context.Context, seed string, length int) <-chan rune {
	out := make(chan rune)

	go func() {
		defer close(out)

		text := []rune(seed)
		if len(text) > length {
			text = text[:max(length, 0)]
		}
		for _, c := range text {
			select {
			case <-ctx.Done():
				return
			case out <- c:
			}
		}

		for len(text) < length {
			if ctx.Err() != nil {
				m.logger.DebugContext(ctx, "Generation stream cancelled by context")
				return
			}
			c, ok := m.next(text)
			if !ok {
				return
			}
			text = append(text, c)
			select {
			case <-ctx.Done():
				return
			case out <- c:
			}
		}
	}()

	return out
}

// next samples the character that follows text, reporting false on a window miss.
func (m *Model) next(text []rune) (rune, bool) {
	start := max(len(text)-m.window, 0)
	key := string(text[start:])
	f, ok := m.table[key]
	if !ok {
		m.logger.Debug("Generation terminated due to unknown window",
			slog.String("window", key),
			slog.Int("generated_length", len(text)),
		)
		return 0, false
	}
	return f.Sample(m.rng.Float64()), true
}
