package charmodel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// ctxCheckInterval is how many characters are read between context checks.
const ctxCheckInterval = 4096

// Train reads r to the end and counts, for every window of WindowLength
// characters, which character came next. The first WindowLength characters
// only seed the window. When the stream ends every window is normalized.
//
// A stream shorter than the window is not an error; it simply adds nothing.
// Invalid UTF-8 fails with ErrInvalidText; an encoded U+FFFD is accepted.
// If reading fails or ctx is cancelled, the model is left unchanged.
// Training an already trained model accumulates counts.
func (m *Model) Train(ctx context.Context, r io.RuneReader) error {
	counts := make(map[string]*Frequencies)
	window := make([]rune, 0, m.window)
	var read, updates int64

	for {
		if read%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		c, size, err := r.ReadRune()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read training text: %w", err)
		}
		if c == utf8.RuneError && size == 1 {
			return fmt.Errorf("%w: at character %d", ErrInvalidText, read)
		}
		read++

		if len(window) < m.window {
			window = append(window, c)
			continue
		}

		key := string(window)
		f, ok := counts[key]
		if !ok {
			f = &Frequencies{}
			counts[key] = f
		}
		f.Update(c)
		updates++

		copy(window, window[1:])
		window[len(window)-1] = c
	}

	m.mergeTable(counts)

	m.logger.InfoContext(ctx, "Training completed",
		slog.Int("window_length", m.window),
		slog.Int64("characters_read", read),
		slog.Int64("transitions_counted", updates),
		slog.Int("windows_touched", len(counts)),
		slog.Int("windows_total", len(m.table)),
	)
	return nil
}

// TrainString is a convenience wrapper around Train for in-memory text.
func (m *Model) TrainString(ctx context.Context, text string) error {
	return m.Train(ctx, strings.NewReader(text))
}
