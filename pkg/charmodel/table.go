package charmodel

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"
)

// WriteTable writes a human-readable dump of the model: one row per record,
// grouped by window in sorted order. Windows are quoted and characters
// escaped so whitespace and control characters stay visible. Columns are
// aligned by display width, so wide characters do not break the layout.
func (m *Model) WriteTable(w io.Writer) error {
	headers := []string{"Window", "Char", "Count", "Prob", "CumProb"}
	var rows [][]string
	for _, key := range m.Windows() {
		for i, rec := range m.table[key].records {
			window := ""
			if i == 0 {
				window = strconv.Quote(key)
			}
			rows = append(rows, []string{
				window,
				displayChar(rec.Char),
				strconv.Itoa(rec.Count),
				strconv.FormatFloat(rec.Prob, 'f', 4, 64),
				strconv.FormatFloat(rec.CumProb, 'f', 4, 64),
			})
		}
	}

	bw := bufio.NewWriter(w)
	for _, line := range formatTable(headers, rows, map[int]bool{2: true, 3: true, 4: true}) {
		_, _ = bw.WriteString(line)
		_ = bw.WriteByte('\n')
	}
	return bw.Flush()
}

func displayChar(c rune) string {
	switch c {
	case ' ':
		return "<space>"
	case '\t':
		return "<tab>"
	case '\n':
		return "<newline>"
	}
	q := strconv.QuoteRune(c)
	return q[1 : len(q)-1]
}

func formatTable(headers []string, rows [][]string, rightAlign map[int]bool) []string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if cw := runewidth.StringWidth(cell); cw > widths[i] {
				widths[i] = cw
			}
		}
	}

	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, formatRow(headers, widths, rightAlign))
	for _, row := range rows {
		lines = append(lines, formatRow(row, widths, rightAlign))
	}
	return lines
}

func formatRow(cells []string, widths []int, rightAlign map[int]bool) string {
	var sb strings.Builder
	for i, cell := range cells {
		if i > 0 {
			sb.WriteByte(' ')
		}
		pad := strings.Repeat(" ", widths[i]-runewidth.StringWidth(cell))
		if rightAlign[i] {
			sb.WriteString(pad)
			sb.WriteString(cell)
		} else {
			sb.WriteString(cell)
			if i < len(cells)-1 {
				sb.WriteString(pad)
			}
		}
	}
	return sb.String()
}
