package charmodel

import (
	"fmt"
	"strconv"
	"strings"
)

// Record holds the statistics for one character observed after a window.
// Prob and CumProb are only meaningful after the owning Frequencies has been
// normalized.
type Record struct {
	Char    rune
	Count   int
	Prob    float64
	CumProb float64
}

// String renders the record as "(c count prob cumprob)".
func (r Record) String() string {
	return fmt.Sprintf("(%c %d %s %s)", r.Char, r.Count,
		strconv.FormatFloat(r.Prob, 'g', -1, 64),
		strconv.FormatFloat(r.CumProb, 'g', -1, 64))
}

// Frequencies is the ordered set of records seen after a single window.
// Records keep the order in which their characters were first seen, and that
// order is the enumeration order used for cumulative probabilities.
type Frequencies struct {
	records []Record
}

// Update counts one more occurrence of c, adding a record for it if needed.
func (f *Frequencies) Update(c rune) {
	f.add(c, 1)
}

func (f *Frequencies) add(c rune, n int) {
	if i := f.IndexOf(c); i >= 0 {
		f.records[i].Count += n
		return
	}
	f.records = append(f.records, Record{Char: c, Count: n})
}

// Normalize recomputes Prob and CumProb for every record from the raw counts.
// It must not be called on an empty set.
func (f *Frequencies) Normalize() {
	total := f.Total()
	if total <= 0 {
		panic("charmodel: normalize called on empty frequencies")
	}
	var cum float64
	for i := range f.records {
		p := float64(f.records[i].Count) / float64(total)
		cum += p
		f.records[i].Prob = p
		f.records[i].CumProb = cum
	}
	// Rounding can leave the running sum a hair under 1.
	f.records[len(f.records)-1].CumProb = 1
}

// Sample maps a uniform value in [0,1) to a character: the first record whose
// cumulative probability exceeds r. If none does, the last record is used.
func (f *Frequencies) Sample(r float64) rune {
	if len(f.records) == 0 {
		panic("charmodel: sample called on empty frequencies")
	}
	for _, rec := range f.records {
		if r < rec.CumProb {
			return rec.Char
		}
	}
	return f.records[len(f.records)-1].Char
}

// Len returns the number of distinct characters recorded.
func (f *Frequencies) Len() int {
	return len(f.records)
}

// Total returns the sum of all counts.
func (f *Frequencies) Total() int {
	total := 0
	for _, rec := range f.records {
		total += rec.Count
	}
	return total
}

// At returns the record at position i in enumeration order.
func (f *Frequencies) At(i int) (Record, error) {
	if i < 0 || i >= len(f.records) {
		return Record{}, fmt.Errorf("%w: index %d, size %d", ErrIndexOutOfRange, i, len(f.records))
	}
	return f.records[i], nil
}

// IndexOf returns the position of c, or -1 if c has not been recorded.
func (f *Frequencies) IndexOf(c rune) int {
	for i, rec := range f.records {
		if rec.Char == c {
			return i
		}
	}
	return -1
}

// Remove deletes the record for c, keeping the order of the others.
// It reports whether a record was removed. Probabilities are stale afterwards.
func (f *Frequencies) Remove(c rune) bool {
	i := f.IndexOf(c)
	if i < 0 {
		return false
	}
	f.records = append(f.records[:i], f.records[i+1:]...)
	return true
}

// Records returns a copy of the records in enumeration order.
func (f *Frequencies) Records() []Record {
	out := make([]Record, len(f.records))
	copy(out, f.records)
	return out
}

// String renders all records, e.g. "((a 1 0.5 0.5) (b 1 0.5 1))".
func (f *Frequencies) String() string {
	if len(f.records) == 0 {
		return "()"
	}
	var sb strings.Builder
	sb.WriteByte('(')
	for i, rec := range f.records {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(rec.String())
	}
	sb.WriteByte(')')
	return sb.String()
}
