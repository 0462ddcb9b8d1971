// Package sheet provides the default table Source and Sink: an xlsx workbook on disk and
// an in-memory book used for dry runs and tests.
package sheet

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metrics-cli/internal/table"
)

// MemoryBook is an in-memory collection of named grids. It implements table.Source and
// table.Sink and is safe for concurrent use.
type MemoryBook struct {
	mu     sync.RWMutex
	sheets map[string]table.Matrix
}

// NewMemoryBook creates an empty book, optionally seeded with sheets.
func NewMemoryBook(seed map[string]table.Matrix) *MemoryBook {
	b := &MemoryBook{sheets: make(map[string]table.Matrix, len(seed))}
	for name, m := range seed {
		b.sheets[name] = cloneMatrix(m)
	}
	return b
}

// Grid implements table.Source. The returned grid is a snapshot.
func (b *MemoryBook) Grid(_ context.Context, name string) (table.Grid, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.sheets[name]
	if !ok {
		return nil, eris.Wrapf(table.ErrMissingTable, "sheet: %q", name)
	}
	return cloneMatrix(m), nil
}

// WriteRows implements table.Sink.
func (b *MemoryBook) WriteRows(_ context.Context, name string, startRow, startCol int, rows [][]any) error {
	if startRow < 0 || startCol < 0 {
		return eris.Errorf("sheet: invalid start position (%d, %d)", startRow, startCol)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.sheets[name]
	for i, row := range rows {
		r := startRow + i
		for len(m) <= r {
			m = append(m, nil)
		}
		for j, v := range row {
			c := startCol + j
			for len(m[r]) <= c {
				m[r] = append(m[r], nil)
			}
			m[r][c] = v
		}
	}
	if m == nil {
		m = table.Matrix{}
	}
	b.sheets[name] = m
	return nil
}

// Clear implements table.Sink. Clearing a missing sheet creates it empty.
func (b *MemoryBook) Clear(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sheets[name] = table.Matrix{}
	return nil
}

// Replace implements table.Replacer.
func (b *MemoryBook) Replace(_ context.Context, name string, rows [][]any) error {
	m := make(table.Matrix, len(rows))
	for i, row := range rows {
		m[i] = append([]any(nil), row...)
	}
	b.mu.Lock()
	b.sheets[name] = m
	b.mu.Unlock()
	return nil
}

// ReplaceAll implements table.BatchReplacer.
func (b *MemoryBook) ReplaceAll(_ context.Context, tables []table.Replacement) error {
	next := make(map[string]table.Matrix, len(tables))
	for _, t := range tables {
		if t.Name == "" {
			return eris.New("sheet: replace table with empty name")
		}
		m := make(table.Matrix, len(t.Rows))
		for i, row := range t.Rows {
			m[i] = append([]any(nil), row...)
		}
		next[t.Name] = m
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, m := range next {
		b.sheets[name] = m
	}
	return nil
}

// Names returns the sheet names currently held.
func (b *MemoryBook) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.sheets))
	for name := range b.sheets {
		out = append(out, name)
	}
	return out
}

func cloneMatrix(m table.Matrix) table.Matrix {
	out := make(table.Matrix, len(m))
	for i, row := range m {
		out[i] = append([]any(nil), row...)
	}
	return out
}
