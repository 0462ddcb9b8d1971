// Package table turns raw rectangular grids into ordered sequences of keyed records.
package table

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
)

var (
	// ErrMissingTable is returned when a named input table does not exist.
	ErrMissingTable = eris.New("table: missing table")

	// ErrEmptyInput is returned when a table that must hold data has no data rows.
	ErrEmptyInput = eris.New("table: empty input")
)

// Grid is a read-only view of one rectangular table. Rows and columns are 0-based.
type Grid interface {
	// LastRow returns the index of the last populated row, or -1 for an empty grid.
	LastRow() int
	// LastColumn returns the index of the last populated column, or -1 for an empty grid.
	LastColumn() int
	// Cell returns the raw value at (row, col): nil, string, a numeric type, bool or time.Time.
	Cell(row, col int) any
}

// Source opens named tables.
type Source interface {
	// Grid returns the named table, or an error wrapping ErrMissingTable.
	Grid(ctx context.Context, name string) (Grid, error)
}

// Sink writes rows into named tables.
type Sink interface {
	// WriteRows writes rows starting at (startRow, startCol), creating the table if needed.
	WriteRows(ctx context.Context, name string, startRow, startCol int, rows [][]any) error
	// Clear removes every cell of the named table.
	Clear(ctx context.Context, name string) error
}

// Replacer is implemented by sinks that can swap a table's full contents in one step, so
// readers never observe a cleared but unwritten table.
type Replacer interface {
	Replace(ctx context.Context, name string, rows [][]any) error
}

// Replacement is the full new contents of one named table.
type Replacement struct {
	Name string
	Rows [][]any
}

// BatchReplacer swaps several tables as one unit: either every table is replaced or
// none is.
type BatchReplacer interface {
	ReplaceAll(ctx context.Context, tables []Replacement) error
}

// Record maps a normalized header name to the raw cell value in that column.
type Record map[string]any

// Get returns the raw value for a header name, normalizing the lookup key.
func (r Record) Get(name string) any {
	return r[NormalizeHeader(name)]
}

// Text returns the trimmed string form of a cell, or "" when absent.
func (r Record) Text(name string) string {
	v := r.Get(name)
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(toString(v))
}

var headerFolder = cases.Fold()

// NormalizeHeader trims, case-folds and collapses internal whitespace of a header cell.
// "  Cohort   Month " → "cohort month"
func NormalizeHeader(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return headerFolder.String(s)
}

// Header is an ordered sequence of normalized column names. Blank entries keep their
// position but are not addressable through a Record.
type Header []string

// Width returns the number of positions in the header.
func (h Header) Width() int { return len(h) }
