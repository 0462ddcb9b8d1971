package table

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// ReadOptions controls how a grid is turned into records.
type ReadOptions struct {
	HeaderRow   int  // row holding column names
	DataStart   int  // first data row; 0 means HeaderRow+1
	RequireRows bool // fail with ErrEmptyInput when there are no data rows
	// Contiguous limits the header to its leading run of non-blank cells. Trailing
	// columns after the first blank header cell are dropped from every record.
	Contiguous bool
}

// Rows is a lazy, finite, non-restartable sequence of records in row order.
type Rows struct {
	grid   Grid
	header Header
	next   int
	last   int
	cur    Record
	curRow int
}

// Read opens the named table and prepares a record sequence over its data rows.
func Read(ctx context.Context, src Source, name string, opts ReadOptions) (*Rows, error) {
	g, err := src.Grid(ctx, name)
	if err != nil {
		return nil, err
	}
	return FromGrid(g, name, opts)
}

// FromGrid builds a record sequence over an already opened grid.
func FromGrid(g Grid, name string, opts ReadOptions) (*Rows, error) {
	start := opts.DataStart
	if start <= opts.HeaderRow {
		start = opts.HeaderRow + 1
	}

	header := readHeader(g, opts.HeaderRow, opts.Contiguous)
	last := g.LastRow()

	if last < start && opts.RequireRows {
		return nil, eris.Wrapf(ErrEmptyInput, "table: %s has no data rows", name)
	}

	return &Rows{grid: g, header: header, next: start, last: last, curRow: -1}, nil
}

func readHeader(g Grid, row int, contiguous bool) Header {
	lastCol := g.LastColumn()
	if g.LastRow() < row || lastCol < 0 {
		return Header{}
	}
	h := make(Header, 0, lastCol+1)
	for c := 0; c <= lastCol; c++ {
		name := NormalizeHeader(toString(g.Cell(row, c)))
		if name == "" && contiguous {
			break
		}
		h = append(h, name)
	}
	return h
}

// Header returns the normalized header.
func (r *Rows) Header() Header { return r.header }

// Next advances to the next data row. It returns false once the table is exhausted.
func (r *Rows) Next() bool {
	if r.next > r.last {
		r.cur = nil
		return false
	}
	rec := make(Record, len(r.header))
	for c, name := range r.header {
		if name == "" {
			continue
		}
		// Duplicate headers collide; the rightmost column wins.
		rec[name] = r.grid.Cell(r.next, c)
	}
	r.cur = rec
	r.curRow = r.next
	r.next++
	return true
}

// Record returns the record at the current position.
func (r *Rows) Record() Record { return r.cur }

// Row returns the grid row index of the current record.
func (r *Rows) Row() int { return r.curRow }

// ReadAll drains the sequence.
func (r *Rows) ReadAll() []Record {
	var out []Record
	for r.Next() {
		out = append(out, r.Record())
	}
	return out
}

// ReadAll is a convenience wrapper around Read followed by Rows.ReadAll.
func ReadAll(ctx context.Context, src Source, name string, opts ReadOptions) ([]Record, error) {
	rows, err := Read(ctx, src, name, opts)
	if err != nil {
		return nil, err
	}
	return rows.ReadAll(), nil
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
