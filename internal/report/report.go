// Package report assembles aggregated buckets into fixed-schema output tables and
// publishes them. A report builds its full table before anything is written, so a failed
// build leaves the previous output untouched.
package report

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/metrics-cli/internal/db"
	"github.com/sells-group/metrics-cli/internal/pipeline"
	"github.com/sells-group/metrics-cli/internal/table"
)

// Table is an assembled report: a header row and data rows in declared column order.
type Table struct {
	Name   string
	Header []string
	Rows   [][]any
}

// Grid returns the header followed by the data rows.
func (t *Table) Grid() [][]any {
	out := make([][]any, 0, len(t.Rows)+1)
	h := make([]any, len(t.Header))
	for i, c := range t.Header {
		h[i] = c
	}
	out = append(out, h)
	return append(out, t.Rows...)
}

// Ratio returns num/den, or 0 when den is 0.
func Ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// Renderer paints assembled tables onto the presentation surface. The tables of one
// call are published together: a failure leaves every one of them as it was.
type Renderer interface {
	Render(ctx context.Context, tables ...*Table) error
}

// Saver is implemented by sinks that buffer writes until saved.
type Saver interface {
	Save() error
}

// SheetRenderer writes tables to a sink, one sheet per table, replacing prior contents,
// and saves the sink once after every table is in place.
type SheetRenderer struct {
	Sink table.Sink
}

// Render implements Renderer. Sinks without table.BatchReplacer are written table by
// table.
func (r SheetRenderer) Render(ctx context.Context, tables ...*Table) error {
	if len(tables) == 0 {
		return nil
	}
	if err := r.write(ctx, tables); err != nil {
		return err
	}
	if s, ok := r.Sink.(Saver); ok {
		if err := s.Save(); err != nil {
			return eris.Wrapf(err, "report: save %s", tableNames(tables))
		}
	}
	return nil
}

func (r SheetRenderer) write(ctx context.Context, tables []*Table) error {
	if br, ok := r.Sink.(table.BatchReplacer); ok {
		batch := make([]table.Replacement, len(tables))
		for i, t := range tables {
			batch[i] = table.Replacement{Name: t.Name, Rows: t.Grid()}
		}
		if err := br.ReplaceAll(ctx, batch); err != nil {
			return eris.Wrapf(err, "report: replace %s", tableNames(tables))
		}
		return nil
	}
	for _, t := range tables {
		grid := t.Grid()
		if rep, ok := r.Sink.(table.Replacer); ok {
			if err := rep.Replace(ctx, t.Name, grid); err != nil {
				return eris.Wrapf(err, "report: replace %s", t.Name)
			}
			continue
		}
		if err := r.Sink.Clear(ctx, t.Name); err != nil {
			return eris.Wrapf(err, "report: clear %s", t.Name)
		}
		if err := r.Sink.WriteRows(ctx, t.Name, 0, 0, grid); err != nil {
			return eris.Wrapf(err, "report: write %s", t.Name)
		}
	}
	return nil
}

func tableNames(tables []*Table) string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	return strings.Join(names, ", ")
}

// Mirror copies published tables to a secondary store. The tables of one call are
// mirrored together.
type Mirror interface {
	Mirror(ctx context.Context, tables ...*Table) error
}

var reportRowColumns = []string{"report", "row_num", "cells"}

// PGMirror replaces the reports' rows in metrics.report_rows inside one transaction.
type PGMirror struct {
	Pool db.Pool
}

// Mirror implements Mirror.
func (m PGMirror) Mirror(ctx context.Context, tables ...*Table) error {
	encoded := make([][][]any, len(tables))
	for i, t := range tables {
		rows, err := encodeRows(t)
		if err != nil {
			return err
		}
		encoded[i] = rows
	}

	return db.WithTx(ctx, m.Pool, func(tx pgx.Tx) error {
		for i, t := range tables {
			if _, err := tx.Exec(ctx, "DELETE FROM metrics.report_rows WHERE report = $1", t.Name); err != nil {
				return eris.Wrapf(err, "report: clear mirror %s", t.Name)
			}
			if _, err := db.CopyRows(ctx, tx, "metrics", "report_rows", reportRowColumns, encoded[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeRows(t *Table) ([][]any, error) {
	rows := make([][]any, 0, len(t.Rows))
	for i, r := range t.Rows {
		cells := make(map[string]any, len(t.Header))
		for j, h := range t.Header {
			if j < len(r) {
				cells[h] = r[j]
			}
		}
		b, err := json.Marshal(cells)
		if err != nil {
			return nil, eris.Wrapf(err, "report: encode %s row %d", t.Name, i+1)
		}
		rows = append(rows, []any{t.Name, int32(i + 1), b})
	}
	return rows, nil
}

// Publisher renders tables and mirrors them when a Mirror is configured.
type Publisher struct {
	Renderer Renderer
	Mirror   Mirror
}

// Publish writes every table of a step as one unit. Tables are only passed in once
// fully built.
func (p Publisher) Publish(ctx context.Context, tables ...*Table) error {
	if err := p.Renderer.Render(ctx, tables...); err != nil {
		return err
	}
	if p.Mirror != nil && len(tables) > 0 {
		if err := p.Mirror.Mirror(ctx, tables...); err != nil {
			return err
		}
	}
	return nil
}

// Output is what a job builds.
type Output struct {
	Tables []*Table
	RowsIn int64
}

// Job builds one report from the raw tables.
type Job interface {
	Name() string
	Build(ctx context.Context, src table.Source) (*Output, error)
}

// Step adapts a job into a pipeline step that builds then publishes.
func Step(j Job, src table.Source, pub Publisher) pipeline.Step {
	return pipeline.Step{
		Name: j.Name(),
		Run: func(ctx context.Context) (pipeline.Counts, error) {
			out, err := j.Build(ctx, src)
			if err != nil {
				return pipeline.Counts{}, err
			}
			counts := pipeline.Counts{In: out.RowsIn}
			if err := pub.Publish(ctx, out.Tables...); err != nil {
				return counts, err
			}
			for _, t := range out.Tables {
				counts.Out += int64(len(t.Rows))
			}
			return counts, nil
		},
	}
}

func columnName(field string) string {
	return strings.ReplaceAll(table.NormalizeHeader(field), " ", "_")
}
