package ingest

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/metrics-cli/internal/pipeline"
	"github.com/sells-group/metrics-cli/internal/table"
)

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // comment character (0 = none)
	LazyQuotes bool
	TrimSpace  bool
}

// StreamCSV reads CSV rows and sends them to a channel, header included.
// Caller must consume the returned row channel. Errors are sent on the error channel.
// Both channels are closed when processing completes.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			reader.Comment = opts.Comment
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1 // exports are ragged

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}

			if opts.TrimSpace {
				for i, field := range record {
					record[i] = strings.TrimSpace(field)
				}
			}

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// CSVImport replaces one workbook table with the contents of <Dir>/<Table>.csv.
type CSVImport struct {
	Dir     string
	Table   string
	Options CSVOptions
	Sink    table.Sink
}

// Name returns the step name, "ingest_csv:<table>".
func (c CSVImport) Name() string { return "ingest_csv:" + c.Table }

// Path returns the export file read by the import.
func (c CSVImport) Path() string { return filepath.Join(c.Dir, c.Table+".csv") }

// Step adapts the import into a pipeline step.
func (c CSVImport) Step() pipeline.Step {
	return pipeline.Step{Name: c.Name(), Run: c.Run}
}

// Run reads the whole file before touching the sink, so a malformed export leaves the
// previous table in place. RowsIn and RowsOut count data rows, header excluded.
func (c CSVImport) Run(ctx context.Context) (pipeline.Counts, error) {
	log := zap.L().With(zap.String("component", "ingest"), zap.String("table", c.Table))

	f, err := os.Open(c.Path())
	if err != nil {
		return pipeline.Counts{}, eris.Wrapf(err, "ingest: open %s", c.Path())
	}
	defer f.Close() //nolint:errcheck

	rowCh, errCh := StreamCSV(ctx, f, c.Options)
	var rows [][]any
	for rec := range rowCh {
		row := make([]any, len(rec))
		for i, v := range rec {
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := <-errCh; err != nil {
		return pipeline.Counts{}, eris.Wrapf(err, "ingest: parse %s", c.Path())
	}
	if len(rows) == 0 {
		return pipeline.Counts{}, eris.Wrapf(table.ErrEmptyInput, "ingest: %s has no header", c.Path())
	}

	data := int64(len(rows) - 1)
	if err := replaceTable(ctx, c.Sink, c.Table, rows); err != nil {
		return pipeline.Counts{In: data}, err
	}
	log.Info("csv imported", zap.String("path", c.Path()), zap.Int64("rows", data))
	return pipeline.Counts{In: data, Out: data}, nil
}
