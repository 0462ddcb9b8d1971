// Package ingest loads raw provider exports into workbook tables ahead of the report steps.
package ingest

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metrics-cli/internal/table"
)

// saver is implemented by sinks that buffer writes until saved.
type saver interface {
	Save() error
}

// replaceTable swaps a table's contents for rows, then saves the sink if it buffers.
func replaceTable(ctx context.Context, sink table.Sink, name string, rows [][]any) error {
	if rep, ok := sink.(table.Replacer); ok {
		if err := rep.Replace(ctx, name, rows); err != nil {
			return eris.Wrapf(err, "ingest: replace %s", name)
		}
	} else {
		if err := sink.Clear(ctx, name); err != nil {
			return eris.Wrapf(err, "ingest: clear %s", name)
		}
		if err := sink.WriteRows(ctx, name, 0, 0, rows); err != nil {
			return eris.Wrapf(err, "ingest: write %s", name)
		}
	}
	if s, ok := sink.(saver); ok {
		if err := s.Save(); err != nil {
			return eris.Wrapf(err, "ingest: save %s", name)
		}
	}
	return nil
}
