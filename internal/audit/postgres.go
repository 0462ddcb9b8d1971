package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metrics-cli/internal/db"
)

// PostgresLog provides read/write access to the metrics.run_log table.
type PostgresLog struct {
	pool db.Pool
}

// NewPostgresLog creates a new PostgresLog backed by the given connection pool.
func NewPostgresLog(pool db.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

// Append implements Sink.
func (p *PostgresLog) Append(ctx context.Context, e Entry) error {
	e = Stamp(e)
	var errText *string
	if e.Error != "" {
		errText = &e.Error
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO metrics.run_log (run_id, step, status, rows_in, rows_out, elapsed_seconds, error, logged_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.RunID, e.Step, e.Status, e.RowsIn, e.RowsOut, e.ElapsedSeconds, errText, e.LoggedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: append %s", e.Step)
	}
	return nil
}

// List implements Reader.
func (p *PostgresLog) List(ctx context.Context, f Filter) ([]Entry, error) {
	var where []string
	var args []any
	if f.RunID != "" {
		args = append(args, f.RunID)
		where = append(where, fmt.Sprintf("run_id = $%d", len(args)))
	}
	if f.Step != "" {
		args = append(args, f.Step)
		where = append(where, fmt.Sprintf("step = $%d", len(args)))
	}

	q := `SELECT run_id, step, status, rows_in, rows_out, elapsed_seconds, COALESCE(error, ''), logged_at
		 FROM metrics.run_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RunID, &e.Step, &e.Status, &e.RowsIn, &e.RowsOut, &e.ElapsedSeconds, &e.Error, &e.LoggedAt); err != nil {
			return nil, eris.Wrap(err, "runlog: scan entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "runlog: iterate entries")
}
