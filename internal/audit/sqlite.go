package audit

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteLog stores the audit trail in a local SQLite database.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteLog{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS run_log (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id          TEXT NOT NULL,
	step            TEXT NOT NULL,
	status          TEXT NOT NULL,
	rows_in         INTEGER NOT NULL DEFAULT 0,
	rows_out        INTEGER NOT NULL DEFAULT 0,
	elapsed_seconds REAL NOT NULL DEFAULT 0,
	error           TEXT,
	logged_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_log_run_id ON run_log(run_id);
CREATE INDEX IF NOT EXISTS idx_run_log_logged_at ON run_log(logged_at);
`

// Migrate creates the run_log table.
func (s *SQLiteLog) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteLog) Close() error {
	return s.db.Close()
}

// Append implements Sink.
func (s *SQLiteLog) Append(ctx context.Context, e Entry) error {
	e = Stamp(e)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_log (run_id, step, status, rows_in, rows_out, elapsed_seconds, error, logged_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Step, e.Status, e.RowsIn, e.RowsOut, e.ElapsedSeconds, nullString(e.Error), e.LoggedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: append %s", e.Step)
	}
	return nil
}

// List implements Reader.
func (s *SQLiteLog) List(ctx context.Context, f Filter) ([]Entry, error) {
	var where []string
	var args []any
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Step != "" {
		where = append(where, "step = ?")
		args = append(args, f.Step)
	}

	q := `SELECT run_id, step, status, rows_in, rows_out, elapsed_seconds, error, logged_at FROM run_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list run log")
	}
	defer rows.Close() //nolint:errcheck

	var out []Entry
	for rows.Next() {
		var e Entry
		var errStr sql.NullString
		var loggedAt time.Time
		if err := rows.Scan(&e.RunID, &e.Step, &e.Status, &e.RowsIn, &e.RowsOut, &e.ElapsedSeconds, &errStr, &loggedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run log")
		}
		e.Error = errStr.String
		e.LoggedAt = loggedAt
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate run log")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
