// Package audit records the append-only execution trail of pipeline runs: one entry per
// step plus one aggregate entry per run.
package audit

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Status values used in entries.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Entry is one audit-log line.
type Entry struct {
	RunID          string    `json:"run_id" yaml:"run_id"`
	Step           string    `json:"step" yaml:"step"`
	Status         string    `json:"status" yaml:"status"`
	RowsIn         int64     `json:"rows_in" yaml:"rows_in"`
	RowsOut        int64     `json:"rows_out" yaml:"rows_out"`
	ElapsedSeconds float64   `json:"elapsed_seconds" yaml:"elapsed_seconds"`
	Error          string    `json:"error,omitempty" yaml:"error,omitempty"`
	LoggedAt       time.Time `json:"logged_at" yaml:"logged_at"`
}

// Sink appends entries to a durable log.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// Filter restricts a history listing.
type Filter struct {
	RunID string
	Step  string
	Limit int
}

// Reader lists previously appended entries, most recent first.
type Reader interface {
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// Nop discards every entry.
type Nop struct{}

// Append implements Sink.
func (Nop) Append(context.Context, Entry) error { return nil }

// LogSink writes entries to the global zap logger.
type LogSink struct{}

// Append implements Sink.
func (LogSink) Append(_ context.Context, e Entry) error {
	fields := []zap.Field{
		zap.String("run_id", e.RunID),
		zap.String("step", e.Step),
		zap.String("status", e.Status),
		zap.Int64("rows_in", e.RowsIn),
		zap.Int64("rows_out", e.RowsOut),
		zap.Float64("elapsed_seconds", e.ElapsedSeconds),
	}
	log := zap.L().With(zap.String("component", "audit"))
	if e.Error != "" {
		log.Warn("audit", append(fields, zap.String("error", e.Error))...)
		return nil
	}
	log.Info("audit", fields...)
	return nil
}

// Multi fans an entry out to every sink. Every sink is attempted; failures are combined.
type Multi []Sink

// Append implements Sink.
func (m Multi) Append(ctx context.Context, e Entry) error {
	var errs error
	for _, s := range m {
		if s == nil {
			continue
		}
		errs = multierr.Append(errs, s.Append(ctx, e))
	}
	return errs
}

// Stamp fills LoggedAt when unset.
func Stamp(e Entry) Entry {
	if e.LoggedAt.IsZero() {
		e.LoggedAt = time.Now().UTC()
	}
	return e
}
