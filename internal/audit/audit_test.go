package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	entries []Entry
	err     error
}

func (m *memorySink) Append(_ context.Context, e Entry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func TestNopAndLogSink(t *testing.T) {
	ctx := context.Background()
	e := Entry{RunID: "r1", Step: "conversion", Status: StatusOK}
	assert.NoError(t, Nop{}.Append(ctx, e))
	assert.NoError(t, LogSink{}.Append(ctx, e))
	assert.NoError(t, LogSink{}.Append(ctx, Entry{Step: "x", Status: StatusError, Error: "boom"}))
}

func TestMulti_FansOutAndCombinesErrors(t *testing.T) {
	ctx := context.Background()
	a := &memorySink{}
	b := &memorySink{err: errors.New("b down")}
	c := &memorySink{}

	err := Multi{a, nil, b, c}.Append(ctx, Entry{Step: "s"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b down")
	assert.Len(t, a.entries, 1)
	assert.Len(t, c.entries, 1, "later sinks still receive the entry")
}

func TestStamp(t *testing.T) {
	e := Stamp(Entry{})
	assert.False(t, e.LoggedAt.IsZero())

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, at, Stamp(Entry{LoggedAt: at}).LoggedAt)
}

// --- SQLite ---

func newTestSQLiteLog(t *testing.T) *SQLiteLog {
	t.Helper()
	l, err := NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() }) //nolint:errcheck
	require.NoError(t, l.Migrate(context.Background()))
	return l
}

func TestSQLiteLog_AppendAndList(t *testing.T) {
	l := newTestSQLiteLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, Entry{RunID: "r1", Step: "conversion", Status: StatusOK, RowsIn: 10, RowsOut: 3, ElapsedSeconds: 1.5}))
	require.NoError(t, l.Append(ctx, Entry{RunID: "r1", Step: "multi_subscription", Status: StatusError, Error: "boom"}))
	require.NoError(t, l.Append(ctx, Entry{RunID: "r2", Step: "conversion", Status: StatusOK}))

	all, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r2", all[0].RunID, "most recent first")
	assert.False(t, all[0].LoggedAt.IsZero())

	byRun, err := l.List(ctx, Filter{RunID: "r1"})
	require.NoError(t, err)
	require.Len(t, byRun, 2)
	assert.Equal(t, "boom", byRun[0].Error)
	assert.Equal(t, int64(10), byRun[1].RowsIn)
	assert.Equal(t, int64(3), byRun[1].RowsOut)
	assert.InDelta(t, 1.5, byRun[1].ElapsedSeconds, 1e-9)

	byStep, err := l.List(ctx, Filter{Step: "conversion", Limit: 1})
	require.NoError(t, err)
	require.Len(t, byStep, 1)
	assert.Equal(t, "r2", byStep[0].RunID)
}

// --- Postgres ---

func TestPostgresLog_Append(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	pool.ExpectExec("INSERT INTO metrics.run_log").
		WithArgs("r1", "conversion", StatusOK, int64(4), int64(2), 0.5, pgxmock.AnyArg(), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	l := NewPostgresLog(pool)
	err = l.Append(context.Background(), Entry{RunID: "r1", Step: "conversion", Status: StatusOK, RowsIn: 4, RowsOut: 2, ElapsedSeconds: 0.5, LoggedAt: at})
	require.NoError(t, err)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestPostgresLog_AppendError(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	pool.ExpectExec("INSERT INTO metrics.run_log").
		WithArgs(pgxmock.AnyArg(), "pipeline", StatusError, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("conn reset"))

	err = NewPostgresLog(pool).Append(context.Background(), Entry{Step: "pipeline", Status: StatusError, Error: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runlog: append pipeline")
	assert.Contains(t, err.Error(), "conn reset")
}

func TestPostgresLog_List(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"run_id", "step", "status", "rows_in", "rows_out", "elapsed_seconds", "error", "logged_at"}).
		AddRow("r1", "pipeline", StatusOK, int64(5), int64(5), 2.0, "", at)
	pool.ExpectQuery("SELECT run_id, step, status").
		WithArgs("r1", 10).
		WillReturnRows(rows)

	entries, err := NewPostgresLog(pool).List(context.Background(), Filter{RunID: "r1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "pipeline", entries[0].Step)
	assert.Equal(t, at, entries[0].LoggedAt)
	assert.NoError(t, pool.ExpectationsWereMet())
}

// --- Notion ---

type mockNotion struct {
	mock.Mock
}

func (m *mockNotion) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.DatabaseQueryResponse), args.Error(1)
}

func (m *mockNotion) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func TestNotionSink_AppendFiltersSteps(t *testing.T) {
	mc := new(mockNotion)
	ctx := context.Background()

	mc.On("CreatePage", ctx, mock.MatchedBy(func(req *notionapi.PageCreateRequest) bool {
		_, hasErr := req.Properties[propError]
		return req.Parent.DatabaseID == "runs-db" && hasErr
	})).Return(&notionapi.Page{ID: "p1"}, nil).Once()

	sink := NewNotionSink(mc, "runs-db", "pipeline")
	require.NoError(t, sink.Append(ctx, Entry{Step: "conversion", Status: StatusOK}))
	require.NoError(t, sink.Append(ctx, Entry{Step: "pipeline", Status: StatusError, Error: "conversion failed"}))
	mc.AssertExpectations(t)
}

func TestNotionSink_AppendError(t *testing.T) {
	mc := new(mockNotion)
	ctx := context.Background()
	mc.On("CreatePage", ctx, mock.Anything).Return(nil, assert.AnError).Once()

	err := NewNotionSink(mc, "runs-db").Append(ctx, Entry{Step: "pipeline"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit: notion append pipeline")
}

func TestNotionSink_List(t *testing.T) {
	mc := new(mockNotion)
	ctx := context.Background()

	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	step := func(s string) notionapi.Properties {
		return notionapi.Properties{
			propStep:    ptrTitle(s),
			propRunID:   ptrText("r9"),
			propRowsOut: ptrNumber(7),
			propLogged:  ptrDate(at),
		}
	}
	mc.On("QueryDatabase", ctx, "runs-db", mock.Anything).Return(&notionapi.DatabaseQueryResponse{
		Results: []notionapi.Page{{Properties: step("pipeline")}, {Properties: step("conversion")}},
	}, nil).Once()

	entries, err := NewNotionSink(mc, "runs-db").List(ctx, Filter{Step: "conversion"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "conversion", entries[0].Step)
	assert.Equal(t, "r9", entries[0].RunID)
	assert.Equal(t, int64(7), entries[0].RowsOut)
	assert.True(t, at.Equal(entries[0].LoggedAt))
}

func ptrTitle(s string) *notionapi.TitleProperty {
	return &notionapi.TitleProperty{Title: []notionapi.RichText{{PlainText: s}}}
}

func ptrText(s string) *notionapi.RichTextProperty {
	return &notionapi.RichTextProperty{RichText: []notionapi.RichText{{PlainText: s}}}
}

func ptrNumber(f float64) *notionapi.NumberProperty {
	return &notionapi.NumberProperty{Number: f}
}

func ptrDate(t time.Time) *notionapi.DateProperty {
	d := notionapi.Date(t)
	return &notionapi.DateProperty{Date: &notionapi.DateObject{Start: &d}}
}
