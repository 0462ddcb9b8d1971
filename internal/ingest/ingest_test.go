package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/metrics-cli/internal/resilience"
	"github.com/sells-group/metrics-cli/internal/sheet"
	"github.com/sells-group/metrics-cli/internal/table"
	"github.com/sells-group/metrics-cli/pkg/salesforce"
)

func collectRows(t *testing.T, rowCh <-chan []string, errCh <-chan error) ([][]string, error) {
	t.Helper()
	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	for err := range errCh {
		if err != nil {
			return rows, err
		}
	}
	return rows, nil
}

func TestStreamCSV_Basic(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader("a,b\n1,2\n3\n"), CSVOptions{})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"1", "2"}, {"3"}}, rows)
}

func TestStreamCSV_Options(t *testing.T) {
	input := "# exported\n name | plan \n acme | pro \n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{
		Delimiter: '|',
		Comment:   '#',
		TrimSpace: true,
	})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"name", "plan"}, {"acme", "pro"}}, rows)
}

func TestStreamCSV_Malformed(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader("a,\"b\n"), CSVOptions{})
	_, err := collectRows(t, rowCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "csv: read row")
}

func TestStreamCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rowCh, errCh := StreamCSV(ctx, strings.NewReader("a\n1\n"), CSVOptions{})
	_, err := collectRows(t, rowCh, errCh)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func writeCSV(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".csv"), []byte(body), 0o600))
}

func TestCSVImport_ReplacesTable(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "orgs", "Org ID,Name\nA,Acme\nB,Beta\n")

	book := sheet.NewMemoryBook(map[string]table.Matrix{
		"orgs": {{"stale"}, {"x"}, {"y"}, {"z"}},
	})
	imp := CSVImport{Dir: dir, Table: "orgs", Sink: book}
	assert.Equal(t, "ingest_csv:orgs", imp.Step().Name)

	counts, err := imp.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.In)
	assert.Equal(t, int64(2), counts.Out)

	recs, err := table.ReadAll(context.Background(), book, "orgs", table.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "A", recs[0].Text("org id"))
	assert.Equal(t, "Beta", recs[1].Text("name"))
}

func TestCSVImport_MissingFile(t *testing.T) {
	book := sheet.NewMemoryBook(nil)
	_, err := CSVImport{Dir: t.TempDir(), Table: "orgs", Sink: book}.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest: open")
}

func TestCSVImport_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "users", "")

	book := sheet.NewMemoryBook(nil)
	_, err := CSVImport{Dir: dir, Table: "users", Sink: book}.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, table.ErrEmptyInput))
}

func TestCSVImport_MalformedKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "orgs", "org_id,name\nA,\"unterminated\n")

	book := sheet.NewMemoryBook(map[string]table.Matrix{
		"orgs": {{"org_id"}, {"OLD"}},
	})
	_, err := CSVImport{Dir: dir, Table: "orgs", Sink: book}.Run(context.Background())
	require.Error(t, err)

	g, err := book.Grid(context.Background(), "orgs")
	require.NoError(t, err)
	assert.Equal(t, "OLD", g.Cell(1, 0))
}

// plainSink implements table.Sink without Replace.
type plainSink struct {
	cleared []string
	written map[string][][]any
	saves   int
}

func (p *plainSink) WriteRows(_ context.Context, name string, _, _ int, rows [][]any) error {
	if p.written == nil {
		p.written = map[string][][]any{}
	}
	p.written[name] = rows
	return nil
}

func (p *plainSink) Clear(_ context.Context, name string) error {
	p.cleared = append(p.cleared, name)
	return nil
}

func (p *plainSink) Save() error {
	p.saves++
	return nil
}

func TestReplaceTable_ClearWriteSave(t *testing.T) {
	sink := &plainSink{}
	err := replaceTable(context.Background(), sink, "users", [][]any{{"email"}, {"a@x.io"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, sink.cleared)
	assert.Len(t, sink.written["users"], 2)
	assert.Equal(t, 1, sink.saves)
}

type fakeSF struct {
	desc    *salesforce.SObjectDescription
	records []map[string]any
	err     error
	soql    string
	calls   int
	// throttled fails that many queries with a throttling error first.
	throttled int
	queries   int
}

func (f *fakeSF) Query(_ context.Context, soql string, out any) error {
	f.soql = soql
	f.queries++
	if f.queries <= f.throttled {
		return eris.New("REQUEST_LIMIT_EXCEEDED: ConcurrentPerOrgLongTxn Limit exceeded")
	}
	if f.err != nil {
		return f.err
	}
	p := out.(*[]map[string]any)
	*p = f.records
	return nil
}

func (f *fakeSF) DescribeSObject(_ context.Context, name string) (*salesforce.SObjectDescription, error) {
	f.calls++
	if f.desc == nil {
		return nil, eris.Errorf("no such object %s", name)
	}
	return f.desc, nil
}

func TestSalesforceImport_ExplicitFields(t *testing.T) {
	sf := &fakeSF{records: []map[string]any{
		{"attributes": map[string]any{"type": "Opportunity"}, "Id": "006A", "Amount": 100.0, "Account": map[string]any{"Name": "Acme"}},
		{"Id": "006B", "Amount": nil},
	}}
	book := sheet.NewMemoryBook(nil)
	imp := SalesforceImport{
		Client: sf,
		Object: "Opportunity",
		Table:  "crm_opportunities",
		Fields: []string{"Id", "Amount", "Account"},
		Where:  "IsClosed = true",
		Sink:   book,
	}
	assert.Equal(t, "ingest_salesforce:crm_opportunities", imp.Step().Name)

	counts, err := imp.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.In)
	assert.Equal(t, int64(2), counts.Out)
	assert.Equal(t, "SELECT Id, Amount, Account FROM Opportunity WHERE IsClosed = true", sf.soql)
	assert.Equal(t, 0, sf.calls)

	g, err := book.Grid(context.Background(), "crm_opportunities")
	require.NoError(t, err)
	assert.Equal(t, "Id", g.Cell(0, 0))
	assert.Equal(t, "006A", g.Cell(1, 0))
	assert.Equal(t, 100.0, g.Cell(1, 1))
	assert.Nil(t, g.Cell(1, 2))
	assert.Equal(t, "006B", g.Cell(2, 0))
}

func TestSalesforceImport_DescribeFields(t *testing.T) {
	sf := &fakeSF{
		desc: &salesforce.SObjectDescription{Name: "Account", Fields: []salesforce.SObjectField{
			{Name: "Id", Type: "id"},
			{Name: "BillingAddress", Type: "address"},
			{Name: "Name", Type: "string"},
		}},
		records: []map[string]any{{"Id": "001A", "Name": "Acme"}},
	}
	book := sheet.NewMemoryBook(nil)
	imp := SalesforceImport{Client: sf, Object: "Account", Table: "crm_accounts", Sink: book}

	_, err := imp.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SELECT Id, Name FROM Account", sf.soql)
	assert.Equal(t, 1, sf.calls)
}

func TestSalesforceImport_Errors(t *testing.T) {
	book := sheet.NewMemoryBook(map[string]table.Matrix{"crm_accounts": {{"Id"}, {"keep"}}})

	_, err := SalesforceImport{Client: &fakeSF{}, Object: "Nope", Table: "crm_accounts", Sink: book}.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest: describe Nope")

	sf := &fakeSF{err: eris.New("sf: query")}
	_, err = SalesforceImport{Client: sf, Object: "Account", Table: "crm_accounts", Fields: []string{"Id"}, Sink: book}.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest: query Account")

	g, err := book.Grid(context.Background(), "crm_accounts")
	require.NoError(t, err)
	assert.Equal(t, "keep", g.Cell(1, 0))
}

func TestSalesforceImport_RetriesThrottling(t *testing.T) {
	sf := &fakeSF{throttled: 1, records: []map[string]any{{"Id": "001A"}}}
	book := sheet.NewMemoryBook(nil)
	imp := SalesforceImport{
		Client: sf,
		Object: "Account",
		Table:  "crm_accounts",
		Fields: []string{"Id"},
		Sink:   book,
		Retry:  resilience.Policy{Attempts: 2, Backoff: time.Millisecond},
	}

	counts, err := imp.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sf.queries)
	assert.Equal(t, int64(1), counts.Out)

	sf = &fakeSF{throttled: 5}
	imp.Client = sf
	_, err = imp.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, sf.queries)
}
