package ingest

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/metrics-cli/internal/pipeline"
	"github.com/sells-group/metrics-cli/internal/resilience"
	"github.com/sells-group/metrics-cli/internal/table"
	"github.com/sells-group/metrics-cli/pkg/salesforce"
)

// SalesforceImport replaces one workbook table with the result of a SOQL query over a
// CRM object. Without explicit Fields every directly selectable field is read.
type SalesforceImport struct {
	Client salesforce.Client
	Object string
	Table  string
	Fields []string
	Where  string
	Sink   table.Sink
	// Retry applies to the describe and query calls. Throttling and network errors are
	// retried; the zero value allows three attempts.
	Retry resilience.Policy
}

// Name returns the step name, "ingest_salesforce:<table>".
func (s SalesforceImport) Name() string { return "ingest_salesforce:" + s.Table }

// Step adapts the import into a pipeline step.
func (s SalesforceImport) Step() pipeline.Step {
	return pipeline.Step{Name: s.Name(), Run: s.Run}
}

// SOQL builds the query for the given field list.
func (s SalesforceImport) SOQL(fields []string) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(fields, ", "))
	b.WriteString(" FROM ")
	b.WriteString(s.Object)
	if w := strings.TrimSpace(s.Where); w != "" {
		b.WriteString(" WHERE ")
		b.WriteString(w)
	}
	return b.String()
}

func (s SalesforceImport) fields(ctx context.Context) ([]string, error) {
	if len(s.Fields) > 0 {
		return s.Fields, nil
	}
	desc, err := resilience.DoVal(ctx, s.policy("describe"), func(ctx context.Context) (*salesforce.SObjectDescription, error) {
		return s.Client.DescribeSObject(ctx, s.Object)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: describe %s", s.Object)
	}
	fields := desc.QueryableFields()
	if len(fields) == 0 {
		return nil, eris.Errorf("ingest: %s has no queryable fields", s.Object)
	}
	return fields, nil
}

// Run queries the object and writes a header row of field names followed by one row per
// record. Relationship values (nested objects) are left blank.
func (s SalesforceImport) Run(ctx context.Context) (pipeline.Counts, error) {
	log := zap.L().With(zap.String("component", "ingest"), zap.String("object", s.Object))

	fields, err := s.fields(ctx)
	if err != nil {
		return pipeline.Counts{}, err
	}

	var records []map[string]any
	soql := s.SOQL(fields)
	err = resilience.Do(ctx, s.policy("query"), func(ctx context.Context) error {
		records = nil
		return s.Client.Query(ctx, soql, &records)
	})
	if err != nil {
		return pipeline.Counts{}, eris.Wrapf(err, "ingest: query %s", s.Object)
	}

	rows := make([][]any, 0, len(records)+1)
	header := make([]any, len(fields))
	for i, f := range fields {
		header[i] = f
	}
	rows = append(rows, header)
	for _, rec := range records {
		row := make([]any, len(fields))
		for i, f := range fields {
			row[i] = scalar(rec[f])
		}
		rows = append(rows, row)
	}

	n := int64(len(records))
	if err := replaceTable(ctx, s.Sink, s.Table, rows); err != nil {
		return pipeline.Counts{In: n}, err
	}
	log.Info("salesforce imported", zap.String("table", s.Table), zap.Int64("rows", n))
	return pipeline.Counts{In: n, Out: n}, nil
}

func (s SalesforceImport) policy(op string) resilience.Policy {
	p := s.Retry
	if p.OnRetry == nil {
		p.OnRetry = resilience.LogRetries("ingest", op+" "+s.Object)
	}
	return p
}

func scalar(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		return nil
	default:
		return v
	}
}
