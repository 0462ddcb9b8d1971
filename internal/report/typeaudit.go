package report

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metrics-cli/internal/classify"
	"github.com/sells-group/metrics-cli/internal/cohort"
	"github.com/sells-group/metrics-cli/internal/table"
)

// TypeAuditSpec configures one type audit.
type TypeAuditSpec struct {
	Name           string `mapstructure:"name" yaml:"name"`
	Table          string `mapstructure:"table" yaml:"table"`
	Output         string `mapstructure:"output" yaml:"output"`
	CohortField    string `mapstructure:"cohort_field" yaml:"cohort_field"`
	Grain          string `mapstructure:"grain" yaml:"grain"`
	NumericField   string `mapstructure:"numeric_field" yaml:"numeric_field"`
	SecondaryField string `mapstructure:"secondary_field" yaml:"secondary_field"`
	DetailField    string `mapstructure:"detail_field" yaml:"detail_field"`
}

// TypeAudit counts how the values of a numeric field (and optionally a secondary field)
// classify, per cohort.
type TypeAudit struct {
	spec  TypeAuditSpec
	grain classify.Grain
}

// NewTypeAudit validates spec and creates the job.
func NewTypeAudit(spec TypeAuditSpec) (*TypeAudit, error) {
	if spec.Name == "" || spec.Table == "" || spec.CohortField == "" || spec.NumericField == "" {
		return nil, eris.Errorf("report: type audit %q needs name, table, cohort_field and numeric_field", spec.Name)
	}
	g, err := classify.ParseGrain(spec.Grain)
	if err != nil {
		return nil, eris.Wrapf(err, "report: type audit %q", spec.Name)
	}
	if spec.Output == "" {
		spec.Output = "type_audit_" + spec.Name
	}
	return &TypeAudit{spec: spec, grain: g}, nil
}

// Name implements Job.
func (a *TypeAudit) Name() string { return "type_audit:" + a.spec.Name }

// Header returns the summary column order.
func (a *TypeAudit) Header() []string {
	return append([]string{"cohort_key"}, a.counterColumns()...)
}

func (a *TypeAudit) counterColumns() []string {
	cols := []string{
		"row_count", "numeric_field_sum",
		"numeric_count", "numeric_as_text_count", "blank_count", "opaque_text_count",
	}
	if a.spec.SecondaryField != "" {
		prefix := columnName(a.spec.SecondaryField)
		for _, k := range classify.Kinds {
			cols = append(cols, prefix+"_"+k.String()+"_count")
		}
	}
	return cols
}

// Build implements Job.
func (a *TypeAudit) Build(ctx context.Context, src table.Source) (*Output, error) {
	recs, err := table.ReadAll(ctx, src, a.spec.Table, table.ReadOptions{})
	if err != nil {
		return nil, err
	}

	fields := []string{a.spec.NumericField}
	if a.spec.SecondaryField != "" {
		fields = append(fields, a.spec.SecondaryField)
	}
	detail := a.spec.DetailField != ""
	agg := cohort.New(fields, detail)

	for _, r := range recs {
		amount := classify.Classify(r.Get(a.spec.NumericField))
		e := cohort.Entry{
			Primary: classify.CohortKey(classify.ClassifyDate(r.Get(a.spec.CohortField)), a.grain),
			Fields:  map[string]classify.Value{a.spec.NumericField: amount},
			Amount:  &amount,
		}
		if a.spec.SecondaryField != "" {
			e.Fields[a.spec.SecondaryField] = classify.Classify(r.Get(a.spec.SecondaryField))
		}
		if detail {
			e.Secondary = classify.Key(r.Get(a.spec.DetailField))
		}
		agg.Ingest(e)
	}

	summary := &Table{Name: a.spec.Output, Header: a.Header()}
	for _, b := range agg.Summary() {
		summary.Rows = append(summary.Rows, append([]any{b.Primary}, a.counters(b)...))
	}
	out := &Output{Tables: []*Table{summary}, RowsIn: int64(len(recs))}

	if detail {
		d := &Table{
			Name:   a.spec.Output + "_detail",
			Header: append([]string{"cohort_key", "detail_key"}, a.counterColumns()...),
		}
		for _, b := range agg.Detail() {
			d.Rows = append(d.Rows, append([]any{b.Primary, b.Secondary}, a.counters(b)...))
		}
		out.Tables = append(out.Tables, d)
	}
	return out, nil
}

// counters renders a bucket's counter columns. Date kinds of the numeric field are folded
// into opaque_text_count.
func (a *TypeAudit) counters(b *cohort.Bucket) []any {
	c := b.Counts(a.spec.NumericField)
	row := []any{
		b.Rows,
		b.Sum,
		c.Get(classify.Numeric),
		c.Get(classify.NumericAsText),
		c.Get(classify.Blank),
		c.Get(classify.OpaqueText) + c.Get(classify.Date) + c.Get(classify.DateAsText),
	}
	if a.spec.SecondaryField != "" {
		sc := b.Counts(a.spec.SecondaryField)
		for _, k := range classify.Kinds {
			row = append(row, sc.Get(k))
		}
	}
	return row
}
