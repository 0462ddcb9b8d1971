package report

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metrics-cli/internal/classify"
	"github.com/sells-group/metrics-cli/internal/cohort"
	"github.com/sells-group/metrics-cli/internal/identity"
	"github.com/sells-group/metrics-cli/internal/table"
)

// ConversionHeader is the column order of the cohort-conversion report.
var ConversionHeader = []string{
	"cohort_month", "total", "converted", "conversion_rate",
	"converted_within_window", "conversion_rate_within_window",
}

// DefaultPaidStatuses are the subscription statuses that count as a conversion.
var DefaultPaidStatuses = []string{"active", "past_due", "canceled", "unpaid"}

const (
	measureConverted = "converted"
	measureInWindow  = "converted_within_window"
)

// Conversion reports, per org-creation month, how many orgs reached a paid subscription.
type Conversion struct {
	Sources      Sources
	Output       string
	WindowDays   int
	PaidStatuses []string
}

// Name implements Job.
func (c *Conversion) Name() string { return "conversion" }

// Build implements Job.
func (c *Conversion) Build(ctx context.Context, src table.Source) (*Output, error) {
	dir, err := loadDirectory(ctx, src, c.Sources)
	if err != nil {
		return nil, err
	}
	// Cohorts come from org creation dates, so there is nothing to report without orgs.
	if len(dir.orgs) == 0 {
		return nil, eris.Wrapf(table.ErrEmptyInput, "report: %s has no data rows", c.Sources.Orgs)
	}

	paid := make(map[string]struct{})
	statuses := c.PaidStatuses
	if len(statuses) == 0 {
		statuses = DefaultPaidStatuses
	}
	for _, s := range statuses {
		paid[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}

	agg := cohort.New(nil, false)
	for _, org := range dir.orgs {
		created := classify.ClassifyDate(org.Get(colCreatedAt))
		converted, inWindow := c.convert(dir, identity.ID(org.Get(colOrgID)), created, paid)
		agg.Ingest(cohort.Entry{
			Primary: classify.CohortKey(created, classify.Month),
			Measures: map[string]float64{
				measureConverted: flag(converted),
				measureInWindow:  flag(inWindow),
			},
		})
	}

	t := &Table{Name: c.output(), Header: ConversionHeader}
	for _, b := range agg.Summary() {
		total := float64(b.Rows)
		conv := b.SumOf(measureConverted)
		win := b.SumOf(measureInWindow)
		t.Rows = append(t.Rows, []any{
			b.Primary, b.Rows, int(conv), Ratio(conv, total), int(win), Ratio(win, total),
		})
	}
	return &Output{Tables: []*Table{t}, RowsIn: dir.rowsIn}, nil
}

// convert reports whether the org has any paid subscription and whether the earliest
// paid one started within the window of the org's creation.
func (c *Conversion) convert(dir *directory, orgID identity.Key, created classify.Value, paid map[string]struct{}) (converted, inWindow bool) {
	if !orgID.Valid() {
		return false, false
	}
	var earliest time.Time
	for _, s := range dir.subscriptions(orgID) {
		status := strings.ToLower(strings.TrimSpace(s.Text(colStatus)))
		if _, ok := paid[status]; !ok {
			continue
		}
		converted = true
		if v := classify.ClassifyDate(s.Get(colCreated)); v.Kind.IsDate() {
			if earliest.IsZero() || v.Time.Before(earliest) {
				earliest = v.Time
			}
		}
	}
	if !converted || earliest.IsZero() || !created.Kind.IsDate() {
		return converted, false
	}
	return converted, !earliest.After(created.Time.AddDate(0, 0, c.window()))
}

func (c *Conversion) window() int {
	if c.WindowDays <= 0 {
		return 30
	}
	return c.WindowDays
}

func (c *Conversion) output() string {
	if c.Output == "" {
		return "conversion"
	}
	return c.Output
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
