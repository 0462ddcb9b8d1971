package audit

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"

	"github.com/sells-group/metrics-cli/internal/resilience"
	"github.com/sells-group/metrics-cli/pkg/notion"
)

// Run-log database property names.
const (
	propStep    = "Step"
	propRunID   = "Run ID"
	propStatus  = "Status"
	propRowsIn  = "Rows In"
	propRowsOut = "Rows Out"
	propElapsed = "Elapsed Seconds"
	propError   = "Error"
	propLogged  = "Logged At"
)

// NotionSink mirrors audit entries into a Notion database, one page per entry.
// When Steps is non-empty only entries for those steps are written.
type NotionSink struct {
	client notion.Client
	dbID   string
	steps  map[string]struct{}
	retry  resilience.Policy
}

// NewNotionSink creates a sink writing to the given database.
func NewNotionSink(client notion.Client, dbID string, steps ...string) *NotionSink {
	s := &NotionSink{client: client, dbID: dbID}
	if len(steps) > 0 {
		s.steps = make(map[string]struct{}, len(steps))
		for _, st := range steps {
			s.steps[st] = struct{}{}
		}
	}
	return s
}

// WithRetry sets the policy applied to page creation.
func (n *NotionSink) WithRetry(p resilience.Policy) *NotionSink {
	n.retry = p
	return n
}

// Append implements Sink.
func (n *NotionSink) Append(ctx context.Context, e Entry) error {
	if n.steps != nil {
		if _, ok := n.steps[e.Step]; !ok {
			return nil
		}
	}
	e = Stamp(e)
	props := notionapi.Properties{
		propStep:    notion.Title(e.Step),
		propRunID:   notion.Text(e.RunID),
		propStatus:  notion.Select(e.Status),
		propRowsIn:  notion.Number(float64(e.RowsIn)),
		propRowsOut: notion.Number(float64(e.RowsOut)),
		propElapsed: notion.Number(e.ElapsedSeconds),
		propLogged:  notion.Date(e.LoggedAt),
	}
	if e.Error != "" {
		props[propError] = notion.Text(e.Error)
	}
	retry := n.retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.LogRetries("audit", "notion append")
	}
	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		_, err := notion.CreateRow(ctx, n.client, n.dbID, props)
		return err
	})
	if err != nil {
		return eris.Wrapf(err, "audit: notion append %s", e.Step)
	}
	return nil
}

// List implements Reader.
func (n *NotionSink) List(ctx context.Context, f Filter) ([]Entry, error) {
	req := &notionapi.DatabaseQueryRequest{
		Sorts: []notionapi.SortObject{{Property: propLogged, Direction: notionapi.SortOrderDESC}},
	}
	if f.RunID != "" {
		req.Filter = notionapi.PropertyFilter{Property: propRunID, RichText: &notionapi.TextFilterCondition{Equals: f.RunID}}
	}

	var out []Entry
	err := notion.Scan(ctx, n.client, n.dbID, req, func(p notionapi.Page) bool {
		e := Entry{
			Step:           notion.PlainText(p.Properties[propStep]),
			RunID:          notion.PlainText(p.Properties[propRunID]),
			Status:         notion.PlainText(p.Properties[propStatus]),
			RowsIn:         int64(notion.NumberValue(p.Properties[propRowsIn])),
			RowsOut:        int64(notion.NumberValue(p.Properties[propRowsOut])),
			ElapsedSeconds: notion.NumberValue(p.Properties[propElapsed]),
			Error:          notion.PlainText(p.Properties[propError]),
			LoggedAt:       notion.DateValue(p.Properties[propLogged]),
		}
		if f.Step == "" || e.Step == f.Step {
			out = append(out, e)
		}
		return f.Limit <= 0 || len(out) < f.Limit
	})
	if err != nil {
		return nil, eris.Wrap(err, "audit: notion list")
	}
	return out, nil
}
