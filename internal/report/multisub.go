package report

import (
	"context"
	"sort"
	"strings"

	"github.com/sells-group/metrics-cli/internal/identity"
	"github.com/sells-group/metrics-cli/internal/join"
	"github.com/sells-group/metrics-cli/internal/table"
)

// MultiSubscriptionHeader is the column order of the multi-subscription audit.
var MultiSubscriptionHeader = []string{
	"entity_id", "entity_name", "owner_contact",
	"subscription_count", "subscription_ids", "subscription_statuses",
}

// MultiSubscription lists orgs whose members touch two or more distinct subscriptions.
type MultiSubscription struct {
	Sources Sources
	Output  string
}

// Name implements Job.
func (m *MultiSubscription) Name() string { return "multi_subscription" }

// Build implements Job.
func (m *MultiSubscription) Build(ctx context.Context, src table.Source) (*Output, error) {
	dir, err := loadDirectory(ctx, src, m.Sources)
	if err != nil {
		return nil, err
	}

	subIDs := join.NewSet()
	statuses := make(map[identity.Key]map[string]struct{})
	orgIDs := dir.orgIDs()
	for _, id := range orgIDs {
		for _, s := range dir.subscriptions(id) {
			sid := identity.ID(s.Get(colSubscriptionID))
			if !sid.Valid() {
				continue
			}
			subIDs.Add(id, sid)
			if st := s.Text(colStatus); st != "" {
				if statuses[id] == nil {
					statuses[id] = make(map[string]struct{})
				}
				statuses[id][st] = struct{}{}
			}
		}
	}

	sort.Slice(orgIDs, func(i, j int) bool { return orgIDs[i] < orgIDs[j] })

	t := &Table{Name: m.output(), Header: MultiSubscriptionHeader}
	for _, id := range orgIDs {
		ids, _ := subIDs.Get(id)
		if len(ids) < 2 {
			continue
		}
		names := make([]string, len(ids))
		for i, k := range ids {
			names[i] = k.String()
		}
		sort.Strings(names)

		var name string
		if org, ok := dir.orgByID.Get(id); ok {
			name = org.Text(colName)
		}
		t.Rows = append(t.Rows, []any{
			id.String(),
			name,
			m.ownerContact(dir, id),
			len(ids),
			strings.Join(names, ", "),
			strings.Join(sortedKeys(statuses[id]), ", "),
		})
	}
	return &Output{Tables: []*Table{t}, RowsIn: dir.rowsIn}, nil
}

// ownerContact prefers the org's owner email, then its first admin member, then its first
// member.
func (m *MultiSubscription) ownerContact(dir *directory, id identity.Key) string {
	if org, ok := dir.orgByID.Get(id); ok {
		if owner := org.Text(colOwnerEmail); owner != "" {
			return owner
		}
	}
	members, _ := dir.members.Get(id)
	for _, mb := range members {
		if strings.EqualFold(mb.Text(colRole), "admin") {
			if e := mb.Text(colEmail); e != "" {
				return e
			}
		}
	}
	for _, mb := range members {
		if e := mb.Text(colEmail); e != "" {
			return e
		}
	}
	return ""
}

func (m *MultiSubscription) output() string {
	if m.Output == "" {
		return "multi_subscription"
	}
	return m.Output
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
