package report

import (
	"context"

	"github.com/sells-group/metrics-cli/internal/identity"
	"github.com/sells-group/metrics-cli/internal/join"
	"github.com/sells-group/metrics-cli/internal/table"
)

// Sources names the raw tables the identity and billing reports read.
type Sources struct {
	Orgs          string `mapstructure:"orgs" yaml:"orgs"`
	Memberships   string `mapstructure:"memberships" yaml:"memberships"`
	Users         string `mapstructure:"users" yaml:"users"`
	Subscriptions string `mapstructure:"subscriptions" yaml:"subscriptions"`
}

// DefaultSources returns the default raw table names.
func DefaultSources() Sources {
	return Sources{
		Orgs:          "orgs",
		Memberships:   "memberships",
		Users:         "users",
		Subscriptions: "subscriptions",
	}
}

// Raw column names.
const (
	colOrgID          = "org_id"
	colName           = "name"
	colSlug           = "slug"
	colOwnerEmail     = "owner_email"
	colCreatedAt      = "created_at"
	colEmail          = "email"
	colRole           = "role"
	colSubscriptionID = "subscription_id"
	colCustomerEmail  = "customer_email"
	colStatus         = "status"
	colCreated        = "created"
)

// directory holds the identity and billing tables of one run with their join indices.
type directory struct {
	orgs        []table.Record
	memberships []table.Record
	rowsIn      int64
	orgByID     *join.Unique[table.Record]
	members     *join.Multi[table.Record]  // org id → memberships
	users       *join.Unique[table.Record] // email → user
	subs        *join.Multi[table.Record]  // customer email → subscriptions
}

func loadDirectory(ctx context.Context, src table.Source, s Sources) (*directory, error) {
	orgs, err := table.ReadAll(ctx, src, s.Orgs, table.ReadOptions{})
	if err != nil {
		return nil, err
	}
	memberships, err := table.ReadAll(ctx, src, s.Memberships, table.ReadOptions{})
	if err != nil {
		return nil, err
	}
	users, err := table.ReadAll(ctx, src, s.Users, table.ReadOptions{})
	if err != nil {
		return nil, err
	}
	subs, err := table.ReadAll(ctx, src, s.Subscriptions, table.ReadOptions{})
	if err != nil {
		return nil, err
	}

	byField := func(field string, norm func(any) identity.Key) join.KeyFunc[table.Record] {
		return func(r table.Record) identity.Key { return norm(r.Get(field)) }
	}

	return &directory{
		orgs:        orgs,
		memberships: memberships,
		rowsIn:      int64(len(orgs) + len(memberships) + len(users) + len(subs)),
		orgByID:     join.NewUnique(orgs, byField(colOrgID, identity.ID)),
		members:     join.NewMulti(memberships, byField(colOrgID, identity.ID)),
		users:       join.NewUnique(users, byField(colEmail, identity.Email)),
		subs:        join.NewMulti(subs, byField(colCustomerEmail, identity.Email)),
	}, nil
}

// orgIDs returns every distinct org id in the orgs table followed by ids that appear only
// in memberships.
func (d *directory) orgIDs() []identity.Key {
	seen := make(map[identity.Key]struct{})
	var out []identity.Key
	add := func(recs []table.Record) {
		for _, r := range recs {
			id := identity.ID(r.Get(colOrgID))
			if !id.Valid() {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	add(d.orgs)
	add(d.memberships)
	return out
}

// memberEmail resolves a membership to its user's email key, falling back to the
// membership's own email when no user matches.
func (d *directory) memberEmail(m table.Record) identity.Key {
	k := identity.Email(m.Get(colEmail))
	if u, ok := d.users.Get(k); ok {
		if uk := identity.Email(u.Get(colEmail)); uk.Valid() {
			return uk
		}
	}
	return k
}

// subscriptions returns every subscription touched by the org's members, in membership
// order. A subscription reachable through two members appears twice.
func (d *directory) subscriptions(orgID identity.Key) []table.Record {
	ms, _ := d.members.Get(orgID)
	var out []table.Record
	for _, m := range ms {
		if subs, ok := d.subs.Get(d.memberEmail(m)); ok {
			out = append(out, subs...)
		}
	}
	return out
}
