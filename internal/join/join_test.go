package join

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/metrics-cli/internal/identity"
	"github.com/sells-group/metrics-cli/internal/table"
)

func byEmail(r table.Record) identity.Key { return identity.Email(r.Get("email")) }

func TestUnique_LastWins(t *testing.T) {
	recs := []table.Record{
		{"email": "a@x.com", "name": "first"},
		{"email": "A+promo@x.com", "name": "second"},
		{"email": "b@x.com", "name": "other"},
	}
	idx := NewUnique(recs, byEmail)

	assert.Equal(t, 2, idx.Len())
	got, ok := idx.Get(identity.Email("a@x.com"))
	require.True(t, ok)
	assert.Equal(t, "second", got["name"])
}

func TestUnique_MissIsExplicit(t *testing.T) {
	idx := NewUnique([]table.Record{{"email": "a@x.com"}}, byEmail)
	got, ok := idx.Get("nobody@x.com")
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestUnique_SkipsEmptyKeys(t *testing.T) {
	recs := []table.Record{{"email": ""}, {"email": nil}, {"email": "a@x.com"}}
	idx := NewUnique(recs, byEmail)
	assert.Equal(t, 1, idx.Len())
	assert.Equal(t, 2, idx.Skipped())
	_, ok := idx.Get(identity.None)
	assert.False(t, ok)
}

func TestMulti_PreservesOrder(t *testing.T) {
	recs := []table.Record{
		{"email": "a@x.com", "id": "s1"},
		{"email": "b@x.com", "id": "s2"},
		{"email": "a+x@x.com", "id": "s3"},
		{"email": " ", "id": "s4"},
	}
	idx := NewMulti(recs, byEmail)

	got, ok := idx.Get("a@x.com")
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "s1", got[0]["id"])
	assert.Equal(t, "s3", got[1]["id"])
	assert.Equal(t, 2, idx.Keys())
	assert.Equal(t, 1, idx.Skipped())

	_, ok = idx.Get("c@x.com")
	assert.False(t, ok)
}

func TestSet_Dedupes(t *testing.T) {
	s := NewSet()
	s.Add("org1", "sub1")
	s.Add("org1", "sub2")
	s.Add("org1", "sub1")
	s.Add("org2", identity.None)
	s.Add(identity.None, "sub9")

	got, ok := s.Get("org1")
	require.True(t, ok)
	assert.Equal(t, []identity.Key{"sub1", "sub2"}, got)

	_, ok = s.Get("org2")
	assert.False(t, ok)

	n := 0
	s.Each(func(identity.Key, []identity.Key) { n++ })
	assert.Equal(t, 1, n)
}
