// Package join builds lookup indices over records keyed by normalized identity keys.
// Indices are built fresh per run and make no referential-integrity assumptions: a lookup
// miss is reported explicitly and the caller picks the fallback.
package join

import (
	"github.com/sells-group/metrics-cli/internal/identity"
)

// KeyFunc extracts the join key of a record. Returning identity.None skips the record.
type KeyFunc[T any] func(T) identity.Key

// Unique is a one-to-one index. When several records share a key the last one wins.
type Unique[T any] struct {
	m       map[identity.Key]T
	skipped int
}

// NewUnique indexes recs by key.
func NewUnique[T any](recs []T, key KeyFunc[T]) *Unique[T] {
	u := &Unique[T]{m: make(map[identity.Key]T, len(recs))}
	for _, r := range recs {
		k := key(r)
		if !k.Valid() {
			u.skipped++
			continue
		}
		u.m[k] = r
	}
	return u
}

// Get returns the record for k and whether it was found.
func (u *Unique[T]) Get(k identity.Key) (T, bool) {
	r, ok := u.m[k]
	return r, ok
}

// Len returns the number of distinct keys.
func (u *Unique[T]) Len() int { return len(u.m) }

// Skipped returns how many records had no key.
func (u *Unique[T]) Skipped() int { return u.skipped }

// Multi is a one-to-many index preserving input order within each key.
type Multi[T any] struct {
	m       map[identity.Key][]T
	skipped int
}

// NewMulti indexes recs by key.
func NewMulti[T any](recs []T, key KeyFunc[T]) *Multi[T] {
	mi := &Multi[T]{m: make(map[identity.Key][]T)}
	for _, r := range recs {
		mi.Add(key(r), r)
	}
	return mi
}

// Add appends r under k. Records with no key are counted and dropped.
func (mi *Multi[T]) Add(k identity.Key, r T) {
	if !k.Valid() {
		mi.skipped++
		return
	}
	mi.m[k] = append(mi.m[k], r)
}

// Get returns the records for k and whether any exist.
func (mi *Multi[T]) Get(k identity.Key) ([]T, bool) {
	rs, ok := mi.m[k]
	return rs, ok
}

// Keys returns the number of distinct keys.
func (mi *Multi[T]) Keys() int { return len(mi.m) }

// Skipped returns how many records had no key.
func (mi *Multi[T]) Skipped() int { return mi.skipped }

// Set is a de-duplicating one-to-many index of keys, e.g. org → subscription ids. Members
// keep first-insertion order.
type Set struct {
	m map[identity.Key][]identity.Key
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{m: make(map[identity.Key][]identity.Key)}
}

// Add records member under k. Invalid keys or members are ignored; duplicates are ignored.
func (s *Set) Add(k, member identity.Key) {
	if !k.Valid() || !member.Valid() {
		return
	}
	for _, existing := range s.m[k] {
		if existing == member {
			return
		}
	}
	s.m[k] = append(s.m[k], member)
}

// Get returns the members of k.
func (s *Set) Get(k identity.Key) ([]identity.Key, bool) {
	ms, ok := s.m[k]
	return ms, ok
}

// Each calls fn for every key in unspecified order.
func (s *Set) Each(fn func(k identity.Key, members []identity.Key)) {
	for k, ms := range s.m {
		fn(k, ms)
	}
}
