// Package cohort groups classified records into summary and detail buckets keyed by a
// time cohort. Every ingested row lands in exactly one summary bucket and, when detail is
// enabled, exactly one detail bucket.
package cohort

import (
	"sort"

	"github.com/sells-group/metrics-cli/internal/classify"
)

// Counts holds one counter per classification kind, indexed by classify.Kind.
type Counts [6]int

// Total returns the sum of all counters.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Get returns the counter for k.
func (c Counts) Get(k classify.Kind) int {
	if int(k) < 0 || int(k) >= len(c) {
		return 0
	}
	return c[k]
}

// Bucket accumulates the rows sharing a cohort key (and secondary key, for detail buckets).
type Bucket struct {
	Primary   string
	Secondary string
	Rows      int
	Sum       float64
	counts    map[string]*Counts
	sums      map[string]float64
}

func newBucket(primary, secondary string, fields []string) *Bucket {
	b := &Bucket{Primary: primary, Secondary: secondary, counts: make(map[string]*Counts, len(fields))}
	for _, f := range fields {
		b.counts[f] = &Counts{}
	}
	return b
}

// Counts returns the classification counters of one field.
func (b *Bucket) Counts(field string) Counts {
	if c, ok := b.counts[field]; ok {
		return *c
	}
	return Counts{}
}

// Count returns how many rows of field classified as k.
func (b *Bucket) Count(field string, k classify.Kind) int {
	return b.Counts(field).Get(k)
}

// SumOf returns the running total of a named measure.
func (b *Bucket) SumOf(measure string) float64 {
	return b.sums[measure]
}

// Balanced reports whether every field's counters sum to the row count.
func (b *Bucket) Balanced() bool {
	for _, c := range b.counts {
		if c.Total() != b.Rows {
			return false
		}
	}
	return true
}

// Entry is one record to ingest.
type Entry struct {
	Primary   string
	Secondary string
	// Fields holds the classified values of the aggregator's fields. Missing fields count
	// as blank.
	Fields map[string]classify.Value
	// Amount, when set, is added to the bucket sum (0 for non-numeric kinds).
	Amount *classify.Value
	// Measures are added to the bucket's named sums.
	Measures map[string]float64
}

type pair struct{ primary, secondary string }

// Aggregator owns the buckets of one report.
type Aggregator struct {
	fields  []string
	detail  bool
	rows    int
	summary map[string]*Bucket
	details map[pair]*Bucket
}

// New creates an aggregator counting kinds for fields. When detail is true it also keeps
// one bucket per (primary, secondary) pair.
func New(fields []string, detail bool) *Aggregator {
	return &Aggregator{
		fields:  append([]string(nil), fields...),
		detail:  detail,
		summary: make(map[string]*Bucket),
		details: make(map[pair]*Bucket),
	}
}

// Fields returns the classified fields in declaration order.
func (a *Aggregator) Fields() []string { return a.fields }

// Ingest adds one record. Blank keys are replaced by classify.NoValue.
func (a *Aggregator) Ingest(e Entry) {
	primary := keyOrSentinel(e.Primary)
	a.rows++

	b, ok := a.summary[primary]
	if !ok {
		b = newBucket(primary, "", a.fields)
		a.summary[primary] = b
	}
	a.add(b, e)

	if !a.detail {
		return
	}
	secondary := keyOrSentinel(e.Secondary)
	p := pair{primary, secondary}
	d, ok := a.details[p]
	if !ok {
		d = newBucket(primary, secondary, a.fields)
		a.details[p] = d
	}
	a.add(d, e)
}

func (a *Aggregator) add(b *Bucket, e Entry) {
	b.Rows++
	for _, f := range a.fields {
		v, ok := e.Fields[f]
		kind := classify.Blank
		if ok {
			kind = v.Kind
		}
		b.counts[f][kind]++
	}
	if e.Amount != nil {
		b.Sum += e.Amount.NumberOrZero()
	}
	for name, v := range e.Measures {
		if b.sums == nil {
			b.sums = make(map[string]float64)
		}
		b.sums[name] += v
	}
}

// Rows returns the number of ingested records.
func (a *Aggregator) Rows() int { return a.rows }

// Summary returns the summary buckets sorted by primary key.
func (a *Aggregator) Summary() []*Bucket {
	out := make([]*Bucket, 0, len(a.summary))
	for _, b := range a.summary {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Primary < out[j].Primary })
	return out
}

// Detail returns the detail buckets sorted by primary then secondary key. It is empty
// unless the aggregator was created with detail enabled.
func (a *Aggregator) Detail() []*Bucket {
	out := make([]*Bucket, 0, len(a.details))
	for _, b := range a.details {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Primary != out[j].Primary {
			return out[i].Primary < out[j].Primary
		}
		return out[i].Secondary < out[j].Secondary
	})
	return out
}

func keyOrSentinel(k string) string {
	if k == "" {
		return classify.NoValue
	}
	return k
}
