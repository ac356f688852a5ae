package finding

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// Op is a clause comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// Clause is a single field predicate: an equality term or a range bound.
type Clause struct {
	Field string `json:"field" yaml:"field"`
	Op    Op     `json:"op" yaml:"op"`
	Value any    `json:"value" yaml:"value"`
}

// Eq is shorthand for an equality clause.
func Eq(field string, value any) Clause { return Clause{Field: field, Op: OpEq, Value: value} }

// Gte is shorthand for a lower-bound range clause.
func Gte(field string, value any) Clause { return Clause{Field: field, Op: OpGte, Value: value} }

// Query is a boolean search over one index: every Must clause holds and at
// least MinimumShouldMatch Should clauses hold. When Must is empty and
// MinimumShouldMatch is zero, one Should clause is required, matching the
// usual document-search semantics.
//
// From and To bound the @timestamp field inclusively; zero means unbounded.
type Query struct {
	From               time.Time
	To                 time.Time
	Must               []Clause
	Should             []Clause
	MinimumShouldMatch int
	Limit              int
	Descending         bool
}

// RequiredShould returns how many Should clauses must match.
func (q Query) RequiredShould() int {
	if len(q.Should) == 0 {
		return 0
	}
	if q.MinimumShouldMatch > 0 {
		return q.MinimumShouldMatch
	}
	if len(q.Must) == 0 {
		return 1
	}
	return 0
}

// Matches reports whether the document satisfies the query predicate and time range.
func (q Query) Matches(doc Document) bool {
	if !q.From.IsZero() || !q.To.IsZero() {
		ts, ok := docTime(doc)
		if !ok {
			return false
		}
		if !q.From.IsZero() && ts.Before(q.From) {
			return false
		}
		if !q.To.IsZero() && ts.After(q.To) {
			return false
		}
	}

	for _, c := range q.Must {
		if !c.Matches(doc) {
			return false
		}
	}

	need := q.RequiredShould()
	if need == 0 {
		return true
	}
	hits := 0
	for _, c := range q.Should {
		if c.Matches(doc) {
			hits++
			if hits >= need {
				return true
			}
		}
	}
	return false
}

// Matches evaluates the clause against a document. Missing fields never match.
func (c Clause) Matches(doc Document) bool {
	v, ok := doc[c.Field]
	if !ok || v == nil {
		return false
	}
	n, ok := compare(v, c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq, "":
		return n == 0
	case OpGt:
		return n > 0
	case OpGte:
		return n >= 0
	case OpLt:
		return n < 0
	case OpLte:
		return n <= 0
	}
	return false
}

// Validate rejects clauses with an empty field or unknown operator.
func (c Clause) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("clause: empty field")
	}
	switch c.Op {
	case OpEq, OpGt, OpGte, OpLt, OpLte:
		return nil
	}
	return fmt.Errorf("clause %s: unknown op %q", c.Field, c.Op)
}

// Sort orders findings by timestamp, ties broken by id.
func Sort(fs []*Finding, descending bool) {
	slices.SortStableFunc(fs, func(a, b *Finding) int {
		n := a.Timestamp.Compare(b.Timestamp)
		if n == 0 {
			n = cmp.Compare(a.ID, b.ID)
		}
		if descending {
			return -n
		}
		return n
	})
}

func docTime(doc Document) (time.Time, bool) {
	s, ok := doc[FieldTimestamp].(string)
	if !ok {
		return time.Time{}, false
	}
	return ParseTime(s)
}

// compare orders a stored value against a query value. Numbers compare
// numerically, booleans only for equality, timestamps chronologically and
// anything else as strings.
func compare(stored, want any) (int, bool) {
	if a, ok := toFloat(stored); ok {
		if b, ok := toFloat(want); ok {
			return cmp.Compare(a, b), true
		}
	}
	if a, ok := stored.(bool); ok {
		b, ok := want.(bool)
		if !ok {
			return 0, false
		}
		if a == b {
			return 0, true
		}
		return 1, true
	}
	as, ok := stored.(string)
	if !ok {
		return 0, false
	}
	var bs string
	switch w := want.(type) {
	case string:
		bs = w
	case time.Time:
		bs = FormatTime(w)
	default:
		return 0, false
	}
	if at, ok := ParseTime(as); ok {
		if bt, ok := ParseTime(bs); ok {
			return at.Compare(bt), true
		}
	}
	return cmp.Compare(as, bs), true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint64:
		return float64(x), true
	case interface{ Float64() (float64, error) }:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}
