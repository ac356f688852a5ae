package pgstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/warden/internal/finding"
)

// builder accumulates positional arguments while a Query is compiled.
type builder struct {
	args []any
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// compileSearch turns a Query into a SELECT over one index. Semantics follow
// finding.Query.Matches: missing fields never match, numbers compare
// numerically and the time range bounds the ts column.
func compileSearch(index string, q finding.Query) (string, []any, error) {
	b := &builder{}
	where := []string{"idx = " + b.arg(index)}

	if !q.From.IsZero() {
		where = append(where, "ts >= "+b.arg(q.From.UTC()))
	}
	if !q.To.IsZero() {
		where = append(where, "ts <= "+b.arg(q.To.UTC()))
	}
	for _, c := range q.Must {
		expr, err := b.clause(c)
		if err != nil {
			return "", nil, err
		}
		where = append(where, expr)
	}
	if need := q.RequiredShould(); need > 0 {
		terms := make([]string, 0, len(q.Should))
		for _, c := range q.Should {
			expr, err := b.clause(c)
			if err != nil {
				return "", nil, err
			}
			terms = append(terms, "COALESCE(("+expr+")::int, 0)")
		}
		where = append(where, "("+strings.Join(terms, " + ")+") >= "+b.arg(need))
	}

	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	sql := "SELECT id, doc FROM findings WHERE " + strings.Join(where, " AND ") +
		" ORDER BY ts " + dir + " NULLS LAST, id " + dir
	if q.Limit > 0 {
		sql += " LIMIT " + b.arg(q.Limit)
	}
	return sql, b.args, nil
}

func (b *builder) clause(c finding.Clause) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	if c.Value == nil {
		return "", fmt.Errorf("clause %s: nil value", c.Field)
	}

	switch c.Field {
	case finding.FieldProcessed:
		v, ok := c.Value.(bool)
		if !ok || c.Op != finding.OpEq {
			return "", fmt.Errorf("clause %s: only boolean equality is supported", c.Field)
		}
		// the column defaults to false; a document without the key never matches
		return "(processed = " + b.arg(v) + " AND jsonb_typeof(doc -> '" + finding.FieldProcessed + "') = 'boolean')", nil
	case finding.FieldTimestamp:
		t, ok := timeValue(c.Value)
		if !ok {
			return "", fmt.Errorf("clause %s: value %v is not a timestamp", c.Field, c.Value)
		}
		return "ts " + sqlOp(c.Op) + " " + b.arg(t), nil
	}

	field := b.arg(c.Field) + "::text"
	if c.Op == finding.OpEq {
		v := c.Value
		if t, ok := v.(time.Time); ok {
			v = finding.FormatTime(t)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("clause %s: %w", c.Field, err)
		}
		return "doc -> " + field + " = " + b.arg(string(raw)) + "::jsonb", nil
	}

	if n, ok := numberValue(c.Value); ok {
		return "(CASE WHEN jsonb_typeof(doc -> " + field + ") = 'number' THEN (doc ->> " + field + ")::numeric END) " +
			sqlOp(c.Op) + " " + b.arg(n), nil
	}
	var s string
	switch v := c.Value.(type) {
	case string:
		s = v
	case time.Time:
		s = finding.FormatTime(v)
	default:
		return "", fmt.Errorf("clause %s: unsupported range value %T", c.Field, c.Value)
	}
	// stored timestamps are fixed width, so text order is time order
	if t, ok := finding.ParseTime(s); ok {
		s = finding.FormatTime(t)
	}
	return "(CASE WHEN jsonb_typeof(doc -> " + field + ") = 'string' THEN doc ->> " + field + " END) " +
		sqlOp(c.Op) + " " + b.arg(s), nil
}

func sqlOp(op finding.Op) string {
	switch op {
	case finding.OpGt:
		return ">"
	case finding.OpGte:
		return ">="
	case finding.OpLt:
		return "<"
	case finding.OpLte:
		return "<="
	}
	return "="
}

func timeValue(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), true
	case string:
		t, ok := finding.ParseTime(x)
		return t.UTC(), ok
	}
	return time.Time{}, false
}

func numberValue(v any) (float64, bool) {
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
	}
	return 0, false
}
