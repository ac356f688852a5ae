package finding

import (
	"testing"
	"time"
)

func TestClauseMatches(t *testing.T) {
	t.Parallel()

	doc := Document{
		"failed_logins":  7.0,
		"unusual_time":   true,
		"action":         "privilege_escalation",
		FieldTimestamp:   "2026-03-01T12:00:00.000000Z",
		FieldProcessed:   false,
		"bytes":          int64(2_000_000_000),
		"missing_is_nil": nil,
	}

	tests := []struct {
		name   string
		clause Clause
		want   bool
	}{
		{"numeric gte hit", Gte("failed_logins", 5), true},
		{"numeric gte miss", Gte("failed_logins", 10), false},
		{"numeric lt", Clause{Field: "failed_logins", Op: OpLt, Value: 8}, true},
		{"int64 vs float", Gte("bytes", 1e9), true},
		{"bool eq", Eq("unusual_time", true), true},
		{"bool ne", Eq("unusual_time", false), false},
		{"processed false", Eq(FieldProcessed, false), true},
		{"string eq", Eq("action", "privilege_escalation"), true},
		{"string ne", Eq("action", "login"), false},
		{"time gte", Gte(FieldTimestamp, "2026-03-01T11:58:00Z"), true},
		{"time gte miss", Gte(FieldTimestamp, "2026-03-01T12:00:01Z"), false},
		{"time value", Gte(FieldTimestamp, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)), true},
		{"missing field", Eq("nope", "x"), false},
		{"nil field", Eq("missing_is_nil", "x"), false},
		{"type mismatch", Eq("failed_logins", "7"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.clause.Matches(doc); got != tt.want {
				t.Errorf("%+v.Matches = %v, want %v", tt.clause, got, tt.want)
			}
		})
	}
}

func TestQueryMatches_Bool(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		q    Query
		doc  Document
		want bool
	}{
		{
			name: "should only requires one",
			q:    Query{Should: []Clause{Gte("failed_logins", 5), Eq("new_location", true)}},
			doc:  Document{"new_location": true},
			want: true,
		},
		{
			name: "should only none match",
			q:    Query{Should: []Clause{Gte("failed_logins", 5), Eq("new_location", true)}},
			doc:  Document{"failed_logins": 1},
			want: false,
		},
		{
			name: "must all",
			q:    Query{Must: []Clause{Eq("action", "privilege_escalation"), Eq("authorized", false)}},
			doc:  Document{"action": "privilege_escalation", "authorized": false},
			want: true,
		},
		{
			name: "must one fails",
			q:    Query{Must: []Clause{Eq("action", "privilege_escalation"), Eq("authorized", false)}},
			doc:  Document{"action": "privilege_escalation", "authorized": true},
			want: false,
		},
		{
			name: "should optional alongside must",
			q:    Query{Must: []Clause{Eq("a", 1)}, Should: []Clause{Eq("b", 2)}},
			doc:  Document{"a": 1},
			want: true,
		},
		{
			name: "minimum should match two",
			q:    Query{Should: []Clause{Eq("a", 1), Eq("b", 2), Eq("c", 3)}, MinimumShouldMatch: 2},
			doc:  Document{"a": 1, "c": 4},
			want: false,
		},
		{
			name: "empty query matches",
			q:    Query{},
			doc:  Document{},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.q.Matches(tt.doc); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueryMatches_TimeRange(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := Query{From: now.Add(-2 * time.Minute), To: now}

	in := Document{FieldTimestamp: FormatTime(now.Add(-time.Minute))}
	old := Document{FieldTimestamp: FormatTime(now.Add(-3 * time.Minute))}
	future := Document{FieldTimestamp: FormatTime(now.Add(time.Minute))}
	noTS := Document{}

	if !q.Matches(in) {
		t.Error("in-window document did not match")
	}
	if q.Matches(old) {
		t.Error("document older than window matched")
	}
	if q.Matches(future) {
		t.Error("document after window matched")
	}
	if q.Matches(noTS) {
		t.Error("document without timestamp matched a bounded query")
	}
}

func TestSort(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := []*Finding{
		{ID: "c", Timestamp: base.Add(2 * time.Second)},
		{ID: "b", Timestamp: base},
		{ID: "a", Timestamp: base},
	}

	Sort(fs, false)
	if fs[0].ID != "a" || fs[1].ID != "b" || fs[2].ID != "c" {
		t.Errorf("ascending order = %s,%s,%s", fs[0].ID, fs[1].ID, fs[2].ID)
	}

	Sort(fs, true)
	if fs[0].ID != "c" {
		t.Errorf("descending first = %s, want c", fs[0].ID)
	}
}

func TestClauseValidate(t *testing.T) {
	t.Parallel()

	if err := Eq("a", 1).Validate(); err != nil {
		t.Errorf("valid clause: %v", err)
	}
	if err := (Clause{Op: OpEq}).Validate(); err == nil {
		t.Error("empty field accepted")
	}
	if err := (Clause{Field: "a", Op: "like"}).Validate(); err == nil {
		t.Error("unknown op accepted")
	}
}
