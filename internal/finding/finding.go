// Package finding defines the finding record exchanged with the finding
// store, the boolean query model used to search it, and the Store interface
// implemented by memstore and pgstore.
package finding

import (
	"fmt"
	"maps"
	"strconv"
	"time"
)

// Well-known document keys.
const (
	FieldTimestamp     = "@timestamp"
	FieldSource        = "source_ip"
	FieldCategory      = "alert_type"
	FieldSeverity      = "severity"
	FieldTechnique     = "mitre_technique"
	FieldHostname      = "hostname"
	FieldUsername      = "username"
	FieldProcessed     = "soar_processed"
	FieldPlaybook      = "playbook_executed"
	FieldExecutionTime = "execution_time"
	FieldDisposition   = "soar_disposition"
)

// UnknownSource is the correlation key used when a finding carries no source.
const UnknownSource = "unknown"

// TimeLayout is fixed width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Document is the flat representation a finding has in the store.
type Document map[string]any

// Finding is a single security-relevant record: a raw event, a derived
// alert, or a persisted attack chain.
type Finding struct {
	ID               string         `json:"id"`
	Index            string         `json:"index"`
	Timestamp        time.Time      `json:"timestamp"`
	SourceIdentity   string         `json:"source_ip,omitempty"`
	Category         string         `json:"alert_type,omitempty"`
	Severity         string         `json:"severity,omitempty"`
	Technique        string         `json:"mitre_technique,omitempty"`
	Hostname         string         `json:"hostname,omitempty"`
	Username         string         `json:"username,omitempty"`
	Attributes       map[string]any `json:"attributes,omitempty"`
	Processed        bool           `json:"soar_processed"`
	PlaybookExecuted string         `json:"playbook_executed,omitempty"`
	ExecutionTime    time.Time      `json:"execution_time,omitzero"`
	Disposition      string         `json:"soar_disposition,omitempty"`
}

// FormatTime renders t in the store's sortable timestamp form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// localLayout is ISO 8601 without an offset, as written by producers that
// emit naive UTC timestamps. Such values are read as UTC.
const localLayout = "2006-01-02T15:04:05.999999999"

// ParseTime accepts the store's layout, any RFC 3339 variant, and ISO 8601
// without an offset (treated as UTC).
func ParseTime(s string) (time.Time, bool) {
	for _, layout := range []string{TimeLayout, time.RFC3339Nano, localLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// CorrelationKey returns the source identity, or UnknownSource when absent.
func (f *Finding) CorrelationKey() string {
	if f.SourceIdentity == "" {
		return UnknownSource
	}
	return f.SourceIdentity
}

// Clone returns a deep-enough copy that callers can mutate freely.
func (f *Finding) Clone() *Finding {
	cp := *f
	cp.Attributes = maps.Clone(f.Attributes)
	return &cp
}

// ToDocument flattens the finding into its stored form.
func (f *Finding) ToDocument() Document {
	doc := make(Document, len(f.Attributes)+12)
	maps.Copy(doc, f.Attributes)

	if !f.Timestamp.IsZero() {
		doc[FieldTimestamp] = FormatTime(f.Timestamp)
	}
	setIf(doc, FieldSource, f.SourceIdentity)
	setIf(doc, FieldCategory, f.Category)
	setIf(doc, FieldSeverity, f.Severity)
	setIf(doc, FieldTechnique, f.Technique)
	setIf(doc, FieldHostname, f.Hostname)
	setIf(doc, FieldUsername, f.Username)
	doc[FieldProcessed] = f.Processed
	setIf(doc, FieldPlaybook, f.PlaybookExecuted)
	if !f.ExecutionTime.IsZero() {
		doc[FieldExecutionTime] = FormatTime(f.ExecutionTime)
	}
	setIf(doc, FieldDisposition, f.Disposition)
	return doc
}

// FromDocument builds a Finding from a stored document. It never fails: a
// missing or mistyped well-known key leaves the typed field empty and the raw
// value is kept in Attributes.
func FromDocument(index, id string, doc Document) *Finding {
	f := &Finding{
		ID:         id,
		Index:      index,
		Attributes: make(map[string]any),
	}
	for k, v := range doc {
		switch k {
		case FieldTimestamp:
			if s, ok := v.(string); ok {
				if t, ok := ParseTime(s); ok {
					f.Timestamp = t
					continue
				}
			}
		case FieldSource:
			if s, ok := stringValue(v); ok {
				f.SourceIdentity = s
				continue
			}
		case FieldCategory:
			if s, ok := v.(string); ok {
				f.Category = s
				continue
			}
		case FieldSeverity:
			if s, ok := stringValue(v); ok {
				f.Severity = s
				continue
			}
		case FieldTechnique:
			if s, ok := v.(string); ok {
				f.Technique = s
				continue
			}
		case FieldHostname:
			if s, ok := v.(string); ok {
				f.Hostname = s
				continue
			}
		case FieldUsername:
			if s, ok := v.(string); ok {
				f.Username = s
				continue
			}
		case FieldProcessed:
			if b, ok := v.(bool); ok {
				f.Processed = b
				continue
			}
		case FieldPlaybook:
			if s, ok := v.(string); ok {
				f.PlaybookExecuted = s
				continue
			}
		case FieldExecutionTime:
			if s, ok := v.(string); ok {
				if t, ok := ParseTime(s); ok {
					f.ExecutionTime = t
					continue
				}
			}
		case FieldDisposition:
			if s, ok := v.(string); ok {
				f.Disposition = s
				continue
			}
		}
		f.Attributes[k] = v
	}
	return f
}

// Attr returns a string attribute, falling back to the typed fields for
// well-known keys.
func (f *Finding) Attr(key string) string {
	switch key {
	case FieldSource:
		return f.SourceIdentity
	case FieldCategory:
		return f.Category
	case FieldSeverity:
		return f.Severity
	case FieldTechnique:
		return f.Technique
	case FieldHostname:
		return f.Hostname
	case FieldUsername:
		return f.Username
	}
	s, _ := stringValue(f.Attributes[key])
	return s
}

func setIf(doc Document, key, val string) {
	if val != "" {
		doc[key] = val
	}
}

// stringValue accepts strings and numbers, since producers are loose about
// severities and addresses.
func stringValue(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case fmt.Stringer:
		return x.String(), true
	}
	return "", false
}
