package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/correlation"
	"github.com/linnemanlabs/warden/internal/finding"
	"github.com/linnemanlabs/warden/internal/finding/memstore"
	"github.com/linnemanlabs/warden/internal/playbook"
)

type stubHunter struct {
	report *correlation.Report
	err    error
}

func (h *stubHunter) RunCycle(context.Context) (*correlation.Report, error) {
	return h.report, h.err
}

func newTestRouter(t *testing.T, hunter Hunter) (chi.Router, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	a := New(nil, store, playbook.Default(), hunter)
	r := chi.NewRouter()
	a.RegisterRoutes(r)
	return r, store
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	a := New(nil, memstore.New(), playbook.Default(), nil)
	if a.logger == nil {
		t.Fatal("New left logger nil; expected Nop logger")
	}
}

func TestNew_PanicsOnMissingDeps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		store   finding.Store
		catalog *playbook.Catalog
	}{
		{"nil store", nil, playbook.Default()},
		{"nil catalog", memstore.New(), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			New(log.Nop(), tt.store, tt.catalog, nil)
		})
	}
}

// Routing

func TestRegisterRoutes_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, nil)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/findings/threat-alerts"},
		{http.MethodDelete, "/api/v1/findings/threat-alerts/a1"},
		{http.MethodPost, "/api/v1/playbooks"},
		{http.MethodGet, "/api/v1/hunts"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()
			if rec := do(r, tt.method, tt.path, ""); rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("%s %s = %d, want 405", tt.method, tt.path, rec.Code)
			}
		})
	}
}

func TestRegisterRoutes_NotFound(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, nil)

	for _, path := range []string{"/", "/api/v1", "/api/v2/playbooks", "/api/v1/unknown", "/api/v1/findings"} {
		t.Run(path, func(t *testing.T) {
			t.Parallel()
			if rec := do(r, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
				t.Errorf("GET %s = %d, want 404", path, rec.Code)
			}
		})
	}
}

// Findings

func TestIndexFinding_ThenGet(t *testing.T) {
	t.Parallel()

	r, store := newTestRouter(t, nil)

	rec := do(r, http.MethodPost, "/api/v1/findings/threat-alerts",
		`{"alert_type":"brute_force_detected","source_ip":"203.0.113.5","failed_logins":12}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}
	var created map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	id := created["id"]
	if id == "" || created["index"] != "threat-alerts" {
		t.Fatalf("response = %v", created)
	}

	f, ok, _ := store.Get(context.Background(), "threat-alerts", id)
	if !ok {
		t.Fatal("finding not stored")
	}
	if f.Processed || f.Timestamp.IsZero() {
		t.Errorf("defaults not applied: processed=%v timestamp=%v", f.Processed, f.Timestamp)
	}

	rec = do(r, http.MethodGet, "/api/v1/findings/threat-alerts/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	var got finding.Finding
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Category != "brute_force_detected" || got.SourceIdentity != "203.0.113.5" {
		t.Errorf("got = %+v", got)
	}
}

func TestIndexFinding_ExplicitID(t *testing.T) {
	t.Parallel()

	r, store := newTestRouter(t, nil)
	rec := do(r, http.MethodPost, "/api/v1/findings/ueba-alerts?id=u-7", `{"alert_type":"privilege_escalation","soar_processed":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	f, ok, _ := store.Get(context.Background(), "ueba-alerts", "u-7")
	if !ok || !f.Processed {
		t.Errorf("explicit id or processed flag lost: ok=%v f=%+v", ok, f)
	}
}

func TestIndexFinding_BadRequests(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, nil)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"invalid json", "/api/v1/findings/threat-alerts", `{bad`},
		{"json null", "/api/v1/findings/threat-alerts", `null`},
		{"array", "/api/v1/findings/threat-alerts", `[1,2]`},
		{"uppercase index", "/api/v1/findings/Threat", `{}`},
		{"too large", "/api/v1/findings/threat-alerts", `{"x":"` + strings.Repeat("a", maxFindingBytes) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := do(r, http.MethodPost, tt.path, tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestGetFinding_NotFound(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, nil)
	if rec := do(r, http.MethodGet, "/api/v1/findings/threat-alerts/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// Playbooks

func TestListPlaybooks(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, nil)
	rec := do(r, http.MethodGet, "/api/v1/playbooks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Playbooks []playbook.Definition `json:"playbooks"`
		Rules     []playbook.Rule       `json:"rules"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Playbooks) != len(playbook.Default().Names()) {
		t.Errorf("playbooks = %d", len(resp.Playbooks))
	}
	if len(resp.Rules) == 0 {
		t.Error("no rules returned")
	}
}

// Hunts

func TestRunHunt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		hunter     Hunter
		wantStatus int
	}{
		{"disabled", nil, http.StatusServiceUnavailable},
		{"ok", &stubHunter{report: &correlation.Report{ID: "r1", TotalFindings: 3}}, http.StatusOK},
		{"busy", &stubHunter{err: correlation.ErrCycleInProgress}, http.StatusConflict},
		{"failed", &stubHunter{err: errors.New("store down")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, _ := newTestRouter(t, tt.hunter)
			rec := do(r, http.MethodPost, "/api/v1/hunts", "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRunHunt_ReturnsReport(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, &stubHunter{report: &correlation.Report{ID: "r1", TotalFindings: 3}})
	rec := do(r, http.MethodPost, "/api/v1/hunts", "")

	var got map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["id"] != "r1" || got["total_findings"] != 3.0 {
		t.Errorf("report = %v", got)
	}
}

// Fuzz

func FuzzIndexFinding(f *testing.F) {
	a := New(nil, memstore.New(), playbook.Default(), nil)
	r := chi.NewRouter()
	a.RegisterRoutes(r)

	seeds := []string{
		"",
		"{}",
		`{"alert_type":"malware_detected","hostname":"ws-12"}`,
		`{"@timestamp":42,"soar_processed":"no"}`,
		"{invalid json",
		"\x00\x01\x02\xff\xfe",
		strings.Repeat("a", 10000),
	}
	for _, s := range seeds {
		f.Add([]byte(s))
	}

	f.Fuzz(func(t *testing.T, body []byte) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/findings/threat-alerts", strings.NewReader(string(body)))
		rec := httptest.NewRecorder()

		// Must not panic
		r.ServeHTTP(rec, req)

		if rec.Code != http.StatusCreated && rec.Code != http.StatusBadRequest {
			t.Errorf("POST with body len=%d = %d, want 201 or 400", len(body), rec.Code)
		}
	})
}
