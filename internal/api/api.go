// Package api is the operator HTTP surface: finding injection and lookup,
// the playbook catalog, and on-demand hunting cycles.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/correlation"
	"github.com/linnemanlabs/warden/internal/finding"
	"github.com/linnemanlabs/warden/internal/playbook"
)

// Hunter runs one hunting cycle on demand.
type Hunter interface {
	RunCycle(ctx context.Context) (*correlation.Report, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	store   finding.Store
	catalog *playbook.Catalog
	hunter  Hunter
}

// New creates the API. hunter may be nil, in which case hunt requests get 503.
func New(logger log.Logger, store finding.Store, catalog *playbook.Catalog, hunter Hunter) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if store == nil || catalog == nil {
		panic(xerrors.New("api.New: store and catalog are required"))
	}
	return &API{
		logger:  logger,
		store:   store,
		catalog: catalog,
		hunter:  hunter,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/findings/{index}", a.handleIndexFinding)
		r.Get("/findings/{index}/{id}", a.handleGetFinding)
		r.Get("/playbooks", a.handleListPlaybooks)
		r.Post("/hunts", a.handleRunHunt)
	})
}

func (a *API) handleListPlaybooks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"playbooks": a.catalog.Definitions(),
		"rules":     a.catalog.Rules(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
