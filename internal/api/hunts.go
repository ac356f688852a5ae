package api

import (
	"errors"
	"net/http"

	"github.com/linnemanlabs/warden/internal/correlation"
)

func (a *API) handleRunHunt(w http.ResponseWriter, r *http.Request) {
	if a.hunter == nil {
		http.Error(w, `{"error":"hunting disabled"}`, http.StatusServiceUnavailable)
		return
	}

	report, err := a.hunter.RunCycle(r.Context())
	switch {
	case errors.Is(err, correlation.ErrCycleInProgress):
		http.Error(w, `{"error":"hunting cycle already running"}`, http.StatusConflict)
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "on-demand hunting cycle failed")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
