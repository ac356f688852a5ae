package api

import (
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/finding"
)

const maxFindingBytes = 1 << 20

var indexName = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,127}$`)

func (a *API) handleIndexFinding(w http.ResponseWriter, r *http.Request) {
	index := chi.URLParam(r, "index")
	if !indexName.MatchString(index) {
		http.Error(w, `{"error":"invalid index name"}`, http.StatusBadRequest)
		return
	}

	var doc finding.Document
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFindingBytes)).Decode(&doc); err != nil || doc == nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	// producers may leave these to the server
	if _, ok := doc[finding.FieldTimestamp]; !ok {
		doc[finding.FieldTimestamp] = finding.FormatTime(time.Now())
	}
	if _, ok := doc[finding.FieldProcessed]; !ok {
		doc[finding.FieldProcessed] = false
	}

	id, err := a.store.Index(r.Context(), index, r.URL.Query().Get("id"), doc)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to index finding", "index", index)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("warden.finding.index", index),
		attribute.String("warden.finding.id", id),
	)
	a.logger.Info(r.Context(), "finding indexed", "index", index, "finding_id", id, "alert_type", doc[finding.FieldCategory])

	writeJSON(w, http.StatusCreated, map[string]string{"index": index, "id": id})
}

func (a *API) handleGetFinding(w http.ResponseWriter, r *http.Request) {
	index := chi.URLParam(r, "index")
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("warden.finding.index", index),
		attribute.String("warden.finding.id", id),
	)

	f, ok, err := a.store.Get(r.Context(), index, id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get finding", "index", index, "finding_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.Bool("warden.finding.processed", f.Processed))
	writeJSON(w, http.StatusOK, f)
}
