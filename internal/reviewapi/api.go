// Package reviewapi serves the persisted triage state over a read-only HTTP
// API, mainly for working through the WATCHLIST by hand.
package reviewapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/secnews/internal/triage"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// StateLoader is the part of triage.Store the API needs.
type StateLoader interface {
	Load(ctx context.Context) (*triage.State, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	store  StateLoader
}

// New creates a new API handler.
func New(logger log.Logger, store StateLoader) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if store == nil {
		panic(xerrors.New("state store is required"))
	}
	return &API{
		logger: logger,
		store:  store,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", a.handleState)
		r.Get("/entries", a.handleListEntries)
		r.Get("/entries/{id}", a.handleGetEntry)
	})
}

type stateResponse struct {
	Version      int            `json:"version"`
	Revision     int64          `json:"revision"`
	CriteriaHash string         `json:"criteria_hash,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Records      int            `json:"records"`
	ByDecision   map[string]int `json:"by_decision"`
}

type listResponse struct {
	Decision string               `json:"decision,omitempty"`
	Count    int                  `json:"count"`
	Entries  []triage.StoredEntry `json:"entries"`
}

func (a *API) load(w http.ResponseWriter, r *http.Request) (*triage.State, bool) {
	st, err := a.store.Load(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to load state")
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return st, true
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	st, ok := a.load(w, r)
	if !ok {
		return
	}
	resp := stateResponse{
		Version:      st.Version,
		Revision:     st.Revision,
		CriteriaHash: st.CriteriaHash,
		UpdatedAt:    st.UpdatedAt,
		Records:      st.Len(),
		ByDecision:   map[string]int{},
	}
	for _, rec := range st.Entries {
		resp.ByDecision[string(rec.Decision)]++
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var decision triage.Decision
	if raw := q.Get("decision"); raw != "" {
		d, ok := triage.ParseDecision(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid decision")
			return
		}
		decision = d
	}

	limit := defaultLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxLimit)
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("secnews.review.decision", string(decision)),
		attribute.Int("secnews.review.limit", limit),
	)

	st, ok := a.load(w, r)
	if !ok {
		return
	}

	entries := st.List(decision, limit)
	if entries == nil {
		entries = []triage.StoredEntry{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Decision: string(decision),
		Count:    len(entries),
		Entries:  entries,
	})
}

func (a *API) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("secnews.entry.id", id))

	st, ok := a.load(w, r)
	if !ok {
		return
	}
	rec, found := st.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("secnews.entry.decision", string(rec.Decision)))
	writeJSON(w, http.StatusOK, triage.StoredEntry{ID: id, Record: rec})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
