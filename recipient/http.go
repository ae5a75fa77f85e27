package recipient

import (
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/c360/recipientcache/errors"
)

// NewHTTPHandler exposes read-only debug routes for the cache:
//
//	GET /stats                  occupancy summary
//	GET /self                   the local account's snapshot
//	GET /{space}/{value}        resolved snapshot, ?refresh=true reloads it
func NewHTTPHandler(c *Cache, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	api := &httpAPI{cache: c, logger: logger}

	r := chi.NewRouter()
	r.Get("/stats", api.handleStats)
	r.Get("/self", api.handleSelf)
	r.Get("/{space}/{value}", api.handleResolve)
	return r
}

type httpAPI struct {
	cache  *Cache
	logger *slog.Logger
}

func (a *httpAPI) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.cache.Stats())
}

func (a *httpAPI) handleSelf(w http.ResponseWriter, r *http.Request) {
	h, err := a.cache.Self(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	snap, err := h.Resolve(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *httpAPI) handleResolve(w http.ResponseWriter, r *http.Request) {
	key, err := ParseKey(chi.URLParam(r, "space"), chi.URLParam(r, "value"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	var snap *Snapshot
	if refresh {
		snap, err = a.cache.Refresh(r.Context(), key)
	} else {
		snap, err = a.cache.Resolved(r.Context(), key)
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	if snap.IsUnknown() {
		writeJSON(w, http.StatusNotFound, snap)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type errorBody struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
}

func (a *httpAPI) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), Class: errors.Classify(err).String()}

	var missing *MissingIdentityError
	switch {
	case stderrors.Is(err, errors.ErrSelfNotRegistered):
		writeJSON(w, http.StatusNotFound, body)
	case stderrors.As(err, &missing):
		writeJSON(w, http.StatusServiceUnavailable, body)
	case errors.IsInvalid(err):
		writeJSON(w, http.StatusBadRequest, body)
	default:
		a.logger.Error("Recipient request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
