package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/reqprof/internal/httpx"
	"github.com/coral-mesh/reqprof/internal/storage"
)

type api struct {
	store  storage.Repository
	urls   *httpx.URLList
	logger zerolog.Logger
}

func newAPI(store storage.Repository, urls *httpx.URLList, logger zerolog.Logger) *api {
	return &api{store: store, urls: urls, logger: logger}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/urls", a.listURLs)
	mux.HandleFunc("GET /api/requests", a.listRequests)
	mux.HandleFunc("DELETE /api/requests", a.deleteRequestsByURL)
	mux.HandleFunc("GET /api/requests/{id}", a.getRequest)
	mux.HandleFunc("DELETE /api/requests/{id}", a.deleteRequest)
	mux.HandleFunc("GET /api/long-requests", a.listLongRequests)
	mux.HandleFunc("DELETE /api/long-requests", a.clearLongRequests)
	mux.HandleFunc("GET /api/responses/{id}", a.getResponse)
	mux.HandleFunc("DELETE /api/responses/{id}", a.deleteResponse)
	mux.HandleFunc("GET /api/urls-to-profile", a.listURLsToProfile)
	mux.HandleFunc("PUT /api/urls-to-profile", a.saveURLToProfile)
	mux.HandleFunc("DELETE /api/urls-to-profile", a.deleteURLToProfile)
}

func (a *api) listURLs(w http.ResponseWriter, r *http.Request) {
	page, err := a.store.DistinctURLs(r.Context(), pageRequest(r))
	a.respond(w, page, err)
}

func (a *api) listRequests(w http.ResponseWriter, r *http.Request) {
	page, err := a.store.PreviewsByURL(r.Context(), r.URL.Query().Get("url"), pageRequest(r))
	a.respond(w, page, err)
}

func (a *api) getRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := a.store.GetRequest(r.Context(), id)
	a.respond(w, req, err)
}

func (a *api) deleteRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a.respondDeleted(w, a.store.DeleteRequest(r.Context(), id))
}

func (a *api) deleteRequestsByURL(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	n, err := a.store.DeleteRequestsByURL(r.Context(), url)
	a.respond(w, map[string]int64{"deleted": n}, err)
}

func (a *api) listLongRequests(w http.ResponseWriter, r *http.Request) {
	page, err := a.store.LongRequests(r.Context(), pageRequest(r))
	a.respond(w, page, err)
}

func (a *api) clearLongRequests(w http.ResponseWriter, r *http.Request) {
	n, err := a.store.ClearLongRequests(r.Context())
	a.respond(w, map[string]int64{"deleted": n}, err)
}

func (a *api) getResponse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	resp, err := a.store.GetResponse(r.Context(), id)
	a.respond(w, resp, err)
}

func (a *api) deleteResponse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a.respondDeleted(w, a.store.DeleteResponse(r.Context(), id))
}

func (a *api) listURLsToProfile(w http.ResponseWriter, r *http.Request) {
	page, err := a.store.URLsToProfile(r.Context(), pageRequest(r))
	a.respond(w, page, err)
}

// urlToProfileBody is the PUT payload. Enabled defaults to true.
type urlToProfileBody struct {
	URL     string `json:"url"`
	Enabled *bool  `json:"enabled"`
}

func (a *api) saveURLToProfile(w http.ResponseWriter, r *http.Request) {
	var body urlToProfileBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	u := &storage.URLToProfile{
		URL:        body.URL,
		Enabled:    body.Enabled == nil || *body.Enabled,
		UpdatedUTC: time.Now().UTC(),
	}
	if err := u.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.store.SaveURLToProfile(r.Context(), u); err != nil {
		a.fail(w, err)
		return
	}
	a.refreshURLs(r.Context())

	saved, err := a.store.GetURLToProfile(r.Context(), u.URL)
	a.respond(w, saved, err)
}

func (a *api) deleteURLToProfile(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	err := a.store.DeleteURLToProfile(r.Context(), url)
	if err == nil {
		a.refreshURLs(r.Context())
	}
	a.respondDeleted(w, err)
}

// refreshURLs applies a change to the filter now instead of on the next
// scheduled refresh.
func (a *api) refreshURLs(ctx context.Context) {
	if a.urls == nil {
		return
	}
	if err := a.urls.Refresh(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to refresh URLs to profile")
	}
}

func (a *api) respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *api) respondDeleted(w http.ResponseWriter, err error) {
	if err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	a.logger.Error().Err(err).Msg("Profile API request failed")
	writeError(w, http.StatusInternalServerError, "storage error")
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// pageRequest reads the page and size query parameters. Invalid values fall
// back to the defaults applied by PageRequest.Normalize.
func pageRequest(r *http.Request) storage.PageRequest {
	q := r.URL.Query()
	number, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))
	return storage.PageRequest{Number: number, Size: size}.Normalize()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
