package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/catalogsync/internal/catalog"
	"github.com/sells-group/catalogsync/internal/model"
)

func (s *server) listEntities(w http.ResponseWriter, r *http.Request) {
	out, err := s.Catalog.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if out == nil {
		out = []model.CatalogEntity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entities": out})
}

func (s *server) getEntity(w http.ResponseWriter, r *http.Request) {
	e, err := s.Catalog.Get(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, catalogErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entity": e})
}

func (s *server) listContent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	out, err := s.Catalog.Content(r.Context(), model.ContentKind(r.URL.Query().Get("kind")), limit)
	if err != nil {
		writeError(w, catalogErrStatus(err), err.Error())
		return
	}
	if out == nil {
		out = []model.ContentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "content": out})
}

func (s *server) patchEntity(w http.ResponseWriter, r *http.Request) {
	var p model.EntityPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	e, err := s.Catalog.Patch(r.Context(), chi.URLParam(r, "slug"), p)
	if err != nil {
		writeError(w, catalogErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entity": e})
}

func catalogErrStatus(err error) int {
	switch {
	case errors.Is(err, catalog.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrSyncActive):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
