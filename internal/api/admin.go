package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/catalogsync/internal/identity"
	"github.com/sells-group/catalogsync/internal/model"
)

// maxImportBody caps an uploaded mapping file.
const maxImportBody = 4 << 20

func (s *server) cleanup(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Reaper.Cleanup(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"locks_reclaimed": rep.LocksReclaimed,
		"runs_reclaimed":  rep.RunsReclaimed,
		"run_ids":         rep.RunIDs,
	})
}

func (s *server) forceStop(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Reaper.ForceStop(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                   true,
		"runs_cancelled":       rep.RunsCancelled,
		"locks_deleted":        rep.LocksDeleted,
		"in_process_cancelled": rep.InProcess,
	})
}

func (s *server) listMappings(w http.ResponseWriter, r *http.Request) {
	filter, err := model.ParseMappingFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var src model.SourceName
	if raw := r.URL.Query().Get("source"); raw != "" {
		var ok bool
		if src, ok = model.ParseSourceName(raw); !ok {
			writeError(w, http.StatusBadRequest, "unknown source "+raw)
			return
		}
	}

	out, err := s.Mapper.List(r.Context(), filter, src)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if out == nil {
		out = []model.IdentityMapping{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mappings": out})
}

func (s *server) setMapping(w http.ResponseWriter, r *http.Request) {
	var in identity.SetInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mp, err := s.Mapper.Set(r.Context(), in)
	if err != nil {
		writeError(w, mappingErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mapping": mp})
}

func (s *server) deleteMapping(w http.ResponseWriter, r *http.Request) {
	src, ok := model.ParseSourceName(chi.URLParam(r, "source"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown source "+chi.URLParam(r, "source"))
		return
	}
	canonical, err := url.PathUnescape(chi.URLParam(r, "canonical"))
	if err != nil || canonical == "" {
		writeError(w, http.StatusBadRequest, "invalid canonical name")
		return
	}

	found, err := s.Mapper.Delete(r.Context(), canonical, src)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "mapping not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": true})
}

func (s *server) cleanupMappings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IncludeManual bool `json:"include_manual"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rep, err := s.Mapper.Cleanup(r.Context(), req.IncludeManual)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"mappings_deleted": rep.MappingsDeleted,
		"payloads_cleared": rep.PayloadsCleared,
	})
}

func (s *server) importMappings(w http.ResponseWriter, r *http.Request) {
	n, err := s.Mapper.Import(r.Context(), http.MaxBytesReader(w, r.Body, maxImportBody))
	if err != nil {
		writeError(w, mappingErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "imported": n})
}

func mappingErrStatus(err error) int {
	if errors.Is(err, identity.ErrInvalid) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
