package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/orgmirror/orgmirror/internal/secrets"
	"github.com/orgmirror/orgmirror/internal/state"
	"github.com/orgmirror/orgmirror/internal/worker"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleRateLimits(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := 0
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "bad_request", "n must be a non-negative integer")
			return
		}
		n = parsed
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"lines": s.logs.Lines(n)})
}

// --- syncs ---

func (s *Server) handleListSyncs(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("includeArchived") == "true"
	s.writeJSON(w, http.StatusOK, s.store.Syncs(includeArchived))
}

func (s *Server) handleGetSync(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetSync(chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sc)
}

// endpointFields is the request shape for one side of a sync.
type endpointFields struct {
	URL        string `json:"url"`
	Org        string `json:"org"`
	Enterprise string `json:"enterprise"`
}

// syncRequest is the create-sync body. Tokens go straight to the secret
// store and are never echoed back.
type syncRequest struct {
	Name            string         `json:"name"`
	Source          endpointFields `json:"source"`
	Target          endpointFields `json:"target"`
	IncludePatterns []string       `json:"includePatterns"`
	ExcludePatterns []string       `json:"excludePatterns"`
	Enabled         bool           `json:"enabled"`
	SourceToken     string         `json:"sourceToken"`
	TargetToken     string         `json:"targetToken"`
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "reading request body: "+err.Error())
		return nil, false
	}
	if !gjson.ValidBytes(body) {
		s.writeError(w, http.StatusBadRequest, "bad_request", "body is not valid JSON")
		return nil, false
	}
	return body, true
}

func (s *Server) handleCreateSync(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req syncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Name == "" || req.Source.Org == "" || req.Target.Org == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "name, source.org and target.org are required")
		return
	}

	source, err := state.DeriveEndpoint(req.Source.URL, req.Source.Org, req.Source.Enterprise)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	target, err := state.DeriveEndpoint(req.Target.URL, req.Target.Org, req.Target.Enterprise)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	sc, err := s.store.CreateSync(r.Context(), state.SyncConfig{
		Name:            req.Name,
		Source:          source,
		Target:          target,
		IncludePatterns: req.IncludePatterns,
		ExcludePatterns: req.ExcludePatterns,
		Enabled:         req.Enabled,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if req.SourceToken != "" || req.TargetToken != "" {
		err := s.store.SetTokens(r.Context(), sc.ID, secrets.TokenPair{
			SourceToken: req.SourceToken,
			TargetToken: req.TargetToken,
		})
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusCreated, sc)
}

// handleUpdateSync applies a partial update: only fields present in the
// body change. Field presence is probed with gjson so "set enabled to
// false" and "leave enabled alone" stay distinguishable.
func (s *Server) handleUpdateSync(w http.ResponseWriter, r *http.Request) {
	cur, err := s.store.GetSync(chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	if v := gjson.GetBytes(body, "name"); v.Exists() {
		cur.Name = v.String()
	}
	if v := gjson.GetBytes(body, "enabled"); v.Exists() {
		cur.Enabled = v.Bool()
	}
	for _, side := range []struct {
		key string
		ep  *state.Endpoint
	}{{"source", &cur.Source}, {"target", &cur.Target}} {
		v := gjson.GetBytes(body, side.key)
		if !v.Exists() {
			continue
		}
		rawURL := v.Get("url").String()
		org := v.Get("org").String()
		enterprise := v.Get("enterprise").String()
		if org == "" {
			org = side.ep.Org
		}
		derived, err := state.DeriveEndpoint(rawURL, org, enterprise)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		*side.ep = derived
	}
	if v := gjson.GetBytes(body, "includePatterns"); v.Exists() {
		cur.IncludePatterns = stringSlice(v)
	}
	if v := gjson.GetBytes(body, "excludePatterns"); v.Exists() {
		cur.ExcludePatterns = stringSlice(v)
	}

	updated, err := s.store.UpdateSync(r.Context(), cur)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	srcTok := gjson.GetBytes(body, "sourceToken").String()
	tgtTok := gjson.GetBytes(body, "targetToken").String()
	if srcTok != "" || tgtTok != "" {
		// The secret store merges: an empty field keeps the previous
		// token.
		err := s.store.SetTokens(r.Context(), updated.ID, secrets.TokenPair{
			SourceToken: srcTok,
			TargetToken: tgtTok,
		})
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func stringSlice(v gjson.Result) []string {
	var out []string
	for _, e := range v.Array() {
		out = append(out, e.String())
	}
	return out
}

func (s *Server) handleArchiveSync(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ArchiveSync(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnarchiveSync(w http.ResponseWriter, r *http.Request) {
	if err := s.store.UnarchiveSync(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSyncPermanent(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSyncPermanent(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDiscoverSync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSync(id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.manager.DiscoverSync(r.Context(), id); err != nil {
		s.writeError(w, http.StatusBadGateway, "discovery_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- repos ---

func (s *Server) handleRetryRepo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRepo(id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.manager.RetryRepo(r.Context(), id); err != nil {
		if errors.Is(err, worker.ErrCapReached) {
			s.writeError(w, http.StatusConflict, "cap_reached", err.Error())
			return
		}
		s.writeError(w, http.StatusBadGateway, "retry_failed", err.Error())
		return
	}
	rec, err := s.store.GetRepo(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// --- workers ---

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Statuses())
}

func (s *Server) handleWorkerStatus(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		l, _ := s.manager.Loop(name)
		s.writeJSON(w, http.StatusOK, l.Status())
	}
}

func (s *Server) handleWorkerStart(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		l, _ := s.manager.Loop(name)
		l.Start()
		s.writeJSON(w, http.StatusOK, l.Status())
	}
}

func (s *Server) handleWorkerStop(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		l, _ := s.manager.Loop(name)
		l.Stop()
		s.writeJSON(w, http.StatusOK, l.Status())
	}
}

func (s *Server) handleWorkerRunNow(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		l, _ := s.manager.Loop(name)
		l.RunNow()
		s.writeJSON(w, http.StatusAccepted, l.Status())
	}
}

// --- config ---

func (s *Server) handleGetWorkerConfig(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.WorkerConfig())
}

func (s *Server) handlePutWorkerConfig(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	wc := s.store.WorkerConfig()
	if err := json.Unmarshal(body, &wc); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	clamped, err := s.store.SetWorkerConfig(r.Context(), wc)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, clamped)
}

func (s *Server) handleGetAdminConfig(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.AdminConfig())
}

func (s *Server) handlePutAdminConfig(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var ac state.AdminConfig
	if err := json.Unmarshal(body, &ac); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.store.SetAdminConfig(r.Context(), ac); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ac)
}
