package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BrandonDHaskell/Portgate/server/internal/auth"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/service"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

// actor returns the identity authMiddleware stored for this request.
func actor(r *http.Request) types.Actor {
	a, _ := auth.ActorFromContext(r.Context())
	return a
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// queryInt parses an optional integer query parameter. Missing means 0.
func queryInt(r *http.Request, name string) (int, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func queryTime(r *http.Request, name string) (time.Time, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, v)
	return t, err == nil
}

func badQuery(w http.ResponseWriter, name string) {
	writeError(w, http.StatusBadRequest, "bad_query", "invalid query parameter "+name)
}

func badJSON(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body: "+err.Error())
}

// ── Session ─────────────────────────────────────────────────────────────────

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.session(w, r, types.ActionLogin)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.session(w, r, types.ActionLogout)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request, action types.AuditAction) {
	if err := s.audit.RecordSession(r.Context(), actor(r), action); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Requests ────────────────────────────────────────────────────────────────

type createRequestBody struct {
	RequesterID string `json:"requester_id"`
	Port        int    `json:"port"`
	Service     string `json:"service"`
	Reason      string `json:"reason"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := readJSON(w, r, &body); err != nil {
		badJSON(w, err)
		return
	}
	req, err := s.requests.CreateRequest(r.Context(), actor(r), service.NewRequest{
		RequesterID: body.RequesterID,
		Port:        body.Port,
		Service:     body.Service,
		Reason:      body.Reason,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	f := store.RequestFilter{RequesterID: r.URL.Query().Get("requester_id")}
	if v := r.URL.Query().Get("status"); v != "" {
		st, ok := types.ParseRequestStatus(v)
		if !ok {
			badQuery(w, "status")
			return
		}
		f.Status = st
	}
	port, ok := queryInt(r, "port")
	if !ok {
		badQuery(w, "port")
		return
	}
	f.Port = port

	list, err := s.requests.ListRequests(r.Context(), actor(r), f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": nonNil(list)})
}

func (s *Server) handleMyRequests(w http.ResponseWriter, r *http.Request) {
	list, err := s.requests.MyRequests(r.Context(), actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": nonNil(list)})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.requests.GetRequest(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type decideBody struct {
	Comment string `json:"comment"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, types.DecisionApprove)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, types.DecisionDeny)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, decision types.Decision) {
	var body decideBody
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &body); err != nil {
			badJSON(w, err)
			return
		}
	}
	res, err := s.requests.Decide(r.Context(), actor(r), chi.URLParam(r, "id"), decision, body.Comment)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ── Grants ──────────────────────────────────────────────────────────────────

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := s.requests.ListGrants(r.Context(), actor(r), r.URL.Query().Get("user_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": nonNil(grants)})
}

type revokeBody struct {
	UserID string `json:"user_id"`
	Port   int    `json:"port"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var body revokeBody
	if err := readJSON(w, r, &body); err != nil {
		badJSON(w, err)
		return
	}
	if err := s.requests.Revoke(r.Context(), actor(r), body.UserID, body.Port); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Access ──────────────────────────────────────────────────────────────────

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	port, ok := queryInt(r, "port")
	if !ok {
		badQuery(w, "port")
		return
	}
	res, err := s.access.Resolve(r.Context(), actor(r), r.URL.Query().Get("user_id"), port)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	port, ok := queryInt(r, "port")
	if !ok {
		badQuery(w, "port")
		return
	}
	res, err := s.access.Check(r.Context(), actor(r), r.URL.Query().Get("user_id"), port)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type checkPortsBody struct {
	UserID string `json:"user_id"`
	Ports  []int  `json:"ports"`
}

func (s *Server) handleCheckPorts(w http.ResponseWriter, r *http.Request) {
	var body checkPortsBody
	if err := readJSON(w, r, &body); err != nil {
		badJSON(w, err)
		return
	}
	res, err := s.access.CheckPorts(r.Context(), actor(r), body.UserID, body.Ports)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": res})
}

// ── Stats ───────────────────────────────────────────────────────────────────

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Stats(r.Context(), actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.MyStats(r.Context(), actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
