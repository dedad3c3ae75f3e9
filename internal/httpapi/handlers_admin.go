package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/audit"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/service"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

// ── Policies ────────────────────────────────────────────────────────────────

type policyBody struct {
	Port   int    `json:"port"`
	Kind   string `json:"kind"`
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

func (s *Server) handleAddPolicy(w http.ResponseWriter, r *http.Request) {
	var body policyBody
	if err := readJSON(w, r, &body); err != nil {
		badJSON(w, err)
		return
	}
	p, err := s.policies.AddPolicy(r.Context(), actor(r), service.PolicySpec{
		Port:   body.Port,
		Kind:   types.PolicyKind(body.Kind),
		UserID: body.UserID,
		Reason: body.Reason,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.PolicyFilter{UserID: q.Get("user_id")}

	port, ok := queryInt(r, "port")
	if !ok {
		badQuery(w, "port")
		return
	}
	f.Port = port
	if v := q.Get("kind"); v != "" {
		kind, ok := types.ParsePolicyKind(v)
		if !ok {
			badQuery(w, "kind")
			return
		}
		f.Kind = kind
	}
	switch q.Get("scope") {
	case "":
	case "global":
		f.Scope = store.ScopeGlobal
	case "user":
		f.Scope = store.ScopeUser
	default:
		badQuery(w, "scope")
		return
	}

	list, err := s.policies.ListEffectivePolicies(r.Context(), actor(r), f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": nonNil(list)})
}

func (s *Server) handleRemovePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.policies.RemovePolicy(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type managePortBody struct {
	UserID string `json:"user_id"`
	Port   int    `json:"port"`
	Action string `json:"action"`
}

func (s *Server) handleManagePort(w http.ResponseWriter, r *http.Request) {
	var body managePortBody
	if err := readJSON(w, r, &body); err != nil {
		badJSON(w, err)
		return
	}
	p, err := s.policies.ManagePort(r.Context(), actor(r), body.UserID, body.Port, service.ManageAction(body.Action))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if p == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ── Audit ───────────────────────────────────────────────────────────────────

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AuditFilter{
		Action:  types.AuditAction(q.Get("action")),
		ActorID: q.Get("actor_id"),
		Status:  types.AuditStatus(q.Get("status")),
	}
	var ok bool
	if f.From, ok = queryTime(r, "from"); !ok {
		badQuery(w, "from")
		return
	}
	if f.To, ok = queryTime(r, "to"); !ok {
		badQuery(w, "to")
		return
	}
	asOf, ok := queryInt(r, "as_of")
	if !ok {
		badQuery(w, "as_of")
		return
	}
	f.AsOf = int64(asOf)

	var p store.Page
	if p.Offset, ok = queryInt(r, "offset"); !ok {
		badQuery(w, "offset")
		return
	}
	if p.Limit, ok = queryInt(r, "limit"); !ok {
		badQuery(w, "limit")
		return
	}

	page, err := s.audit.Query(r.Context(), actor(r), f, p)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleVerifyAudit reports a broken chain as a successful check with
// ok=false; only failures to run the check are errors. ?full=true walks
// the whole chain.
func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	verify := s.audit.Verify
	if full, _ := strconv.ParseBool(r.URL.Query().Get("full")); full {
		verify = s.audit.VerifyFull
	}
	rep, err := verify(r.Context(), actor(r))
	if err != nil && !errors.Is(err, audit.ErrChainBroken) {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ── Users ───────────────────────────────────────────────────────────────────

type createUserBody struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var body createUserBody
	if err := readJSON(w, r, &body); err != nil {
		badJSON(w, err)
		return
	}
	u, err := s.users.CreateUser(r.Context(), actor(r), service.NewUser{
		Username: body.Username,
		Role:     types.Role(body.Role),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.ListUsers(r.Context(), actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": nonNil(users)})
}

type updateUserBody struct {
	Active *bool   `json:"active"`
	Role   *string `json:"role"`
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var body updateUserBody
	if err := readJSON(w, r, &body); err != nil {
		badJSON(w, err)
		return
	}
	patch := service.UserPatch{Active: body.Active}
	if body.Role != nil {
		role := types.Role(*body.Role)
		patch.Role = &role
	}
	u, err := s.users.UpdateUser(r.Context(), actor(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ── Agents ──────────────────────────────────────────────────────────────────

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.List(r.Context(), actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": nonNil(agents)})
}
