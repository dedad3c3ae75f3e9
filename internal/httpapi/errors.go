package httpapi

import (
	"errors"
	"net/http"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/authz"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/service"
)

type conflictBody struct {
	errorBody
	Rule     string `json:"rule,omitempty"`
	PolicyID string `json:"policy_id,omitempty"`
	Status   string `json:"status,omitempty"`
}

// writeServiceError maps the engine's error types onto HTTP statuses.
// Joined errors map by their first recognised member, in the order below.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve  *service.ValidationError
		ae  *authz.AuthorizationError
		ade *service.AlreadyDecidedError
		pce *service.PolicyConflictError
		sue *service.StoreUnavailableError
		awf *service.AuditWriteFailure
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "validation_error", ve.Error())
	case errors.As(err, &ae):
		writeError(w, http.StatusForbidden, "forbidden", ae.Error())
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.As(err, &ade):
		writeJSON(w, http.StatusConflict, conflictBody{
			errorBody: errorBody{Error: "already_decided", Message: ade.Error()},
			Status:    string(ade.Status),
		})
	case errors.As(err, &pce):
		writeJSON(w, http.StatusConflict, conflictBody{
			errorBody: errorBody{Error: "policy_conflict", Message: pce.Error()},
			Rule:      string(pce.Rule),
			PolicyID:  pce.PolicyID,
		})
	case errors.As(err, &sue):
		s.logger.Warn("store unavailable", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "try again later")
	case errors.As(err, &awf):
		s.logger.Error("audit write failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "audit_write_failed", "the change was not applied")
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
	}
}
