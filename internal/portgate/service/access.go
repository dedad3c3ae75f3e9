package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/authz"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/resolve"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

// AccessService answers enforcement queries from a consistent read
// snapshot. It never writes.
type AccessService struct {
	e *engine
}

type CheckResult struct {
	Allowed bool             `json:"allowed"`
	Reason  string           `json:"reason"`
	Result  resolve.Result   `json:"result"`
	Grant   *types.PortGrant `json:"grant,omitempty"`
}

const (
	ReasonPolicyAllow = "policy_allow"
	ReasonPolicyDeny  = "policy_deny"
	ReasonGrant       = "grant"
	ReasonNoGrant     = "no_grant"
	ReasonError       = "error"
)

func (s *AccessService) prepare(ctx context.Context, actor types.Actor, userID string, port int) (string, error) {
	if err := s.e.authorize(ctx, actor, authz.OpResolve); err != nil {
		return "", err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = actor.UserID
	}
	if userID != actor.UserID && !authz.IsAdmin(actor) {
		return "", &authz.AuthorizationError{ActorID: actor.UserID, Op: authz.OpResolve, Reason: "may only resolve your own access"}
	}
	if err := validatePort(port); err != nil {
		return "", err
	}
	return userID, nil
}

// Resolve returns the policy verdict for userID on port.
func (s *AccessService) Resolve(ctx context.Context, actor types.Actor, userID string, port int) (resolve.Result, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	userID, err := s.prepare(ctx, actor, userID, port)
	if err != nil {
		return resolve.Result{}, err
	}

	var res resolve.Result
	err = s.e.view(ctx, "Resolve", func(r store.Reader) error {
		policies, err := r.ListPolicies(ctx, store.PolicyFilter{Port: port, UserID: userID})
		if err != nil {
			return err
		}
		res = resolve.Resolve(policies, userID, port)
		return nil
	})
	return res, err
}

// Check is the fail-closed enforcement answer: a policy verdict wins, and
// without one the port is allowed only if the user holds a grant. Any
// error yields Allowed == false along with the error.
func (s *AccessService) Check(ctx context.Context, actor types.Actor, userID string, port int) (CheckResult, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	denied := CheckResult{Allowed: false, Reason: ReasonError}

	userID, err := s.prepare(ctx, actor, userID, port)
	if err != nil {
		return denied, err
	}

	var out CheckResult
	err = s.e.view(ctx, "Check", func(r store.Reader) error {
		policies, err := r.ListPolicies(ctx, store.PolicyFilter{Port: port, UserID: userID})
		if err != nil {
			return err
		}
		out, err = checkGrant(ctx, r, userID, port, resolve.Resolve(policies, userID, port))
		return err
	})
	if err != nil {
		return denied, err
	}
	return out, nil
}

// MaxCheckPorts caps one CheckPorts call.
const MaxCheckPorts = 256

// PortCheck is one port's answer within CheckPorts.
type PortCheck struct {
	Port int `json:"port"`
	CheckResult
}

// CheckPorts answers Check for several ports of one user from a single
// read snapshot, so every answer reflects the same policy set. Results
// follow the order of ports. On error every port is reported denied.
func (s *AccessService) CheckPorts(ctx context.Context, actor types.Actor, userID string, ports []int) ([]PortCheck, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	closed := func() []PortCheck {
		out := make([]PortCheck, len(ports))
		for i, port := range ports {
			out[i] = PortCheck{Port: port, CheckResult: CheckResult{Allowed: false, Reason: ReasonError}}
		}
		return out
	}

	if len(ports) == 0 {
		return nil, &ValidationError{Field: "ports", Reason: "at least one port is required"}
	}
	if len(ports) > MaxCheckPorts {
		return closed(), &ValidationError{Field: "ports", Reason: fmt.Sprintf("at most %d ports per call", MaxCheckPorts)}
	}
	userID, err := s.prepare(ctx, actor, userID, ports[0])
	if err != nil {
		return closed(), err
	}
	for _, port := range ports[1:] {
		if err := validatePort(port); err != nil {
			return closed(), err
		}
	}

	out := make([]PortCheck, len(ports))
	err = s.e.view(ctx, "CheckPorts", func(r store.Reader) error {
		policies, err := r.ListPolicies(ctx, store.PolicyFilter{UserID: userID})
		if err != nil {
			return err
		}
		snap := resolve.NewSnapshot(policies)
		for i, port := range ports {
			res, err := checkGrant(ctx, r, userID, port, snap.Resolve(userID, port))
			if err != nil {
				return err
			}
			out[i] = PortCheck{Port: port, CheckResult: res}
		}
		return nil
	})
	if err != nil {
		return closed(), err
	}
	return out, nil
}

// checkGrant turns a policy verdict into a Check answer, falling back to
// the user's grant when no policy decided.
func checkGrant(ctx context.Context, r store.Reader, userID string, port int, res resolve.Result) (CheckResult, error) {
	out := CheckResult{Result: res}
	switch res.Verdict {
	case resolve.Allow:
		out.Allowed, out.Reason = true, ReasonPolicyAllow
	case resolve.Deny:
		out.Allowed, out.Reason = false, ReasonPolicyDeny
	default:
		g, err := r.GetGrant(ctx, userID, port)
		switch {
		case errors.Is(err, store.ErrNotFound):
			out.Allowed, out.Reason = false, ReasonNoGrant
		case err != nil:
			return CheckResult{}, err
		default:
			out.Allowed, out.Reason, out.Grant = true, ReasonGrant, &g
		}
	}
	return out, nil
}
