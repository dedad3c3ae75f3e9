package service

import (
	"context"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/authz"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

// StatsService reports dashboard counters. Each call reads one snapshot,
// so the counters of a single answer agree with each other.
type StatsService struct {
	e *engine
}

type Stats struct {
	TotalUsers       int `json:"total_users"`
	TotalRequests    int `json:"total_requests"`
	PendingRequests  int `json:"pending_requests"`
	ApprovedPorts    int `json:"approved_ports"` // live grants
	BlacklistedPorts int `json:"blacklisted_ports"`
	ActivePolicies   int `json:"active_policies"`
}

type RequestStats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Denied   int `json:"denied"`
}

// Stats returns system-wide counters. BlacklistedPorts counts distinct
// ports under a global blacklist.
func (s *StatsService) Stats(ctx context.Context, actor types.Actor) (Stats, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	if err := s.e.authorize(ctx, actor, authz.OpStats); err != nil {
		return Stats{}, err
	}

	var out Stats
	err := s.e.view(ctx, "Stats", func(r store.Reader) error {
		users, err := r.ListUsers(ctx)
		if err != nil {
			return err
		}
		out.TotalUsers = len(users)

		reqs, err := r.ListRequests(ctx, store.RequestFilter{})
		if err != nil {
			return err
		}
		out.TotalRequests = len(reqs)
		for _, req := range reqs {
			if req.Status == types.StatusPending {
				out.PendingRequests++
			}
		}

		grants, err := r.ListGrants(ctx, store.GrantFilter{})
		if err != nil {
			return err
		}
		out.ApprovedPorts = len(grants)

		policies, err := r.ListPolicies(ctx, store.PolicyFilter{})
		if err != nil {
			return err
		}
		out.ActivePolicies = len(policies)
		blacklisted := make(map[int]struct{})
		for _, p := range policies {
			if p.Global() && p.Kind == types.PolicyBlacklist {
				blacklisted[p.Port] = struct{}{}
			}
		}
		out.BlacklistedPorts = len(blacklisted)
		return nil
	})
	return out, err
}

// MyStats counts the actor's own requests by status.
func (s *StatsService) MyStats(ctx context.Context, actor types.Actor) (RequestStats, error) {
	ctx, cancel := s.e.withTimeout(ctx)
	defer cancel()

	if err := s.e.authorize(ctx, actor, authz.OpMyStats); err != nil {
		return RequestStats{}, err
	}

	var out RequestStats
	err := s.e.view(ctx, "MyStats", func(r store.Reader) error {
		reqs, err := r.ListRequests(ctx, store.RequestFilter{RequesterID: actor.UserID})
		if err != nil {
			return err
		}
		out.Total = len(reqs)
		for _, req := range reqs {
			switch req.Status {
			case types.StatusPending:
				out.Pending++
			case types.StatusApproved:
				out.Approved++
			case types.StatusDenied:
				out.Denied++
			}
		}
		return nil
	})
	return out, err
}
