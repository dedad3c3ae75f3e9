// Package resolve decides the effective verdict for a (user, port) pair from
// a snapshot of port policies. It performs no I/O and keeps no state, so the
// approval path and read-only enforcement queries share one definition of
// precedence.
package resolve

import (
	"sort"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

type Verdict string

const (
	Allow     Verdict = "ALLOW"
	Deny      Verdict = "DENY"
	Undecided Verdict = "UNDECIDED"
)

// Rule names the precedence step that produced a verdict.
type Rule string

const (
	RuleUserBlacklist   Rule = "user_blacklist"
	RuleUserWhitelist   Rule = "user_whitelist"
	RuleGlobalBlacklist Rule = "global_blacklist"
	RuleGlobalWhitelist Rule = "global_whitelist"
	RuleNoPolicy        Rule = "no_policy"
)

// precedence lists the steps most specific first; at equal specificity the
// blacklist step comes before the whitelist step.
var precedence = []struct {
	rule    Rule
	global  bool
	kind    types.PolicyKind
	verdict Verdict
}{
	{RuleUserBlacklist, false, types.PolicyBlacklist, Deny},
	{RuleUserWhitelist, false, types.PolicyWhitelist, Allow},
	{RuleGlobalBlacklist, true, types.PolicyBlacklist, Deny},
	{RuleGlobalWhitelist, true, types.PolicyWhitelist, Allow},
}

type Result struct {
	Verdict Verdict           `json:"verdict"`
	Rule    Rule              `json:"rule"`
	Policy  *types.PortPolicy `json:"policy,omitempty"`
}

// Resolve returns the verdict for userID on port. Policies for other ports
// or other users are ignored, so callers may pass a wider snapshot than
// needed.
func Resolve(policies []types.PortPolicy, userID string, port int) Result {
	for _, step := range precedence {
		if p, ok := pick(policies, userID, port, step.global, step.kind); ok {
			return Result{Verdict: step.verdict, Rule: step.rule, Policy: &p}
		}
	}
	return Result{Verdict: Undecided, Rule: RuleNoPolicy}
}

// pick returns the matching policy for one precedence step. Should several
// match (the store rejects duplicates, so only legacy data can do this) the
// oldest wins, with the ID as the final tie-breaker.
func pick(policies []types.PortPolicy, userID string, port int, global bool, kind types.PolicyKind) (types.PortPolicy, bool) {
	var (
		best  types.PortPolicy
		found bool
	)
	for _, p := range policies {
		if p.Port != port || p.Kind != kind || p.Global() != global {
			continue
		}
		if !global && p.UserID != userID {
			continue
		}
		if !found || older(p, best) {
			best, found = p, true
		}
	}
	return best, found
}

func older(a, b types.PortPolicy) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Snapshot indexes a fixed policy set by port for repeated lookups.
type Snapshot struct {
	byPort map[int][]types.PortPolicy
}

func NewSnapshot(policies []types.PortPolicy) *Snapshot {
	s := &Snapshot{byPort: make(map[int][]types.PortPolicy)}
	for _, p := range policies {
		s.byPort[p.Port] = append(s.byPort[p.Port], p)
	}
	for port := range s.byPort {
		ps := s.byPort[port]
		sort.Slice(ps, func(i, j int) bool { return older(ps[i], ps[j]) })
	}
	return s
}

func (s *Snapshot) Resolve(userID string, port int) Result {
	return Resolve(s.byPort[port], userID, port)
}
