package types

import (
	"fmt"
	"strings"
	"time"
)

const (
	MinPort = 1
	MaxPort = 65535
)

func ValidPort(port int) bool { return port >= MinPort && port <= MaxPort }

type PolicyKind string

const (
	PolicyWhitelist PolicyKind = "whitelist"
	PolicyBlacklist PolicyKind = "blacklist"
)

func ParsePolicyKind(s string) (PolicyKind, bool) {
	switch PolicyKind(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyWhitelist:
		return PolicyWhitelist, true
	case PolicyBlacklist:
		return PolicyBlacklist, true
	}
	return "", false
}

// Action is the audit action recorded for creating or removing a policy
// of this kind.
func (k PolicyKind) Action() AuditAction {
	if k == PolicyBlacklist {
		return ActionBlacklistPort
	}
	return ActionWhitelistPort
}

// PortPolicy is an administrator-declared allow or deny rule for a port.
// An empty UserID means the policy is global.
type PortPolicy struct {
	ID        string     `json:"id"`
	Port      int        `json:"port"`
	Kind      PolicyKind `json:"kind"`
	UserID    string     `json:"user_id,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
}

func (p PortPolicy) Global() bool { return p.UserID == "" }

// Key identifies the (port, scope, kind) slot a policy occupies. At most
// one policy may hold a given key.
func (p PortPolicy) Key() string {
	return PolicyKey(p.Port, p.UserID, p.Kind)
}

func PolicyKey(port int, userID string, kind PolicyKind) string {
	scope := "global"
	if userID != "" {
		scope = "user:" + userID
	}
	return fmt.Sprintf("%d/%s/%s", port, scope, kind)
}

func (p PortPolicy) Snapshot() Snapshot {
	scope := "global"
	var user any
	if p.UserID != "" {
		scope = "user"
		user = p.UserID
	}
	return Snapshot{
		"id":         p.ID,
		"port":       p.Port,
		"kind":       string(p.Kind),
		"scope":      scope,
		"user_id":    user,
		"reason":     p.Reason,
		"created_by": p.CreatedBy,
		"created_at": timeValue(p.CreatedAt),
	}
}

// PortGrant is a materialized permission for a user to use a port. It is
// sourced either from an approved request or from a per-user whitelist.
type PortGrant struct {
	UserID          string    `json:"user_id"`
	Port            int       `json:"port"`
	Service         string    `json:"service,omitempty"`
	GrantedAt       time.Time `json:"granted_at"`
	SourceRequestID string    `json:"source_request_id,omitempty"`
	SourcePolicyID  string    `json:"source_policy_id,omitempty"`
}

func (g PortGrant) Snapshot() Snapshot {
	return Snapshot{
		"user_id":           g.UserID,
		"port":              g.Port,
		"service":           g.Service,
		"granted_at":        timeValue(g.GrantedAt),
		"source_request_id": optString(g.SourceRequestID),
		"source_policy_id":  optString(g.SourcePolicyID),
	}
}
