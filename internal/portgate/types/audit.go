package types

import "time"

type AuditAction string

const (
	ActionLogin          AuditAction = "LOGIN"
	ActionLogout         AuditAction = "LOGOUT"
	ActionCreateRequest  AuditAction = "CREATE_REQUEST"
	ActionApproveRequest AuditAction = "APPROVE_REQUEST"
	ActionDenyRequest    AuditAction = "DENY_REQUEST"
	ActionWhitelistPort  AuditAction = "WHITELIST_PORT"
	ActionBlacklistPort  AuditAction = "BLACKLIST_PORT"
	ActionCreateUser     AuditAction = "CREATE_USER"
	ActionUpdateUser     AuditAction = "UPDATE_USER"
	ActionGrantRevoked   AuditAction = "GRANT_REVOKED"
)

var auditActions = map[AuditAction]struct{}{
	ActionLogin: {}, ActionLogout: {}, ActionCreateRequest: {},
	ActionApproveRequest: {}, ActionDenyRequest: {}, ActionWhitelistPort: {},
	ActionBlacklistPort: {}, ActionCreateUser: {}, ActionUpdateUser: {},
	ActionGrantRevoked: {},
}

func (a AuditAction) Valid() bool {
	_, ok := auditActions[a]
	return ok
}

type AuditStatus string

const (
	AuditSuccess AuditStatus = "SUCCESS"
	AuditFailure AuditStatus = "FAILURE"
)

type EntityType string

const (
	EntityRequest EntityType = "port_request"
	EntityPolicy  EntityType = "port_policy"
	EntityGrant   EntityType = "port_grant"
	EntityUser    EntityType = "user"
	EntitySession EntityType = "session"
)

// Snapshot is a structured before/after image of an entity. Values are
// restricted to JSON-compatible scalars, nested Snapshots and slices so
// that entries hash the same before and after a storage round trip.
type Snapshot map[string]any

type AuditLogEntry struct {
	ID           int64       `json:"id"`
	Timestamp    time.Time   `json:"timestamp"`
	ActorID      string      `json:"actor_id"`
	ActorRole    Role        `json:"actor_role"`
	Action       AuditAction `json:"action"`
	EntityType   EntityType  `json:"entity_type"`
	EntityID     string      `json:"entity_id"`
	IPAddress    string      `json:"ip_address,omitempty"`
	UserAgent    string      `json:"user_agent,omitempty"`
	Status       AuditStatus `json:"status"`
	OldValue     Snapshot    `json:"old_value,omitempty"`
	NewValue     Snapshot    `json:"new_value,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	PrevHash     []byte      `json:"prev_hash,omitempty"`
	Hash         []byte      `json:"hash,omitempty"`
}

func timeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func optString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
