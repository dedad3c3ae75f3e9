package types

import (
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleUser:
		return RoleUser, true
	}
	return "", false
}

// Satisfies reports whether r meets the required role. Admins satisfy
// every user-level capability.
func (r Role) Satisfies(required Role) bool {
	switch required {
	case RoleUser:
		return r == RoleUser || r == RoleAdmin
	case RoleAdmin:
		return r == RoleAdmin
	}
	return false
}

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (u User) Snapshot() Snapshot {
	return Snapshot{
		"id":         u.ID,
		"username":   u.Username,
		"role":       string(u.Role),
		"active":     u.Active,
		"created_at": timeValue(u.CreatedAt),
		"updated_at": timeValue(u.UpdatedAt),
	}
}

// Actor is the identity on whose behalf a call is made. It is built by the
// transport layer from a verified credential and passed into every core
// operation; the engine never reads identity from anywhere else.
type Actor struct {
	UserID    string
	Role      Role
	IPAddress string
	UserAgent string
}

// SystemActorID identifies engine-internal writes such as bootstrap.
const SystemActorID = "system"

func SystemActor() Actor {
	return Actor{UserID: SystemActorID, Role: RoleAdmin}
}

func (a Actor) IsSystem() bool { return a.UserID == SystemActorID }
