package types

import "time"

type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusDenied   RequestStatus = "denied"
)

func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusDenied
}

func ParseRequestStatus(s string) (RequestStatus, bool) {
	switch RequestStatus(s) {
	case StatusPending, StatusApproved, StatusDenied:
		return RequestStatus(s), true
	}
	return "", false
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

func (d Decision) Valid() bool { return d == DecisionApprove || d == DecisionDeny }

func (d Decision) Status() RequestStatus {
	if d == DecisionApprove {
		return StatusApproved
	}
	return StatusDenied
}

func (d Decision) Action() AuditAction {
	if d == DecisionApprove {
		return ActionApproveRequest
	}
	return ActionDenyRequest
}

const (
	MaxServiceLen = 50
	MaxReasonLen  = 200
)

type PortRequest struct {
	ID           string        `json:"id"`
	RequesterID  string        `json:"requester_id"`
	Port         int           `json:"port"`
	Service      string        `json:"service"`
	Reason       string        `json:"reason,omitempty"`
	Status       RequestStatus `json:"status"`
	RequestedAt  time.Time     `json:"requested_at"`
	ReviewedAt   *time.Time    `json:"reviewed_at,omitempty"`
	ReviewerID   string        `json:"reviewer_id,omitempty"`
	AdminComment string        `json:"admin_comment,omitempty"`
}

func (r PortRequest) Snapshot() Snapshot {
	var reviewed any
	if r.ReviewedAt != nil {
		reviewed = timeValue(*r.ReviewedAt)
	}
	return Snapshot{
		"id":            r.ID,
		"requester_id":  r.RequesterID,
		"port":          r.Port,
		"service":       r.Service,
		"reason":        r.Reason,
		"status":        string(r.Status),
		"requested_at":  timeValue(r.RequestedAt),
		"reviewed_at":   reviewed,
		"reviewer_id":   optString(r.ReviewerID),
		"admin_comment": r.AdminComment,
	}
}
