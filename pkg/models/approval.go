package models

import "time"

// ApprovalStatus is the state of a publish approval request
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval is a request to publish a specific version.
type Approval struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenantId"`
	FlowID          string         `json:"flowId"`
	VersionID       string         `json:"versionId"`
	RequestedBy     string         `json:"requestedBy"`
	RequestedByRole string         `json:"requestedByRole"`
	Status          ApprovalStatus `json:"status"`
	DecisionComment string         `json:"decisionComment,omitempty"`
	DecidedBy       string         `json:"decidedBy,omitempty"`
	RequestedAt     time.Time      `json:"requestedAt"`
	DecidedAt       *time.Time     `json:"decidedAt,omitempty"`
}

// Actor is the caller identity carried into lifecycle decisions.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Elevated roles may decide approvals, roll back, and publish without approval.
var elevatedRoles = map[string]bool{
	"owner":       true,
	"admin":       true,
	"super_admin": true,
}

// IsElevated reports whether the actor holds owner, admin or super_admin.
func (a Actor) IsElevated() bool {
	return elevatedRoles[a.Role]
}
