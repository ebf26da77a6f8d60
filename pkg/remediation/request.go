// Package remediation owns the RemediationRequest lifecycle: creation,
// review, grace-period scheduling and the backup-then-destroy execution path.
package remediation

import (
	"errors"
	"slices"
	"time"

	"github.com/DrSkyle/reaper/pkg/resources"
)

var (
	ErrNotFound               = errors.New("remediation request not found")
	ErrDuplicateRequest       = errors.New("an active remediation request already exists for this resource")
	ErrInvalidTransition      = errors.New("invalid remediation status transition")
	ErrGracePeriodActive      = errors.New("grace period has not elapsed")
	ErrBackupFailed           = errors.New("backup failed")
	ErrExecutionFailed        = errors.New("remediation execution failed")
	ErrActionNotExecutable    = errors.New("action cannot be executed automatically")
	ErrConcurrentModification = errors.New("remediation request was modified concurrently")
	ErrInvalidRequest         = errors.New("invalid remediation request")
)

// Status is a RemediationRequest lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusScheduled Status = "SCHEDULED"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// ActiveStatuses block a new request for the same resource.
var ActiveStatuses = []Status{
	StatusPending,
	StatusApproved,
	StatusScheduled,
	StatusExecuting,
	StatusCompleted,
}

// Active reports whether s counts toward the one-request-per-resource guard.
func (s Status) Active() bool { return slices.Contains(ActiveStatuses, s) }

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:  {StatusScheduled, StatusExecuting},
	StatusScheduled: {StatusExecuting, StatusCancelled},
	StatusExecuting: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Request is the durable record of a proposed destructive action. It is
// never deleted.
type Request struct {
	ID           string             `json:"id"`
	TenantID     string             `json:"tenant_id"`
	ResourceID   string             `json:"resource_id"`
	ResourceType string             `json:"resource_type"`
	Provider     resources.Provider `json:"provider"`
	Region       string             `json:"region"`
	ConnectionID string             `json:"connection_id"`

	Action                  resources.ActionKind `json:"action"`
	Status                  Status               `json:"status"`
	EstimatedMonthlySavings float64              `json:"estimated_monthly_savings"`
	ConfidenceScore         *float64             `json:"confidence_score,omitempty"`
	ExplainabilityNotes     string               `json:"explainability_notes,omitempty"`

	CreateBackup        bool     `json:"create_backup"`
	BackupRetentionDays int      `json:"backup_retention_days"`
	BackupResourceID    string   `json:"backup_resource_id,omitempty"`
	BackupCostEstimate  *float64 `json:"backup_cost_estimate,omitempty"`
	TombstoneKey        string   `json:"tombstone_key,omitempty"`

	// RequestedByUserID is empty for system-originated requests.
	RequestedByUserID string `json:"requested_by_user_id,omitempty"`
	ReviewedByUserID  string `json:"reviewed_by_user_id,omitempty"`
	ReviewNotes       string `json:"review_notes,omitempty"`

	ExecutionError       string     `json:"execution_error,omitempty"`
	ScheduledExecutionAt *time.Time `json:"scheduled_execution_at,omitempty"`
	ExecutedAt           *time.Time `json:"executed_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`

	Tags     map[string]string `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WantsBackup is true when a backup was requested and the action supports one.
func (r *Request) WantsBackup() bool {
	return r.CreateBackup && r.Action.BackupEligible()
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.ConfidenceScore = clonePtr(r.ConfidenceScore)
	c.BackupCostEstimate = clonePtr(r.BackupCostEstimate)
	c.ScheduledExecutionAt = clonePtr(r.ScheduledExecutionAt)
	c.ExecutedAt = clonePtr(r.ExecutedAt)
	c.Tags = cloneMap(r.Tags)
	c.Metadata = cloneMap(r.Metadata)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	TenantID   string
	ResourceID string
	Provider   resources.Provider
	Statuses   []Status
	Limit      int
}

func (f Filter) matches(r *Request) bool {
	if f.TenantID != "" && r.TenantID != f.TenantID {
		return false
	}
	if f.ResourceID != "" && r.ResourceID != f.ResourceID {
		return false
	}
	if f.Provider != "" && r.Provider != f.Provider {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	return true
}
