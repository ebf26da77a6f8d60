package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DrSkyle/reaper/pkg/remediation"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// stringMap is stored as JSONB.
type stringMap map[string]string

func (m stringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *stringMap) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("stringMap: unsupported type %T", src)
	}
	out := map[string]string{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	if len(out) == 0 {
		out = nil
	}
	*m = out
	return nil
}

type requestModel struct {
	ID                      string     `gorm:"column:id;primaryKey"`
	TenantID                string     `gorm:"column:tenant_id"`
	ResourceID              string     `gorm:"column:resource_id"`
	ResourceType            string     `gorm:"column:resource_type"`
	Provider                string     `gorm:"column:provider"`
	Region                  string     `gorm:"column:region"`
	ConnectionID            string     `gorm:"column:connection_id"`
	Action                  string     `gorm:"column:action"`
	Status                  string     `gorm:"column:status"`
	EstimatedMonthlySavings float64    `gorm:"column:estimated_monthly_savings"`
	ConfidenceScore         *float64   `gorm:"column:confidence_score"`
	ExplainabilityNotes     *string    `gorm:"column:explainability_notes"`
	CreateBackup            bool       `gorm:"column:create_backup"`
	BackupRetentionDays     int        `gorm:"column:backup_retention_days"`
	BackupResourceID        *string    `gorm:"column:backup_resource_id"`
	BackupCostEstimate      *float64   `gorm:"column:backup_cost_estimate"`
	TombstoneKey            *string    `gorm:"column:tombstone_key"`
	RequestedByUserID       *string    `gorm:"column:requested_by_user_id"`
	ReviewedByUserID        *string    `gorm:"column:reviewed_by_user_id"`
	ReviewNotes             *string    `gorm:"column:review_notes"`
	ExecutionError          *string    `gorm:"column:execution_error"`
	ScheduledExecutionAt    *time.Time `gorm:"column:scheduled_execution_at"`
	ExecutedAt              *time.Time `gorm:"column:executed_at"`
	CreatedAt               time.Time  `gorm:"column:created_at"`
	UpdatedAt               time.Time  `gorm:"column:updated_at"`
	Tags                    stringMap  `gorm:"column:tags;type:jsonb"`
	Metadata                stringMap  `gorm:"column:metadata;type:jsonb"`
}

func (requestModel) TableName() string { return "remediation_requests" }

// mutableColumns are the columns a transition may rewrite.
func (m requestModel) mutableColumns() map[string]any {
	return map[string]any{
		"status":                 m.Status,
		"backup_resource_id":     m.BackupResourceID,
		"backup_cost_estimate":   m.BackupCostEstimate,
		"tombstone_key":          m.TombstoneKey,
		"reviewed_by_user_id":    m.ReviewedByUserID,
		"review_notes":           m.ReviewNotes,
		"execution_error":        m.ExecutionError,
		"scheduled_execution_at": m.ScheduledExecutionAt,
		"executed_at":            m.ExecutedAt,
		"updated_at":             m.UpdatedAt,
	}
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toModel(r *remediation.Request) requestModel {
	return requestModel{
		ID:                      r.ID,
		TenantID:                r.TenantID,
		ResourceID:              r.ResourceID,
		ResourceType:            r.ResourceType,
		Provider:                string(r.Provider),
		Region:                  r.Region,
		ConnectionID:            r.ConnectionID,
		Action:                  string(r.Action),
		Status:                  string(r.Status),
		EstimatedMonthlySavings: r.EstimatedMonthlySavings,
		ConfidenceScore:         r.ConfidenceScore,
		ExplainabilityNotes:     nullableString(r.ExplainabilityNotes),
		CreateBackup:            r.CreateBackup,
		BackupRetentionDays:     r.BackupRetentionDays,
		BackupResourceID:        nullableString(r.BackupResourceID),
		BackupCostEstimate:      r.BackupCostEstimate,
		TombstoneKey:            nullableString(r.TombstoneKey),
		RequestedByUserID:       nullableString(r.RequestedByUserID),
		ReviewedByUserID:        nullableString(r.ReviewedByUserID),
		ReviewNotes:             nullableString(r.ReviewNotes),
		ExecutionError:          nullableString(r.ExecutionError),
		ScheduledExecutionAt:    r.ScheduledExecutionAt,
		ExecutedAt:              r.ExecutedAt,
		CreatedAt:               r.CreatedAt,
		UpdatedAt:               r.UpdatedAt,
		Tags:                    stringMap(r.Tags),
		Metadata:                stringMap(r.Metadata),
	}
}

func toDomain(m requestModel) *remediation.Request {
	return &remediation.Request{
		ID:                      m.ID,
		TenantID:                m.TenantID,
		ResourceID:              m.ResourceID,
		ResourceType:            m.ResourceType,
		Provider:                resources.Provider(m.Provider),
		Region:                  m.Region,
		ConnectionID:            m.ConnectionID,
		Action:                  resources.ActionKind(m.Action),
		Status:                  remediation.Status(m.Status),
		EstimatedMonthlySavings: m.EstimatedMonthlySavings,
		ConfidenceScore:         m.ConfidenceScore,
		ExplainabilityNotes:     derefString(m.ExplainabilityNotes),
		CreateBackup:            m.CreateBackup,
		BackupRetentionDays:     m.BackupRetentionDays,
		BackupResourceID:        derefString(m.BackupResourceID),
		BackupCostEstimate:      m.BackupCostEstimate,
		TombstoneKey:            derefString(m.TombstoneKey),
		RequestedByUserID:       derefString(m.RequestedByUserID),
		ReviewedByUserID:        derefString(m.ReviewedByUserID),
		ReviewNotes:             derefString(m.ReviewNotes),
		ExecutionError:          derefString(m.ExecutionError),
		ScheduledExecutionAt:    utcPtr(m.ScheduledExecutionAt),
		ExecutedAt:              utcPtr(m.ExecutedAt),
		CreatedAt:               m.CreatedAt.UTC(),
		UpdatedAt:               m.UpdatedAt.UTC(),
		Tags:                    map[string]string(m.Tags),
		Metadata:                map[string]string(m.Metadata),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
