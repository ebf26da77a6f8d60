package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/DrSkyle/reaper/pkg/remediation"
)

// Store implements remediation.Store. The active-request guard is the
// partial unique index; transitions lock the row and update it only while
// its status is still one of the expected ones.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, r *remediation.Request) error {
	rec := toModel(r)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return remediation.ErrDuplicateRequest
		}
		return fmt.Errorf("insert remediation request: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, tenantID, id string) (*remediation.Request, error) {
	var rec requestModel
	err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, remediation.ErrNotFound
		}
		return nil, err
	}
	return toDomain(rec), nil
}

func (s *Store) List(ctx context.Context, f remediation.Filter) ([]*remediation.Request, error) {
	q := s.db.WithContext(ctx).Model(&requestModel{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.ResourceID != "" {
		q = q.Where("resource_id = ?", f.ResourceID)
	}
	if f.Provider != "" {
		q = q.Where("provider = ?", string(f.Provider))
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(f.Statuses))
	}
	q = q.Order("created_at DESC").Order("id DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []requestModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*remediation.Request, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomain(row))
	}
	return out, nil
}

func (s *Store) Transition(ctx context.Context, tenantID, id string, from []remediation.Status, mutate func(*remediation.Request)) (*remediation.Request, error) {
	var out *remediation.Request
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec requestModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND tenant_id = ?", id, tenantID).
			Take(&rec).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return remediation.ErrNotFound
			}
			return err
		}
		if !slices.Contains(from, remediation.Status(rec.Status)) {
			return remediation.ErrConcurrentModification
		}

		next := toDomain(rec)
		mutate(next)
		updated := toModel(next)

		res := tx.Model(&requestModel{}).
			Where("id = ? AND tenant_id = ?", id, tenantID).
			Where("status IN ?", statusStrings(from)).
			Updates(updated.mutableColumns())
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
				return remediation.ErrDuplicateRequest
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			return remediation.ErrConcurrentModification
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func statusStrings(ss []remediation.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
