package models

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"socialinbox/permissions"
)

// PermissionStore is the GORM-backed implementation of permissions.Store.
// Soft-deleted rows are excluded by gorm's DeletedAt handling; the is_active
// filter is applied here so the resolver never sees disabled records.
type PermissionStore struct {
	db *gorm.DB
}

func NewPermissionStore(db *gorm.DB) *PermissionStore {
	return &PermissionStore{db: db}
}

func (s *PermissionStore) FindActiveByScope(ctx context.Context, scope permissions.Scope, targetID string) (*permissions.Record, error) {
	var row SocialInboxPermission
	err := s.db.WithContext(ctx).
		Where("access_type = ? AND target_id = ? AND is_active = ?", scope, targetID, true).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("permission lookup (%s, %s): %w", scope, targetID, err)
	}
	record := row.ToRecord()
	return &record, nil
}

func (s *PermissionStore) FindActiveByScopeAndTargets(ctx context.Context, scope permissions.Scope, targetIDs []string) ([]permissions.Record, error) {
	if len(targetIDs) == 0 {
		return nil, nil
	}
	var rows []SocialInboxPermission
	err := s.db.WithContext(ctx).
		Where("access_type = ? AND target_id IN ? AND is_active = ?", scope, targetIDs, true).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("permission batch lookup (%s): %w", scope, err)
	}
	records := make([]permissions.Record, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].ToRecord())
	}
	return records, nil
}
