package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"socialinbox/permissions"
)

// GrantList is the embedded per-platform grant array of a permission record,
// stored as a jsonb column.
type GrantList []permissions.Grant

func (g GrantList) Value() (driver.Value, error) {
	if g == nil {
		return json.Marshal([]permissions.Grant{})
	}
	return json.Marshal(g)
}

func (g *GrantList) Scan(value interface{}) error {
	if value == nil {
		*g = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, g)
	case string:
		return json.Unmarshal([]byte(v), g)
	default:
		return fmt.Errorf("unsupported type %T for GrantList", value)
	}
}

// SocialInboxPermission is a permission record at one of the three scopes.
// Identity is (access_type, target_id): the user id, team id, or role name the
// record targets. Records are never hard-deleted; gorm's DeletedAt gives the
// soft-delete semantics, and a partial unique index (see config.MigrateDB)
// enforces
// at most one live record per target.
type SocialInboxPermission struct {
	gorm.Model
	AccessType  permissions.Scope `gorm:"type:varchar(16);not null;index:idx_permission_target" json:"access_type"`
	TargetID    string            `gorm:"not null;index:idx_permission_target" json:"target_id"`
	Grants      GrantList         `gorm:"type:jsonb;not null;default:'[]'" json:"grants"`
	IsActive    bool              `gorm:"default:true" json:"is_active"`
	CreatedByID string            `json:"created_by_id,omitempty"`
	UpdatedByID string            `json:"updated_by_id,omitempty"`
}

// ToRecord strips the persistence envelope down to what the resolver needs.
func (p *SocialInboxPermission) ToRecord() permissions.Record {
	return permissions.Record{
		Scope:    p.AccessType,
		TargetID: p.TargetID,
		Grants:   p.Grants,
	}
}
