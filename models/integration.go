package models

import (
	"time"

	"gorm.io/gorm"

	"socialinbox/permissions"
)

// SocialIntegration holds the platform-level connection credentials, one row
// per platform. Tokens are stored encrypted (utils.Encrypt) the same way
// provider passwords are everywhere else in this codebase.
type SocialIntegration struct {
	gorm.Model
	Platform     permissions.Platform `gorm:"type:varchar(16);not null;uniqueIndex" json:"platform"`
	AccessToken  string               `gorm:"type:text" json:"-"`
	RefreshToken string               `gorm:"type:text" json:"-"`
	TokenExpiry  time.Time            `json:"token_expiry,omitempty"`
	Email        string               `json:"email,omitempty"`
	TokenData    JSONMap              `gorm:"type:jsonb" json:"-"`
	IsActive     bool                 `gorm:"default:true" json:"is_active"`
}
