// Package domain holds the installation registry models and contracts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Installation is one deployed client identified by a stable install id.
// Rows are deactivated, never deleted.
type Installation struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	InstallID      string            `gorm:"type:text;not null;uniqueIndex" json:"install_id"`
	AccountID      string            `gorm:"type:text;not null;index" json:"account_id"`
	Plan           string            `gorm:"type:text;not null" json:"plan"`
	PlanPriceCents int64             `gorm:"not null" json:"plan_price_cents"`
	Currency       string            `gorm:"type:text;not null" json:"currency"`
	SiteHash       string            `gorm:"type:text;index" json:"site_hash,omitempty"`
	InstallSecret  *string           `gorm:"type:text" json:"-"`
	FirstSeenAt    time.Time         `gorm:"not null" json:"first_seen_at"`
	LastSeenAt     time.Time         `gorm:"not null;index" json:"last_seen_at"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	Active         bool              `gorm:"not null;default:true" json:"active"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"not null" json:"updated_at"`
}

func (Installation) TableName() string { return "installations" }

// HasSecret reports whether a shared secret has been stored.
func (i *Installation) HasSecret() bool {
	return i != nil && i.InstallSecret != nil && *i.InstallSecret != ""
}
