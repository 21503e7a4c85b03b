// Package domain holds license, site and pooled quota models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// License is a purchasable entitlement whose monthly token pool and credits
// balance are shared by every active site bound to it.
type License struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	LicenseKey     string       `gorm:"type:text;not null;uniqueIndex" json:"license_key"`
	OwnerAccountID string       `gorm:"type:text;not null;index" json:"owner_account_id"`
	Plan           string       `gorm:"type:text;not null" json:"plan"`
	// Status is the subscription status reported by the billing provider.
	Status           string    `gorm:"type:text;not null" json:"status"`
	TokensLimit      int64     `gorm:"not null" json:"tokens_limit"`
	TokensRemaining  int64     `gorm:"not null" json:"tokens_remaining"`
	CreditsRemaining int64     `gorm:"not null" json:"credits_remaining"`
	CreditsPurchased int64     `gorm:"not null" json:"credits_purchased"`
	MaxSites         int       `gorm:"not null" json:"max_sites"`
	ResetDate        time.Time `gorm:"not null;index" json:"reset_date"`
	ResetCycle       int64     `gorm:"not null" json:"reset_cycle"`
	CreatedAt        time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time `gorm:"not null" json:"updated_at"`
}

func (License) TableName() string { return "licenses" }

// Site is one deployment bound to a license through its site hash.
// Deactivation frees a slot but keeps the row.
type Site struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	SiteHash      string            `gorm:"type:text;not null;uniqueIndex" json:"site_hash"`
	SiteURL       string            `gorm:"type:text" json:"site_url"`
	LicenseID     snowflake.ID      `gorm:"not null;index" json:"license_id"`
	Active        bool              `gorm:"not null;index" json:"active"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty"`
	LastSeenAt    time.Time         `gorm:"not null" json:"last_seen_at"`
	ActivatedAt   time.Time         `gorm:"not null" json:"activated_at"`
	DeactivatedAt *time.Time        `json:"deactivated_at,omitempty"`
	CreatedAt     time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"not null" json:"updated_at"`
}

func (Site) TableName() string { return "sites" }

func Models() []any {
	return []any{&License{}, &Site{}}
}

type State string

const (
	StateUnattached State = "unattached"
	StateAttached   State = "attached"
	StateExhausted  State = "exhausted"
)

// StateOf derives the ledger state. A reset moves an exhausted license back
// to attached by refilling the pool.
func StateOf(l *License, activeSites int64) State {
	if activeSites <= 0 {
		return StateUnattached
	}
	if l.TokensRemaining <= 0 && l.CreditsRemaining <= 0 {
		return StateExhausted
	}
	return StateAttached
}

// NextResetDate returns the first instant of the month following t, in UTC.
func NextResetDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
