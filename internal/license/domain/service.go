package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/access"
)

// Identity names the license a request acts on. Exactly one field is used,
// in the order LicenseID, LicenseKey, SiteHash.
type Identity struct {
	LicenseID  snowflake.ID `json:"license_id,omitempty"`
	LicenseKey string       `json:"license_key,omitempty"`
	SiteHash   string       `json:"site_hash,omitempty"`
}

func (i Identity) Empty() bool {
	return i.LicenseID == 0 && strings.TrimSpace(i.LicenseKey) == "" && strings.TrimSpace(i.SiteHash) == ""
}

type AutoAttachRequest struct {
	SiteHash   string         `json:"site_hash"`
	SiteURL    string         `json:"site_url"`
	LicenseKey string         `json:"license_key,omitempty"`
	AccountID  string         `json:"account_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type ActivateRequest struct {
	LicenseKey string         `json:"license_key"`
	SiteHash   string         `json:"site_hash"`
	SiteURL    string         `json:"site_url"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type AttachResult struct {
	License *License `json:"license"`
	Site    *Site    `json:"site"`
	// Minted is true when a free license was created for the site.
	Minted      bool `json:"minted"`
	Reactivated bool `json:"reactivated"`
	Unchanged   bool `json:"unchanged"`
}

type SubscriptionUpdate struct {
	LicenseKey string `json:"license_key"`
	Status     string `json:"status"`
	Plan       string `json:"plan,omitempty"`
}

type DeductResult struct {
	LicenseID        snowflake.ID `json:"license_id"`
	FromPool         int64        `json:"from_pool"`
	FromCredits      int64        `json:"from_credits"`
	Uncovered        int64        `json:"uncovered"`
	TokensRemaining  int64        `json:"tokens_remaining"`
	CreditsRemaining int64        `json:"credits_remaining"`
}

type QuotaView struct {
	LicenseID        snowflake.ID `json:"license_id"`
	Plan             string       `json:"plan"`
	Status           string       `json:"status"`
	State            State        `json:"state"`
	TokensLimit      int64        `json:"tokens_limit"`
	TokensRemaining  int64        `json:"tokens_remaining"`
	CreditsRemaining int64        `json:"credits_remaining"`
	MaxSites         int          `json:"max_sites"`
	ActiveSites      int64        `json:"active_sites"`
	ResetDate        time.Time    `json:"reset_date"`
	Cached           bool         `json:"cached"`
}

type AuthorizeRequest struct {
	Identity
	// Status overrides the stored subscription status when the caller holds
	// a fresher value from the billing provider.
	Status string `json:"status,omitempty"`
}

type Authorization struct {
	Decision access.Decision `json:"decision"`
	Quota    *QuotaView      `json:"quota,omitempty"`
}

type Service interface {
	AutoAttach(ctx context.Context, req AutoAttachRequest) (AttachResult, error)
	Activate(ctx context.Context, req ActivateRequest) (AttachResult, error)
	DeactivateSite(ctx context.Context, siteHash string) error
	UpdateSubscription(ctx context.Context, req SubscriptionUpdate) (*License, error)
	AddCredits(ctx context.Context, id Identity, amount int64) (*License, error)
	Quota(ctx context.Context, id Identity) (QuotaView, error)
	Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error)
	// Deduct takes amount from the pool, then from credits, flooring both at
	// zero. It does not check sufficiency; call Authorize first.
	Deduct(ctx context.Context, id Identity, amount int64) (DeductResult, error)
	// Reset refills every license whose reset date has passed and returns
	// how many were refilled. Repeating it within a cycle is a no-op.
	Reset(ctx context.Context, now time.Time) (int, error)
}

var (
	ErrInvalidSiteHash   = errors.New("invalid_site_hash")
	ErrInvalidLicenseKey = errors.New("invalid_license_key")
	ErrInvalidIdentity   = errors.New("invalid_identity")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidStatus     = errors.New("invalid_status")
	ErrLicenseNotFound   = errors.New("license_not_found")
	ErrSiteNotFound      = errors.New("site_not_found")
	ErrSiteLimitReached  = errors.New("site_limit_reached")
)
