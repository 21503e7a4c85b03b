package domain

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"
)

// MaxBatchEvents bounds a single report.
const MaxBatchEvents = 500

type EventInput struct {
	EventID          string          `json:"event_id"`
	UserHash         string          `json:"wp_user_id_hash"`
	Source           string          `json:"source"`
	Model            string          `json:"model"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	TotalTokens      int64           `json:"total_tokens"`
	Context          json.RawMessage `json:"context,omitempty"`
	CreatedAt        string          `json:"created_at"`
	ProcessedAt      string          `json:"processed_at,omitempty"`
}

// IngestBatchRequest is one report from an installation. Header-borne fields
// are copied in by the transport.
type IngestBatchRequest struct {
	InstallID string       `json:"install_id"`
	AccountID string       `json:"account_id"`
	SiteHash  string       `json:"site_hash,omitempty"`
	Events    []EventInput `json:"events"`

	Plan             string `json:"-"`
	PluginVersion    string `json:"-"`
	WordPressVersion string `json:"-"`
	PHPVersion       string `json:"-"`
	Multisite        string `json:"-"`
	InstallSecret    string `json:"-"`
	Signature        string `json:"-"`
}

type IngestBatchResult struct {
	InstallID    string   `json:"install_id"`
	Accepted     int      `json:"accepted"`
	Duplicates   int      `json:"duplicates"`
	CostMicros   int64    `json:"cost_micros"`
	Months       []string `json:"months"`
	FirstContact bool     `json:"first_contact"`
}

// Repository methods run on the caller's transaction.
type Repository interface {
	// InsertEvent reports false when the event id already exists.
	InsertEvent(ctx context.Context, db *gorm.DB, event *UsageEvent) (bool, error)
	IncrementDaily(ctx context.Context, db *gorm.DB, row *UsageDailySummary) error
	IncrementMonthly(ctx context.Context, db *gorm.DB, row *UsageMonthlySummary) error
}

type Service interface {
	IngestBatch(context.Context, IngestBatchRequest) (IngestBatchResult, error)
}

var (
	ErrInvalidInstallID   = errors.New("invalid_install_id")
	ErrInvalidAccount     = errors.New("invalid_account")
	ErrEmptyBatch         = errors.New("empty_batch")
	ErrBatchTooLarge      = errors.New("batch_too_large")
	ErrInvalidEventID     = errors.New("invalid_event_id")
	ErrInvalidTokens      = errors.New("invalid_tokens")
	ErrInvalidTimestamp   = errors.New("invalid_timestamp")
	ErrStorageUnavailable = errors.New("storage_unavailable")
)
