// Package domain defines the profitability reporting contracts.
package domain

import (
	"context"
	"errors"
	"time"

	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"github.com/smallbiznis/meterline/pkg/db/pagination"
)

// TrailingWindow is the lookback used for the token column of listings.
const TrailingWindow = 30 * 24 * time.Hour

type GroupBy string

const (
	GroupByDay    GroupBy = "day"
	GroupByUser   GroupBy = "user"
	GroupBySource GroupBy = "source"
)

type InstallationReport struct {
	InstallID      string         `json:"install_id"`
	AccountID      string         `json:"account_id"`
	Plan           string         `json:"plan"`
	Currency       string         `json:"currency"`
	SiteHash       string         `json:"site_hash,omitempty"`
	Active         bool           `json:"active"`
	FirstSeenAt    time.Time      `json:"first_seen_at"`
	LastSeenAt     time.Time      `json:"last_seen_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Tokens30d      int64          `json:"tokens_30d"`
	MonthKey       string         `json:"month_key"`
	CostMicros     int64          `json:"cost_micros"`
	CostCents      int64          `json:"cost_cents"`
	RevenueCents   int64          `json:"revenue_cents"`
	ProfitCents    int64          `json:"profit_cents"`
	HasMonthRollup bool           `json:"has_month_rollup"`
}

type ListInstallationsResponse struct {
	pagination.PageInfo
	Installations []InstallationReport `json:"installations"`
}

type SummaryRequest struct {
	InstallID string  `json:"install_id"`
	DateFrom  string  `form:"date_from" json:"date_from"`
	DateTo    string  `form:"date_to" json:"date_to"`
	GroupBy   GroupBy `form:"group_by" json:"group_by"`
	pagination.Pagination
}

type SummaryBucket struct {
	Key              string `json:"key"`
	TotalRequests    int64  `json:"total_requests"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	CostMicros       int64  `json:"cost_micros"`
	CostCents        int64  `json:"cost_cents"`
}

// SummaryResponse paginates raw daily rows; Buckets regroups only the rows of
// the current page, so PageInfo describes rows, not buckets.
type SummaryResponse struct {
	pagination.PageInfo
	GroupBy GroupBy         `json:"group_by"`
	Rows    int             `json:"rows"`
	Buckets []SummaryBucket `json:"buckets"`
}

type EventsRequest struct {
	InstallID string `json:"install_id"`
	UserHash  string `form:"user_hash" json:"user_hash"`
	Source    string `form:"source" json:"source"`
	DateFrom  string `form:"date_from" json:"date_from"`
	DateTo    string `form:"date_to" json:"date_to"`
	pagination.Pagination
}

type EventsResponse struct {
	pagination.PageInfo
	Events []usagedomain.UsageEvent `json:"events"`
}

type Service interface {
	ListInstallations(ctx context.Context, page pagination.Pagination) (ListInstallationsResponse, error)
	FetchSummary(ctx context.Context, req SummaryRequest) (SummaryResponse, error)
	FetchEvents(ctx context.Context, req EventsRequest) (EventsResponse, error)
}

var (
	ErrInvalidGroupBy   = errors.New("invalid_group_by")
	ErrInvalidDate      = errors.New("invalid_date")
	ErrInvalidDateRange = errors.New("invalid_date_range")
)
