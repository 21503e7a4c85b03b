// Package domain contains persistence models for usage ingestion and rollups.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageEvent is one metered unit of work. EventID is client generated and
// unique across the system; rows are never updated.
type UsageEvent struct {
	ID               snowflake.ID   `gorm:"primaryKey" json:"id"`
	EventID          string         `gorm:"type:text;not null;uniqueIndex" json:"event_id"`
	InstallationID   snowflake.ID   `gorm:"not null;index:idx_usage_events_installation_received,priority:1;index:idx_usage_events_installation_occurred,priority:1" json:"installation_id"`
	UserHash         string         `gorm:"type:text;not null" json:"user_hash"`
	Source           string         `gorm:"type:text;not null" json:"source"`
	Model            string         `gorm:"type:text;not null" json:"model"`
	PromptTokens     int64          `gorm:"not null" json:"prompt_tokens"`
	CompletionTokens int64          `gorm:"not null" json:"completion_tokens"`
	TotalTokens      int64          `gorm:"not null" json:"total_tokens"`
	Context          datatypes.JSON `json:"context,omitempty"`
	OccurredAt       time.Time      `gorm:"not null;index:idx_usage_events_installation_occurred,priority:2" json:"occurred_at"`
	ProcessedAt      *time.Time     `json:"processed_at,omitempty"`
	ReceivedAt       time.Time      `gorm:"not null;index:idx_usage_events_installation_received,priority:2" json:"received_at"`
	CostMicros       int64          `gorm:"not null" json:"cost_micros"`
	// RevenueCents stays zero; revenue is recognized on the monthly summary.
	RevenueCents int64 `gorm:"not null" json:"revenue_cents"`
}

func (UsageEvent) TableName() string { return "usage_events" }

// UsageDailySummary is keyed by (installation, user hash, source, day).
// Counters are only ever incremented.
type UsageDailySummary struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	InstallationID   snowflake.ID `gorm:"not null;uniqueIndex:ux_usage_daily_key,priority:1" json:"installation_id"`
	UserHash         string       `gorm:"type:text;not null;default:'';uniqueIndex:ux_usage_daily_key,priority:2" json:"user_hash"`
	Source           string       `gorm:"type:text;not null;default:'';uniqueIndex:ux_usage_daily_key,priority:3" json:"source"`
	UsageDate        time.Time    `gorm:"type:date;not null;uniqueIndex:ux_usage_daily_key,priority:4" json:"usage_date"`
	TotalRequests    int64        `gorm:"not null;default:0" json:"total_requests"`
	PromptTokens     int64        `gorm:"not null;default:0" json:"prompt_tokens"`
	CompletionTokens int64        `gorm:"not null;default:0" json:"completion_tokens"`
	TotalTokens      int64        `gorm:"not null;default:0" json:"total_tokens"`
	CostMicros       int64        `gorm:"not null;default:0" json:"cost_micros"`
	CreatedAt        time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"not null" json:"updated_at"`
}

func (UsageDailySummary) TableName() string { return "usage_daily_summaries" }

// UsageMonthlySummary is keyed by (installation, "YYYY-MM"). RevenueCents is
// set to the installation's plan price on every write, never summed.
type UsageMonthlySummary struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	InstallationID   snowflake.ID `gorm:"not null;uniqueIndex:ux_usage_monthly_key,priority:1" json:"installation_id"`
	MonthKey         string       `gorm:"type:text;not null;uniqueIndex:ux_usage_monthly_key,priority:2" json:"month_key"`
	TotalRequests    int64        `gorm:"not null;default:0" json:"total_requests"`
	PromptTokens     int64        `gorm:"not null;default:0" json:"prompt_tokens"`
	CompletionTokens int64        `gorm:"not null;default:0" json:"completion_tokens"`
	TotalTokens      int64        `gorm:"not null;default:0" json:"total_tokens"`
	CostMicros       int64        `gorm:"not null;default:0" json:"cost_micros"`
	RevenueCents     int64        `gorm:"not null;default:0" json:"revenue_cents"`
	CreatedAt        time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"not null" json:"updated_at"`
}

func (UsageMonthlySummary) TableName() string { return "usage_monthly_summaries" }

// Models lists every table owned by this package, in dependency order.
func Models() []any {
	return []any{&UsageEvent{}, &UsageDailySummary{}, &UsageMonthlySummary{}}
}

// DayOf truncates t to its UTC calendar day.
func DayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthKey formats t as "YYYY-MM" in UTC.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
