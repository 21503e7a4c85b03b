package repository

import (
	"context"

	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

// InsertEvent relies on the unique index over event_id; concurrent retries of
// the same event resolve inside the storage engine.
func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *usagedomain.UsageEvent) (bool, error) {
	result := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) IncrementDaily(ctx context.Context, db *gorm.DB, row *usagedomain.UsageDailySummary) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_daily_summaries (
			id, installation_id, user_hash, source, usage_date,
			total_requests, prompt_tokens, completion_tokens, total_tokens, cost_micros,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (installation_id, user_hash, source, usage_date)
		DO UPDATE SET total_requests = usage_daily_summaries.total_requests + EXCLUDED.total_requests,
		              prompt_tokens = usage_daily_summaries.prompt_tokens + EXCLUDED.prompt_tokens,
		              completion_tokens = usage_daily_summaries.completion_tokens + EXCLUDED.completion_tokens,
		              total_tokens = usage_daily_summaries.total_tokens + EXCLUDED.total_tokens,
		              cost_micros = usage_daily_summaries.cost_micros + EXCLUDED.cost_micros,
		              updated_at = EXCLUDED.updated_at`,
		row.ID,
		row.InstallationID,
		row.UserHash,
		row.Source,
		row.UsageDate,
		row.TotalRequests,
		row.PromptTokens,
		row.CompletionTokens,
		row.TotalTokens,
		row.CostMicros,
		row.CreatedAt,
		row.UpdatedAt,
	).Error
}

// IncrementMonthly sums the counters and overwrites revenue_cents.
func (r *repo) IncrementMonthly(ctx context.Context, db *gorm.DB, row *usagedomain.UsageMonthlySummary) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_monthly_summaries (
			id, installation_id, month_key,
			total_requests, prompt_tokens, completion_tokens, total_tokens, cost_micros, revenue_cents,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (installation_id, month_key)
		DO UPDATE SET total_requests = usage_monthly_summaries.total_requests + EXCLUDED.total_requests,
		              prompt_tokens = usage_monthly_summaries.prompt_tokens + EXCLUDED.prompt_tokens,
		              completion_tokens = usage_monthly_summaries.completion_tokens + EXCLUDED.completion_tokens,
		              total_tokens = usage_monthly_summaries.total_tokens + EXCLUDED.total_tokens,
		              cost_micros = usage_monthly_summaries.cost_micros + EXCLUDED.cost_micros,
		              revenue_cents = EXCLUDED.revenue_cents,
		              updated_at = EXCLUDED.updated_at`,
		row.ID,
		row.InstallationID,
		row.MonthKey,
		row.TotalRequests,
		row.PromptTokens,
		row.CompletionTokens,
		row.TotalTokens,
		row.CostMicros,
		row.RevenueCents,
		row.CreatedAt,
		row.UpdatedAt,
	).Error
}
