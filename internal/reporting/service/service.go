package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/clock"
	installationdomain "github.com/smallbiznis/meterline/internal/installation/domain"
	"github.com/smallbiznis/meterline/internal/pricing"
	reportingdomain "github.com/smallbiznis/meterline/internal/reporting/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"github.com/smallbiznis/meterline/pkg/db/option"
	"github.com/smallbiznis/meterline/pkg/db/pagination"
	"github.com/smallbiznis/meterline/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Installations installationdomain.Service
	InstallRepo   installationdomain.Repository
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock         clock.Clock
	installations installationdomain.Service
	installRepo   installationdomain.Repository
	events        repository.Repository[usagedomain.UsageEvent]
	daily         repository.Repository[usagedomain.UsageDailySummary]
	monthly       repository.Repository[usagedomain.UsageMonthlySummary]
}

func New(p Params) reportingdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("reporting.service"),

		clock:         p.Clock,
		installations: p.Installations,
		installRepo:   p.InstallRepo,
		events:        repository.ProvideStore[usagedomain.UsageEvent](p.DB),
		daily:         repository.ProvideStore[usagedomain.UsageDailySummary](p.DB),
		monthly:       repository.ProvideStore[usagedomain.UsageMonthlySummary](p.DB),
	}
}

type tokenTotal struct {
	InstallationID snowflake.ID `gorm:"column:installation_id"`
	Tokens         int64        `gorm:"column:tokens"`
}

// ListInstallations orders by most recently seen. Trailing tokens come from
// raw events; cost and revenue from the current month's rollup.
func (s *Service) ListInstallations(ctx context.Context, page pagination.Pagination) (reportingdomain.ListInstallationsResponse, error) {
	page = page.Normalize()

	items, err := s.installRepo.List(ctx, s.db, page.Limit, page.Offset)
	if err != nil {
		return reportingdomain.ListInstallationsResponse{}, err
	}
	total, err := s.installRepo.Count(ctx, s.db)
	if err != nil {
		return reportingdomain.ListInstallationsResponse{}, err
	}

	now := s.clock.Now()
	monthKey := usagedomain.MonthKey(now)
	ids := make([]snowflake.ID, 0, len(items))
	for _, inst := range items {
		ids = append(ids, inst.ID)
	}

	tokens := map[snowflake.ID]int64{}
	months := map[snowflake.ID]*usagedomain.UsageMonthlySummary{}
	if len(ids) > 0 {
		var totals []tokenTotal
		if err := s.db.WithContext(ctx).
			Model(&usagedomain.UsageEvent{}).
			Select("installation_id, SUM(total_tokens) AS tokens").
			Where("installation_id IN ? AND received_at >= ?", ids, now.Add(-reportingdomain.TrailingWindow)).
			Group("installation_id").
			Scan(&totals).Error; err != nil {
			return reportingdomain.ListInstallationsResponse{}, err
		}
		for _, t := range totals {
			tokens[t.InstallationID] = t.Tokens
		}

		rows, err := s.monthly.Find(ctx, &usagedomain.UsageMonthlySummary{MonthKey: monthKey}, option.WithIn("installation_id", ids))
		if err != nil {
			return reportingdomain.ListInstallationsResponse{}, err
		}
		for _, row := range rows {
			months[row.InstallationID] = row
		}
	}

	reports := make([]reportingdomain.InstallationReport, 0, len(items))
	for _, inst := range items {
		report := reportingdomain.InstallationReport{
			InstallID:    inst.InstallID,
			AccountID:    inst.AccountID,
			Plan:         inst.Plan,
			Currency:     inst.Currency,
			SiteHash:     inst.SiteHash,
			Active:       inst.Active,
			FirstSeenAt:  inst.FirstSeenAt,
			LastSeenAt:   inst.LastSeenAt,
			Metadata:     inst.Metadata,
			Tokens30d:    tokens[inst.ID],
			MonthKey:     monthKey,
			RevenueCents: inst.PlanPriceCents,
		}
		if row, ok := months[inst.ID]; ok {
			report.CostMicros = row.CostMicros
			report.RevenueCents = row.RevenueCents
			report.HasMonthRollup = true
		}
		report.CostCents = pricing.MicrosToCents(report.CostMicros)
		report.ProfitCents = report.RevenueCents - report.CostCents
		reports = append(reports, report)
	}

	return reportingdomain.ListInstallationsResponse{
		PageInfo:      pagination.BuildPageInfo(page, len(reports), total),
		Installations: reports,
	}, nil
}

// FetchSummary pages over raw daily rows, then regroups the page in memory.
func (s *Service) FetchSummary(ctx context.Context, req reportingdomain.SummaryRequest) (reportingdomain.SummaryResponse, error) {
	groupBy := reportingdomain.GroupBy(strings.ToLower(strings.TrimSpace(string(req.GroupBy))))
	if groupBy == "" {
		groupBy = reportingdomain.GroupByDay
	}
	if groupBy != reportingdomain.GroupByDay && groupBy != reportingdomain.GroupByUser && groupBy != reportingdomain.GroupBySource {
		return reportingdomain.SummaryResponse{}, reportingdomain.ErrInvalidGroupBy
	}
	from, to, err := parseRange(req.DateFrom, req.DateTo)
	if err != nil {
		return reportingdomain.SummaryResponse{}, err
	}
	inst, err := s.installations.Get(ctx, req.InstallID)
	if err != nil {
		return reportingdomain.SummaryResponse{}, err
	}

	filters := []option.QueryOption{}
	if !from.IsZero() {
		filters = append(filters, option.WithWhere("usage_date >= ?", from))
	}
	if !to.IsZero() {
		filters = append(filters, option.WithWhere("usage_date <= ?", to))
	}
	query := &usagedomain.UsageDailySummary{InstallationID: inst.ID}

	total, err := s.daily.Count(ctx, query, filters...)
	if err != nil {
		return reportingdomain.SummaryResponse{}, err
	}

	page := req.Pagination.Normalize()
	opts := append(filters,
		option.WithSortBy("usage_date", true),
		option.WithSortBy("id", false),
		option.WithLimit(page.Limit),
		option.WithOffset(page.Offset),
	)
	rows, err := s.daily.Find(ctx, query, opts...)
	if err != nil {
		return reportingdomain.SummaryResponse{}, err
	}

	return reportingdomain.SummaryResponse{
		PageInfo: pagination.BuildPageInfo(page, len(rows), total),
		GroupBy:  groupBy,
		Rows:     len(rows),
		Buckets:  regroup(rows, groupBy),
	}, nil
}

func regroup(rows []*usagedomain.UsageDailySummary, groupBy reportingdomain.GroupBy) []reportingdomain.SummaryBucket {
	index := map[string]int{}
	buckets := []reportingdomain.SummaryBucket{}
	for _, row := range rows {
		var key string
		switch groupBy {
		case reportingdomain.GroupByUser:
			key = row.UserHash
		case reportingdomain.GroupBySource:
			key = row.Source
		default:
			key = row.UsageDate.UTC().Format(time.DateOnly)
		}

		i, ok := index[key]
		if !ok {
			i = len(buckets)
			index[key] = i
			buckets = append(buckets, reportingdomain.SummaryBucket{Key: key})
		}
		b := &buckets[i]
		b.TotalRequests += row.TotalRequests
		b.PromptTokens += row.PromptTokens
		b.CompletionTokens += row.CompletionTokens
		b.TotalTokens += row.TotalTokens
		b.CostMicros += row.CostMicros
	}
	for i := range buckets {
		buckets[i].CostCents = pricing.MicrosToCents(buckets[i].CostMicros)
	}
	return buckets
}

func (s *Service) FetchEvents(ctx context.Context, req reportingdomain.EventsRequest) (reportingdomain.EventsResponse, error) {
	from, to, err := parseRange(req.DateFrom, req.DateTo)
	if err != nil {
		return reportingdomain.EventsResponse{}, err
	}
	inst, err := s.installations.Get(ctx, req.InstallID)
	if err != nil {
		return reportingdomain.EventsResponse{}, err
	}

	query := &usagedomain.UsageEvent{
		InstallationID: inst.ID,
		UserHash:       strings.TrimSpace(req.UserHash),
		Source:         strings.TrimSpace(req.Source),
	}
	filters := []option.QueryOption{}
	if !from.IsZero() {
		filters = append(filters, option.WithWhere("occurred_at >= ?", from))
	}
	if !to.IsZero() {
		filters = append(filters, option.WithWhere("occurred_at < ?", to.AddDate(0, 0, 1)))
	}

	total, err := s.events.Count(ctx, query, filters...)
	if err != nil {
		return reportingdomain.EventsResponse{}, err
	}

	page := req.Pagination.Normalize()
	opts := append(filters,
		option.WithSortBy("occurred_at", true),
		option.WithSortBy("id", true),
		option.WithLimit(page.Limit),
		option.WithOffset(page.Offset),
	)
	rows, err := s.events.Find(ctx, query, opts...)
	if err != nil {
		return reportingdomain.EventsResponse{}, err
	}

	events := make([]usagedomain.UsageEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, *row)
	}
	return reportingdomain.EventsResponse{
		PageInfo: pagination.BuildPageInfo(page, len(events), total),
		Events:   events,
	}, nil
}

// parseRange reads inclusive YYYY-MM-DD bounds. Either side may be empty.
func parseRange(fromRaw, toRaw string) (time.Time, time.Time, error) {
	from, err := parseDate(fromRaw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseDate(toRaw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return time.Time{}, time.Time{}, reportingdomain.ErrInvalidDateRange
	}
	return from, to, nil
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, reportingdomain.ErrInvalidDate
	}
	return t.UTC(), nil
}
