package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/clock"
	installationdomain "github.com/smallbiznis/meterline/internal/installation/domain"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"github.com/smallbiznis/meterline/internal/pricing"
	"github.com/smallbiznis/meterline/internal/signature"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"github.com/smallbiznis/meterline/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          usagedomain.Repository
	Installations installationdomain.Service
	Guard         *signature.Guard
	Pricing       *pricing.Calculator
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID         *snowflake.Node
	clock         clock.Clock
	repo          usagedomain.Repository
	installations installationdomain.Service
	guard         *signature.Guard
	pricing       *pricing.Calculator
	obsMetrics    *obsmetrics.Metrics
}

func New(p Params) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		installations: p.Installations,
		guard:         p.Guard,
		pricing:       p.Pricing,
		obsMetrics:    p.ObsMetrics,
	}
}

type dailyKey struct {
	userHash string
	source   string
	day      time.Time
}

type counters struct {
	requests   int64
	prompt     int64
	completion int64
	total      int64
	cost       int64
}

func (c *counters) add(e *usagedomain.UsageEvent) {
	c.requests++
	c.prompt += e.PromptTokens
	c.completion += e.CompletionTokens
	c.total += e.TotalTokens
	c.cost += e.CostMicros
}

// IngestBatch records a report in one transaction. Authentication failures
// and validation errors leave no trace; duplicate event ids are skipped.
func (s *Service) IngestBatch(ctx context.Context, req usagedomain.IngestBatchRequest) (usagedomain.IngestBatchResult, error) {
	installID := strings.TrimSpace(req.InstallID)
	if installID == "" {
		return s.reject(ctx, usagedomain.ErrInvalidInstallID)
	}

	now := s.clock.Now()
	events, err := s.buildEvents(req.Events, now)
	if err != nil {
		return s.reject(ctx, err)
	}

	existing, err := s.installations.Lookup(ctx, nil, installID)
	if err != nil {
		return s.fail(ctx, installID, err)
	}
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" && existing != nil {
		accountID = existing.AccountID
	}
	if accountID == "" {
		return s.reject(ctx, usagedomain.ErrInvalidAccount)
	}

	plan := strings.TrimSpace(req.Plan)
	if plan == "" && existing != nil {
		plan = existing.Plan
	}
	quote := s.pricing.Quote(plan)
	rates := s.pricing.Rates()

	result := usagedomain.IngestBatchResult{InstallID: installID}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inst, err := s.installations.Register(ctx, tx, installationdomain.RegisterRequest{
			InstallID:      installID,
			AccountID:      accountID,
			Plan:           quote.Plan,
			PlanPriceCents: quote.PriceCents,
			Currency:       quote.Currency,
			SiteHash:       req.SiteHash,
			Metadata:       requestMetadata(req),
			SeenAt:         now,
		})
		if err != nil {
			return err
		}

		outcome, err := s.guard.Verify(ctx, s.installations.SecretStore(tx), signature.Request{
			InstallID:      installID,
			Header:         req.Signature,
			ProvidedSecret: req.InstallSecret,
		})
		if err != nil {
			return err
		}
		result.FirstContact = outcome.FirstContact

		daily := map[dailyKey]*counters{}
		monthly := map[string]*counters{}
		for _, event := range events {
			event.ID = s.genID.Generate()
			event.InstallationID = inst.ID
			event.CostMicros = pricing.CostMicros(rates, event.Model, event.TotalTokens)

			inserted, err := s.repo.InsertEvent(ctx, tx, event)
			if err != nil {
				return fmt.Errorf("insert usage event %s: %w", event.EventID, err)
			}
			if !inserted {
				result.Duplicates++
				continue
			}
			result.Accepted++
			result.CostMicros += event.CostMicros

			day := usagedomain.DayOf(event.OccurredAt)
			key := dailyKey{userHash: event.UserHash, source: event.Source, day: day}
			if daily[key] == nil {
				daily[key] = &counters{}
			}
			daily[key].add(event)

			month := usagedomain.MonthKey(day)
			if monthly[month] == nil {
				monthly[month] = &counters{}
			}
			monthly[month].add(event)
		}

		if err := s.flushDaily(ctx, tx, inst.ID, daily, now); err != nil {
			return err
		}
		months, err := s.flushMonthly(ctx, tx, inst, monthly, now)
		if err != nil {
			return err
		}
		result.Months = months
		return nil
	})
	if err != nil {
		return s.fail(ctx, installID, err)
	}

	s.obsMetrics.RecordUsageEvents(ctx, result.Accepted, result.Duplicates)
	s.obsMetrics.RecordUsageCost(ctx, result.CostMicros)
	s.obsMetrics.RecordUsageBatch(ctx, "accepted", "")
	s.log.Debug("usage batch ingested",
		zap.String("install_id", installID),
		zap.Int("accepted", result.Accepted),
		zap.Int("duplicates", result.Duplicates),
		zap.Int64("cost_micros", result.CostMicros),
	)
	return result, nil
}

// flushDaily applies rows in key order so concurrent batches for the same
// installation acquire row locks in the same sequence.
func (s *Service) flushDaily(ctx context.Context, tx *gorm.DB, installationID snowflake.ID, daily map[dailyKey]*counters, now time.Time) error {
	keys := make([]dailyKey, 0, len(daily))
	for k := range daily {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].day.Equal(keys[j].day) {
			return keys[i].day.Before(keys[j].day)
		}
		if keys[i].userHash != keys[j].userHash {
			return keys[i].userHash < keys[j].userHash
		}
		return keys[i].source < keys[j].source
	})

	for _, k := range keys {
		c := daily[k]
		if err := s.repo.IncrementDaily(ctx, tx, &usagedomain.UsageDailySummary{
			ID:               s.genID.Generate(),
			InstallationID:   installationID,
			UserHash:         k.userHash,
			Source:           k.source,
			UsageDate:        k.day,
			TotalRequests:    c.requests,
			PromptTokens:     c.prompt,
			CompletionTokens: c.completion,
			TotalTokens:      c.total,
			CostMicros:       c.cost,
			CreatedAt:        now,
			UpdatedAt:        now,
		}); err != nil {
			return fmt.Errorf("upsert daily summary: %w", err)
		}
	}
	return nil
}

func (s *Service) flushMonthly(ctx context.Context, tx *gorm.DB, inst *installationdomain.Installation, monthly map[string]*counters, now time.Time) ([]string, error) {
	months := make([]string, 0, len(monthly))
	for m := range monthly {
		months = append(months, m)
	}
	sort.Strings(months)

	for _, m := range months {
		c := monthly[m]
		if err := s.repo.IncrementMonthly(ctx, tx, &usagedomain.UsageMonthlySummary{
			ID:               s.genID.Generate(),
			InstallationID:   inst.ID,
			MonthKey:         m,
			TotalRequests:    c.requests,
			PromptTokens:     c.prompt,
			CompletionTokens: c.completion,
			TotalTokens:      c.total,
			CostMicros:       c.cost,
			RevenueCents:     inst.PlanPriceCents,
			CreatedAt:        now,
			UpdatedAt:        now,
		}); err != nil {
			return nil, fmt.Errorf("upsert monthly summary: %w", err)
		}
	}
	return months, nil
}

func (s *Service) buildEvents(inputs []usagedomain.EventInput, now time.Time) ([]*usagedomain.UsageEvent, error) {
	if len(inputs) == 0 {
		return nil, usagedomain.ErrEmptyBatch
	}
	if len(inputs) > usagedomain.MaxBatchEvents {
		return nil, usagedomain.ErrBatchTooLarge
	}

	events := make([]*usagedomain.UsageEvent, 0, len(inputs))
	for _, in := range inputs {
		eventID := strings.TrimSpace(in.EventID)
		if eventID == "" || len(eventID) > 191 {
			return nil, usagedomain.ErrInvalidEventID
		}
		if in.PromptTokens < 0 || in.CompletionTokens < 0 || in.TotalTokens < 0 {
			return nil, usagedomain.ErrInvalidTokens
		}
		total := in.TotalTokens
		if total == 0 {
			total = in.PromptTokens + in.CompletionTokens
		}

		occurredAt, err := ParseTimestamp(in.CreatedAt)
		if err != nil {
			return nil, err
		}
		if occurredAt.IsZero() {
			occurredAt = now
		}
		processedAt, err := ParseTimestamp(in.ProcessedAt)
		if err != nil {
			return nil, err
		}

		event := &usagedomain.UsageEvent{
			EventID:          eventID,
			UserHash:         strings.TrimSpace(in.UserHash),
			Source:           strings.TrimSpace(in.Source),
			Model:            strings.TrimSpace(in.Model),
			PromptTokens:     in.PromptTokens,
			CompletionTokens: in.CompletionTokens,
			TotalTokens:      total,
			OccurredAt:       occurredAt,
			ReceivedAt:       now,
		}
		if !processedAt.IsZero() {
			event.ProcessedAt = &processedAt
		}
		if ctxBlob := strings.TrimSpace(string(in.Context)); ctxBlob != "" && ctxBlob != "null" {
			event.Context = datatypes.JSON(ctxBlob)
		}
		events = append(events, event)
	}
	return events, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseTimestamp accepts RFC 3339, MySQL-style datetimes (read as UTC) and
// unix seconds. An empty value yields the zero time.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	if unix, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, usagedomain.ErrInvalidTimestamp
}

func requestMetadata(req usagedomain.IngestBatchRequest) map[string]any {
	meta := map[string]any{}
	put := func(k, v string) {
		if v = strings.TrimSpace(v); v != "" {
			meta[k] = v
		}
	}
	put("plugin_version", req.PluginVersion)
	put("wordpress_version", req.WordPressVersion)
	put("php_version", req.PHPVersion)
	switch strings.ToLower(strings.TrimSpace(req.Multisite)) {
	case "1", "true", "yes":
		meta["multisite"] = true
	case "0", "false", "no":
		meta["multisite"] = false
	}
	return meta
}

func (s *Service) reject(ctx context.Context, err error) (usagedomain.IngestBatchResult, error) {
	s.obsMetrics.RecordUsageBatch(ctx, "rejected", err.Error())
	return usagedomain.IngestBatchResult{}, err
}

func (s *Service) fail(ctx context.Context, installID string, err error) (usagedomain.IngestBatchResult, error) {
	switch {
	case errors.Is(err, signature.ErrInvalidSignature),
		errors.Is(err, signature.ErrMissingSignature):
		s.log.Warn("usage batch rejected", zap.String("install_id", installID), zap.Error(err))
		return s.reject(ctx, err)
	case errors.Is(err, installationdomain.ErrInvalidAccount):
		return s.reject(ctx, usagedomain.ErrInvalidAccount)
	case db.IsRetryable(err):
		s.log.Warn("usage batch rolled back", zap.String("install_id", installID), zap.Error(err))
		s.obsMetrics.RecordUsageBatch(ctx, "failed", "storage_unavailable")
		return usagedomain.IngestBatchResult{}, fmt.Errorf("%w: %v", usagedomain.ErrStorageUnavailable, err)
	default:
		s.log.Error("usage batch failed", zap.String("install_id", installID), zap.Error(err))
		s.obsMetrics.RecordUsageBatch(ctx, "failed", "internal")
		return usagedomain.IngestBatchResult{}, err
	}
}
