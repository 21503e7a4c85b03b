package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	usageEvents      metric.Int64Counter
	usageBatches     metric.Int64Counter
	usageCost        metric.Int64Counter
	accessDecisions  metric.Int64Counter
	quotaDeducted    metric.Int64Counter
	licenseResets    metric.Int64Counter
	siteAttach       metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "meterline"
	}
	meter := provider.Meter(name)

	var (
		m   Metrics
		err error
	)
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.usageEvents, "meterline_usage_events_total", "Usage events by ingest outcome."},
		{&m.usageBatches, "meterline_usage_batches_total", "Usage batches by outcome."},
		{&m.usageCost, "meterline_usage_cost_micros_total", "Inference cost recorded, in micro-currency."},
		{&m.accessDecisions, "meterline_access_decisions_total", "Generation gate decisions."},
		{&m.quotaDeducted, "meterline_quota_tokens_deducted_total", "Tokens deducted from pools and credits."},
		{&m.licenseResets, "meterline_license_resets_total", "Monthly pool resets applied."},
		{&m.siteAttach, "meterline_site_attach_total", "Site attach outcomes."},
		{&m.rateLimitAllowed, "meterline_rate_limit_allowed_total", "Requests admitted by the ingest limiter."},
		{&m.rateLimitDenied, "meterline_rate_limit_denied_total", "Requests rejected by the ingest limiter."},
	}
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// RecordUsageEvents counts accepted and duplicate events of one batch.
func (m *Metrics) RecordUsageEvents(ctx context.Context, accepted, duplicates int) {
	if m == nil {
		return
	}
	if accepted > 0 {
		m.usageEvents.Add(ctx, int64(accepted), metric.WithAttributes(attribute.String("status", "accepted")))
	}
	if duplicates > 0 {
		m.usageEvents.Add(ctx, int64(duplicates), metric.WithAttributes(attribute.String("status", "duplicate")))
	}
}

func (m *Metrics) RecordUsageBatch(ctx context.Context, status, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("status", strings.TrimSpace(status)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.usageBatches.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordUsageCost(ctx context.Context, costMicros int64) {
	if m == nil || costMicros <= 0 {
		return
	}
	m.usageCost.Add(ctx, costMicros)
}

func (m *Metrics) RecordAccessDecision(ctx context.Context, allowed bool, reason string) {
	if m == nil {
		return
	}
	status := "denied"
	if allowed {
		status = "allowed"
	}
	attrs := FilterAttributes(
		attribute.String("status", status),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.accessDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordQuotaDeduction(ctx context.Context, source string, tokens int64) {
	if m == nil || tokens <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("source", strings.TrimSpace(source)))
	m.quotaDeducted.Add(ctx, tokens, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordLicenseResets(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.licenseResets.Add(ctx, int64(n))
}

func (m *Metrics) RecordSiteAttach(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.siteAttach.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Per-install and per-user labels are deliberately absent.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint": {},
	"status":   {},
	"reason":   {},
	"source":   {},
	"outcome":  {},
	"plan":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		if attr.Value.AsString() == "" && attr.Value.Type() == attribute.STRING {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
