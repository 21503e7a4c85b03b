package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("install_id", "123"),
		attribute.String("user_hash", "456"),
		attribute.String("reason", "duplicate"),
		attribute.String("status", ""),
	)
	require.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("reason"), attrs[0].Key)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordUsageEvents(ctx, 1, 1)
	m.RecordAccessDecision(ctx, true, "")
	m.RecordQuotaDeduction(ctx, "pool", 10)
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "meterline"}, noop.NewMeterProvider())
	require.NoError(t, err)
	m.RecordUsageEvents(context.Background(), 3, 1)
	m.RecordUsageBatch(context.Background(), "ok", "")
}

func TestSchedulerMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSchedulerMetrics(registry, Config{ServiceName: "meterline", Environment: "test"})

	m.IncJobRun("license_reset")
	m.IncJobError("license_reset", fmt.Errorf("claim: %w", context.DeadlineExceeded))
	m.IncJobError("license_reset", &pgconn.PgError{Code: "40001"})
	m.ObserveJobDuration("license_reset", 20*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobRuns.WithLabelValues("license_reset")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobErrors.WithLabelValues("license_reset", SchedulerJobReasonDeadlineExceeded)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobErrors.WithLabelValues("license_reset", SchedulerJobReasonSerializationFailure)))
	assert.Equal(t, SchedulerJobReasonUnknown, SchedulerErrorReason(errors.New("boom")))
}

func TestHTTPMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m := NewHTTPMetrics(registry)

	r := gin.New()
	r.Use(GinMiddleware(m))
	r.GET("/items/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for _, path := range []string{"/items/1", "/items/2", "/nope"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(m.requests.WithLabelValues("/items/:id", "GET", "204")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.requests.WithLabelValues("unmatched", "GET", "404")))
}
