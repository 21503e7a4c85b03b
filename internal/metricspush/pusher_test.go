package metricspush

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meterline_test_events_total",
		Help: "test",
	}, []string{"source"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "meterline_test_depth", Help: "test"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "meterline_test_seconds", Help: "test"})
	reg.MustRegister(counter, gauge, histogram)

	counter.WithLabelValues("editor").Add(3)
	gauge.Set(7)
	histogram.Observe(0.2)
	return reg
}

func TestBuildRemoteWriteSeries_SkipsHistogramsAndSortsLabels(t *testing.T) {
	families, err := testRegistry(t).Gather()
	require.NoError(t, err)

	series := buildRemoteWriteSeries(families, 1000)
	require.Len(t, series, 2)

	byName := map[string]prompb.TimeSeries{}
	for _, s := range series {
		assert.Equal(t, "__name__", s.Labels[0].Name)
		byName[s.Labels[0].Value] = s
	}

	events := byName["meterline_test_events_total"]
	require.Len(t, events.Labels, 2)
	assert.Equal(t, "source", events.Labels[1].Name)
	assert.Equal(t, "editor", events.Labels[1].Value)
	assert.Equal(t, 3.0, events.Samples[0].Value)
	assert.EqualValues(t, 1000, events.Samples[0].Timestamp)

	assert.Equal(t, 7.0, byName["meterline_test_depth"].Samples[0].Value)
}

func TestRemoteWritePusher_SendsSnappyProtobuf(t *testing.T) {
	var (
		mu      sync.Mutex
		got     prompb.WriteRequest
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		raw, err := snappy.Decode(nil, body)
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		headers = r.Header.Clone()
		require.NoError(t, got.Unmarshal(raw))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pusher := NewRemoteWritePusher(srv.URL, " token ")
	pusher.now = func() time.Time { return time.UnixMilli(42) }

	require.NoError(t, pusher.Push(context.Background(), testRegistry(t)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "snappy", headers.Get("Content-Encoding"))
	assert.Equal(t, "Bearer token", headers.Get("Authorization"))
	assert.Len(t, got.Timeseries, 2)
	assert.EqualValues(t, 42, got.Timeseries[0].Samples[0].Timestamp)
}

func TestRemoteWritePusher_ReportsRejectedWrite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewRemoteWritePusher(srv.URL, "").Push(context.Background(), testRegistry(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestPushgatewayPusher_PutsGroupedJob(t *testing.T) {
	var path, method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		method = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pusher := NewPushgatewayPusher(srv.URL, "meterline", map[string]string{"environment": "test", "": "skip"})
	require.NoError(t, pusher.Push(context.Background(), testRegistry(t)))

	assert.Equal(t, http.MethodPut, method)
	assert.True(t, strings.HasPrefix(path, "/metrics/job/meterline"), path)
	assert.Contains(t, path, "environment/test")
}

func TestPushgatewayPusher_RequiresJob(t *testing.T) {
	err := NewPushgatewayPusher("http://localhost:9091", " ", nil).Push(context.Background(), testRegistry(t))
	assert.Error(t, err)
}

func TestNewPusher(t *testing.T) {
	log := zap.NewNop()
	base := config.Config{AppName: "meterline"}

	assert.Nil(t, NewPusher(base, log))

	cfg := base
	cfg.Push = config.MetricsPushConfig{Enabled: true, Exporter: ExporterPushgateway}
	assert.Nil(t, NewPusher(cfg, log), "missing endpoint")

	cfg.Push.Endpoint = "not a url"
	assert.Nil(t, NewPusher(cfg, log))

	cfg.Push.Endpoint = "http://gateway:9091"
	assert.IsType(t, &PushgatewayPusher{}, NewPusher(cfg, log))

	cfg.Push.Exporter = ExporterRemoteWrite
	assert.IsType(t, &RemoteWritePusher{}, NewPusher(cfg, log))

	cfg.Push.Exporter = "statsd"
	assert.Nil(t, NewPusher(cfg, log))
}
