package metricspush

import (
	"context"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Fleet holds point-in-time gauges describing the install base. They are
// refreshed from the database before every push.
type Fleet struct {
	registry      *prometheus.Registry
	installations *prometheus.GaugeVec
	licenses      *prometheus.GaugeVec
	activeSites   prometheus.Gauge
	memoryBytes   prometheus.Gauge
}

func NewFleet() *Fleet {
	f := &Fleet{
		registry: prometheus.NewRegistry(),
		installations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meterline_fleet_installations",
			Help: "Known installations by activity state.",
		}, []string{"state"}),
		licenses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meterline_fleet_licenses",
			Help: "Licenses by plan.",
		}, []string{"plan"}),
		activeSites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meterline_fleet_active_sites",
			Help: "Sites currently holding a license slot.",
		}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meterline_process_memory_sys_bytes",
			Help: "Bytes of memory obtained from the OS.",
		}),
	}
	f.registry.MustRegister(f.installations, f.licenses, f.activeSites, f.memoryBytes)
	return f
}

// Gatherer exposes the fleet gauges only.
func (f *Fleet) Gatherer() prometheus.Gatherer {
	return f.registry
}

type planCount struct {
	Plan  string
	Total int64
}

// Refresh re-reads the gauges. A failed query leaves its previous value.
func (f *Fleet) Refresh(ctx context.Context, db *gorm.DB) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	f.memoryBytes.Set(float64(m.Sys))

	if db == nil {
		return nil
	}
	conn := db.WithContext(ctx)

	var active, inactive int64
	if err := conn.Table("installations").Where("active = ?", true).Count(&active).Error; err != nil {
		return err
	}
	if err := conn.Table("installations").Where("active = ?", false).Count(&inactive).Error; err != nil {
		return err
	}
	f.installations.WithLabelValues("active").Set(float64(active))
	f.installations.WithLabelValues("inactive").Set(float64(inactive))

	var plans []planCount
	if err := conn.Table("licenses").Select("plan, COUNT(*) AS total").Group("plan").Scan(&plans).Error; err != nil {
		return err
	}
	f.licenses.Reset()
	for _, p := range plans {
		f.licenses.WithLabelValues(p.Plan).Set(float64(p.Total))
	}

	var sites int64
	if err := conn.Table("sites").Where("active = ?", true).Count(&sites).Error; err != nil {
		return err
	}
	f.activeSites.Set(float64(sites))
	return nil
}
