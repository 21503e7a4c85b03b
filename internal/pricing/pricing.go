// Package pricing converts token usage into inference cost and plan prices
// into attributed monthly revenue.
package pricing

import (
	"math"
	"strings"

	"github.com/smallbiznis/meterline/internal/config"
	"go.uber.org/fx"
)

// MicrosPerCent is the number of micro-currency units in one minor unit.
const MicrosPerCent = 10_000

// RateTable resolves the per-1k-token rate for a model.
type RateTable struct {
	Default   float64
	Overrides map[string]float64
}

// RatePer1K consults the override table first, then the global default.
func (t RateTable) RatePer1K(model string) float64 {
	key := strings.ToLower(strings.TrimSpace(model))
	if key != "" {
		if rate, ok := t.Overrides[key]; ok {
			return rate
		}
	}
	return t.Default
}

// CostMicros returns round(totalTokens / 1000 * rate).
func CostMicros(rates RateTable, model string, totalTokens int64) int64 {
	if totalTokens <= 0 {
		return 0
	}
	return int64(math.Round(float64(totalTokens) / 1000 * rates.RatePer1K(model)))
}

// RevenueCents converts a list price in major units to minor units.
// The full price is attributed to every month a summary is written for.
func RevenueCents(listPrice float64) int64 {
	return int64(math.Round(listPrice * 100))
}

// MicrosToCents truncates toward zero.
func MicrosToCents(micros int64) int64 {
	return micros / MicrosPerCent
}

// PlanQuote is the plan economics snapshot taken for one installation.
type PlanQuote struct {
	Plan        string
	PriceCents  int64
	Currency    string
	TokensLimit int64
	MaxSites    int
}

type Params struct {
	fx.In

	Holder *config.PricingHolder
}

// Calculator reads the current pricing catalog on every call so reloads
// apply without restarts.
type Calculator struct {
	holder *config.PricingHolder
}

func NewCalculator(p Params) *Calculator {
	return &Calculator{holder: p.Holder}
}

// NewStaticCalculator pins the catalog, mostly for tests.
func NewStaticCalculator(cfg config.PricingConfig) *Calculator {
	return &Calculator{holder: config.NewStaticPricingHolder(cfg)}
}

func (c *Calculator) Rates() RateTable {
	cfg := c.holder.Get()
	return RateTable{Default: cfg.DefaultRatePer1K, Overrides: cfg.ModelRates}
}

func (c *Calculator) Cost(model string, totalTokens int64) int64 {
	return CostMicros(c.Rates(), model, totalTokens)
}

// Quote resolves a plan name against the catalog. Unknown plans fall back to
// the free plan.
func (c *Calculator) Quote(plan string) PlanQuote {
	cfg := c.holder.Get()
	name, pc := cfg.Plan(plan)
	return PlanQuote{
		Plan:        name,
		PriceCents:  RevenueCents(pc.ListPrice),
		Currency:    cfg.Currency,
		TokensLimit: pc.TokensLimit,
		MaxSites:    pc.MaxSites,
	}
}

func (c *Calculator) FreePlan() PlanQuote {
	return c.Quote(c.holder.Get().FreePlan)
}
