package pricing

import (
	"testing"

	"github.com/smallbiznis/meterline/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestCostMicros(t *testing.T) {
	rates := RateTable{
		Default:   2000,
		Overrides: map[string]float64{"gpt-4o-mini": 600},
	}

	tests := []struct {
		name   string
		model  string
		tokens int64
		want   int64
	}{
		{"override", "gpt-4o-mini", 1000, 600},
		{"override case-insensitive", "GPT-4o-Mini", 2500, 1500},
		{"default rate", "unknown-model", 1000, 2000},
		{"empty model uses default", "", 500, 1000},
		{"rounds half up", "gpt-4o-mini", 1, 1},
		{"rounds down", "gpt-4o-mini", 2, 1},
		{"zero tokens", "gpt-4o-mini", 0, 0},
		{"negative tokens", "gpt-4o-mini", -10, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CostMicros(rates, tc.model, tc.tokens))
		})
	}
}

func TestRevenueCents(t *testing.T) {
	assert.Equal(t, int64(1299), RevenueCents(12.99))
	assert.Equal(t, int64(4999), RevenueCents(49.99))
	assert.Equal(t, int64(0), RevenueCents(0))
	assert.Equal(t, int64(1), RevenueCents(0.005))
}

func TestMicrosToCents(t *testing.T) {
	assert.Equal(t, int64(0), MicrosToCents(9_999))
	assert.Equal(t, int64(1), MicrosToCents(10_000))
	assert.Equal(t, int64(12), MicrosToCents(129_999))
}

func TestCalculatorQuote(t *testing.T) {
	calc := NewStaticCalculator(config.DefaultPricingConfig())

	pro := calc.Quote("Pro")
	assert.Equal(t, "pro", pro.Plan)
	assert.Equal(t, int64(1299), pro.PriceCents)
	assert.Equal(t, "USD", pro.Currency)

	fallback := calc.Quote("enterprise")
	assert.Equal(t, "free", fallback.Plan)
	assert.Equal(t, int64(0), fallback.PriceCents)
	assert.Equal(t, 1, fallback.MaxSites)

	assert.Equal(t, int64(10000), calc.Cost("gpt-4o", 1000))
}
