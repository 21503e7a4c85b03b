package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PricingConfig is the hot-reloadable economics catalog: per-model inference
// rates and the plan table used for revenue attribution and license minting.
type PricingConfig struct {
	Currency string `mapstructure:"currency"`
	// DefaultRatePer1K is the cost of 1,000 tokens in micro-currency units.
	DefaultRatePer1K float64               `mapstructure:"defaultRatePer1k"`
	ModelRates       map[string]float64    `mapstructure:"modelRates"`
	FreePlan         string                `mapstructure:"freePlan"`
	Plans            map[string]PlanConfig `mapstructure:"plans"`
}

type PlanConfig struct {
	TokensLimit int64   `mapstructure:"tokensLimit"`
	MaxSites    int     `mapstructure:"maxSites"`
	ListPrice   float64 `mapstructure:"listPrice"`
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		Currency:         "USD",
		DefaultRatePer1K: 2000,
		ModelRates: map[string]float64{
			"gpt-4o-mini":      600,
			"gpt-4o":           10000,
			"gpt-4.1-mini":     1600,
			"claude-3-5-haiku": 4000,
		},
		FreePlan: "free",
		Plans: map[string]PlanConfig{
			"free":   {TokensLimit: 25_000, MaxSites: 1, ListPrice: 0},
			"pro":    {TokensLimit: 500_000, MaxSites: 1, ListPrice: 12.99},
			"agency": {TokensLimit: 2_500_000, MaxSites: 10, ListPrice: 49.99},
		},
	}
}

// Plan resolves a plan by name, falling back to the free plan.
func (c PricingConfig) Plan(name string) (string, PlanConfig) {
	key := strings.ToLower(strings.TrimSpace(name))
	if plan, ok := c.Plans[key]; ok {
		return key, plan
	}
	free := strings.ToLower(strings.TrimSpace(c.FreePlan))
	return free, c.Plans[free]
}

type PricingHolder struct {
	current atomic.Value // holds PricingConfig
}

// NewStaticPricingHolder returns a holder that never reloads.
func NewStaticPricingHolder(cfg PricingConfig) *PricingHolder {
	cfg = normalizePricingConfig(cfg)
	holder := &PricingHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewPricingHolder(log *zap.Logger) (*PricingHolder, error) {
	log = log.Named("config.pricing")
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/meterline")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer("::", "_"))
	v.AutomaticEnv()
	if path := strings.TrimSpace(v.GetString("pricing_file")); path != "" {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("pricing config not found, using defaults")
		return NewStaticPricingHolder(DefaultPricingConfig()), nil
	}

	cfg, err := decodePricing(v)
	if err != nil {
		return nil, err
	}

	holder := &PricingHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePricing(v)
		if err != nil {
			log.Warn("pricing config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("pricing config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PricingHolder) Get() PricingConfig {
	return h.current.Load().(PricingConfig)
}

func decodePricing(v *viper.Viper) (PricingConfig, error) {
	cfg := DefaultPricingConfig()
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return PricingConfig{}, err
	}
	cfg = normalizePricingConfig(cfg)
	if err := validatePricingConfig(cfg); err != nil {
		return PricingConfig{}, err
	}
	return cfg, nil
}

func normalizePricingConfig(cfg PricingConfig) PricingConfig {
	rates := make(map[string]float64, len(cfg.ModelRates))
	for model, rate := range cfg.ModelRates {
		rates[strings.ToLower(strings.TrimSpace(model))] = rate
	}
	cfg.ModelRates = rates

	plans := make(map[string]PlanConfig, len(cfg.Plans))
	for name, plan := range cfg.Plans {
		plans[strings.ToLower(strings.TrimSpace(name))] = plan
	}
	cfg.Plans = plans
	cfg.FreePlan = strings.ToLower(strings.TrimSpace(cfg.FreePlan))
	cfg.Currency = strings.ToUpper(strings.TrimSpace(cfg.Currency))
	return cfg
}

func validatePricingConfig(cfg PricingConfig) error {
	if cfg.DefaultRatePer1K < 0 {
		return errors.New("pricing.defaultRatePer1k cannot be negative")
	}
	for model, rate := range cfg.ModelRates {
		if rate < 0 {
			return fmt.Errorf("pricing.modelRates.%s cannot be negative", model)
		}
	}
	if len(cfg.Plans) == 0 {
		return errors.New("pricing.plans cannot be empty")
	}
	free, ok := cfg.Plans[cfg.FreePlan]
	if !ok {
		return fmt.Errorf("pricing.freePlan %q is not a known plan", cfg.FreePlan)
	}
	if free.MaxSites <= 0 {
		return errors.New("free plan must allow at least one site")
	}
	for name, plan := range cfg.Plans {
		if plan.TokensLimit < 0 || plan.MaxSites <= 0 || plan.ListPrice < 0 {
			return fmt.Errorf("pricing.plans.%s is invalid", name)
		}
	}
	return nil
}
