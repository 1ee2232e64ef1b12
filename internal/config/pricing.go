package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Rate prices a single operation kind. Base is charged once per
// reservation; the scaling fields multiply against reservation params.
type Rate struct {
	Base         int64 `mapstructure:"base"`
	PerUnit      int64 `mapstructure:"perUnit"`
	PerSecond    int64 `mapstructure:"perSecond"`
	PerTextUnit  int64 `mapstructure:"perTextUnit"`
	TextUnitSize int   `mapstructure:"textUnitSize"`
}

// PricingConfig maps operation kinds to their rates.
type PricingConfig struct {
	Story     Rate `mapstructure:"story"`
	Image     Rate `mapstructure:"image"`
	Narration Rate `mapstructure:"narration"`
	Video     Rate `mapstructure:"video"`
	Polish    Rate `mapstructure:"polish"`
	Music     Rate `mapstructure:"music"`
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		Story:     Rate{Base: 10, PerTextUnit: 2, TextUnitSize: 1000},
		Image:     Rate{PerUnit: 3},
		Narration: Rate{Base: 1, PerTextUnit: 2, TextUnitSize: 500},
		Video:     Rate{Base: 5, PerSecond: 2},
		Polish:    Rate{Base: 2},
		Music:     Rate{Base: 8},
	}
}

// PricingHolder exposes the current pricing table and hot-reloads it
// when the underlying file changes.
type PricingHolder struct {
	current atomic.Value // holds PricingConfig
}

func NewPricingHolder() (*PricingHolder, error) {
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/loom-credits/config")
	v.AddConfigPath("/etc/loom-credits")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	holder := &PricingHolder{}
	cfg, err := unmarshalPricing(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		reloaded, err := unmarshalPricing(v)
		if err != nil {
			log.Printf("pricing config reload rejected: %v", err)
			return
		}
		holder.current.Store(reloaded)
	})

	return holder, nil
}

// Get returns the active pricing table.
func (h *PricingHolder) Get() PricingConfig {
	if h == nil {
		return DefaultPricingConfig()
	}
	cfg, ok := h.current.Load().(PricingConfig)
	if !ok {
		return DefaultPricingConfig()
	}
	return cfg
}

// NewStaticPricingHolder pins a fixed table; used in tests.
func NewStaticPricingHolder(cfg PricingConfig) *PricingHolder {
	holder := &PricingHolder{}
	holder.current.Store(cfg)
	return holder
}

func unmarshalPricing(v *viper.Viper) (PricingConfig, error) {
	cfg := DefaultPricingConfig()
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return PricingConfig{}, err
	}
	if err := validatePricing(cfg); err != nil {
		return PricingConfig{}, err
	}
	return cfg, nil
}

func validatePricing(cfg PricingConfig) error {
	for _, rate := range []Rate{cfg.Story, cfg.Image, cfg.Narration, cfg.Video, cfg.Polish, cfg.Music} {
		if rate.Base < 0 || rate.PerUnit < 0 || rate.PerSecond < 0 || rate.PerTextUnit < 0 {
			return errors.New("pricing rates must be non-negative")
		}
		if rate.PerTextUnit > 0 && rate.TextUnitSize <= 0 {
			return errors.New("textUnitSize must be positive when perTextUnit is set")
		}
	}
	return nil
}
