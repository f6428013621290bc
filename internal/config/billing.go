package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig carries the runtime-tunable billing settings: tax rates per
// jurisdiction and batch-run behavior. Rates are decimal strings so no value
// ever passes through binary floating point.
type BillingConfig struct {
	DefaultJurisdiction string            `mapstructure:"defaultJurisdiction"`
	TaxRates            map[string]string `mapstructure:"taxRates"`
	Run                 RunConfig         `mapstructure:"run"`
}

type RunConfig struct {
	Workers    int `mapstructure:"workers"`
	MaxRetries int `mapstructure:"maxRetries"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		DefaultJurisdiction: "none",
		TaxRates: map[string]string{
			"none": "0",
		},
		Run: RunConfig{
			Workers:    4,
			MaxRetries: 3,
		},
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/billingcore/config")
	v.AddConfigPath("/etc/billingcore")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BILLINGCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultBillingConfig()
		v.SetDefault("billing.defaultJurisdiction", defaults.DefaultJurisdiction)
		v.SetDefault("billing.taxRates", defaults.TaxRates)
		v.SetDefault("billing.run", defaults.Run)
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if strings.TrimSpace(cfg.DefaultJurisdiction) == "" {
		return errors.New("billing.defaultJurisdiction cannot be empty")
	}
	if len(cfg.TaxRates) == 0 {
		return errors.New("billing.taxRates cannot be empty")
	}
	if cfg.Run.Workers < 0 || cfg.Run.MaxRetries < 0 {
		return errors.New("billing.run values cannot be negative")
	}
	return nil
}
