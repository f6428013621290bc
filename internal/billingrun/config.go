package billingrun

import "time"

// Config controls run fan-out and retry behavior.
type Config struct {
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:    4,
		MaxRetries: 2,
		RetryDelay: 200 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	return c
}
