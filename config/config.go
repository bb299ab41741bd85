package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flatmates/flat-sync/app"
	"github.com/flatmates/flat-sync/app/logger"
)

const CName = "config"

func NewFromFile(path string) (c *Config, err error) {
	c = &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	c.setDefaults()
	return
}

// Default returns a config suitable for tests and embedded use.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

type Config struct {
	Logger    logger.Config `yaml:"logger"`
	Storage   Storage       `yaml:"storage"`
	Sync      Sync          `yaml:"sync"`
	Authority Authority     `yaml:"authority"`
	Metric    Metric        `yaml:"metric"`
}

type Storage struct {
	// Path of the any-store database file
	Path string `yaml:"path"`
}

type Sync struct {
	// PeriodicIntervalSec is the base cadence of automatic sessions
	PeriodicIntervalSec int `yaml:"periodicIntervalSec"`
	// FlexSec widens the cadence by a random jitter in [-flex, +flex]
	FlexSec int `yaml:"flexSec"`
	// TimeoutSec bounds one reconciliation session
	TimeoutSec int `yaml:"timeoutSec"`
	// MaxRetries is the per-entry retry ceiling, entries above it are
	// excluded from automatic batches
	MaxRetries int `yaml:"maxRetries"`
	// BatchLimit caps the queue entries gathered into one session
	BatchLimit int `yaml:"batchLimit"`
	// BackoffMinSec/BackoffMaxSec bound the exponential backoff after a
	// failed session
	BackoffMinSec int `yaml:"backoffMinSec"`
	BackoffMaxSec int `yaml:"backoffMaxSec"`
}

type Authority struct {
	BaseURL    string `yaml:"baseUrl"`
	TimeoutSec int    `yaml:"timeoutSec"`
}

type Metric struct {
	// Addr of the /metrics listener, empty disables it
	Addr string `yaml:"addr"`
}

func (c *Config) setDefaults() {
	if c.Sync.PeriodicIntervalSec <= 0 {
		c.Sync.PeriodicIntervalSec = 15 * 60
	}
	if c.Sync.FlexSec < 0 {
		c.Sync.FlexSec = 0
	}
	if c.Sync.FlexSec == 0 {
		c.Sync.FlexSec = 5 * 60
	}
	if c.Sync.TimeoutSec <= 0 {
		c.Sync.TimeoutSec = 60
	}
	if c.Sync.MaxRetries <= 0 {
		c.Sync.MaxRetries = 3
	}
	if c.Sync.BatchLimit <= 0 {
		c.Sync.BatchLimit = 500
	}
	if c.Sync.BackoffMinSec <= 0 {
		c.Sync.BackoffMinSec = 10
	}
	if c.Sync.BackoffMaxSec <= 0 {
		c.Sync.BackoffMaxSec = 10 * 60
	}
	if c.Authority.TimeoutSec <= 0 {
		c.Authority.TimeoutSec = 30
	}
}

func (c *Config) Init(a *app.App) (err error) {
	return
}

func (c *Config) Name() (name string) {
	return CName
}

func (c *Config) GetLogger() logger.Config {
	return c.Logger
}

func (c *Config) GetStorage() Storage {
	return c.Storage
}

func (c *Config) GetSync() Sync {
	return c.Sync
}

func (c *Config) GetAuthority() Authority {
	return c.Authority
}

func (c *Config) GetMetric() Metric {
	return c.Metric
}

func (s Sync) PeriodicInterval() time.Duration {
	return time.Duration(s.PeriodicIntervalSec) * time.Second
}

func (s Sync) Flex() time.Duration {
	return time.Duration(s.FlexSec) * time.Second
}

func (s Sync) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

func (s Sync) BackoffMin() time.Duration {
	return time.Duration(s.BackoffMinSec) * time.Second
}

func (s Sync) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxSec) * time.Second
}

func (a Authority) Timeout() time.Duration {
	return time.Duration(a.TimeoutSec) * time.Second
}
