package coremain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/appejv/querycache/mlog"
	"github.com/appejv/querycache/pkg/offline"
	"github.com/appejv/querycache/pkg/qkey"
)

type Config struct {
	Log     mlog.LogConfig `yaml:"log"`
	Include []string       `yaml:"include"`
	Cache   CacheConfig    `yaml:"cache"`
	Store   StoreConfig    `yaml:"store"`
	Network NetworkConfig  `yaml:"network"`
	Backend BackendConfig  `yaml:"backend"`
	API     APIConfig      `yaml:"api"`
	Queries []QueryConfig  `yaml:"queries"`
}

// CacheConfig holds the defaults of every query. Zero values select the
// built-in defaults of package query.
type CacheConfig struct {
	StaleTime     time.Duration `yaml:"stale_time"`
	GCTime        time.Duration `yaml:"gc_time"`
	GCInterval    time.Duration `yaml:"gc_interval"`
	RetryCount    int           `yaml:"retry_count"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	Timeout       time.Duration `yaml:"timeout"`
}

type StoreConfig struct {
	// Type is one of "memory", "disk", "redis" or "none".
	// Default is "memory".
	Type      string        `yaml:"type"`
	Namespace string        `yaml:"namespace"`
	IOTimeout time.Duration `yaml:"io_timeout"`

	// Size of the memory store.
	Size int `yaml:"size"`

	// Dir of the disk store.
	Dir string `yaml:"dir"`

	// Redis is a redis url, e.g. redis://localhost:6379/0.
	Redis        string        `yaml:"redis"`
	RedisTimeout time.Duration `yaml:"redis_timeout"`
	TTL          time.Duration `yaml:"ttl"`
}

// NetworkConfig selects the connectivity source. StateFile wins over
// Probe. With neither, the device is always online.
type NetworkConfig struct {
	StateFile     string        `yaml:"state_file"`
	Probe         string        `yaml:"probe"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`

	// RateLimit caps requests per second. Zero means unlimited.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

// QueryConfig is a named query preset. Its options override the cache
// defaults. Prefetch presets are read when the server starts.
type QueryConfig struct {
	Name       string        `yaml:"name"`
	Key        []string      `yaml:"key"`
	StaleTime  time.Duration `yaml:"stale_time"`
	GCTime     time.Duration `yaml:"gc_time"`
	RetryCount int           `yaml:"retry_count"`
	Enabled    *bool         `yaml:"enabled"`
	Timeout    time.Duration `yaml:"timeout"`
	Prefetch   bool          `yaml:"prefetch"`
}

// queryOptions merges the preset q, which may be nil, over the cache
// defaults.
func (c *Config) queryOptions(q *QueryConfig) offline.Options[json.RawMessage] {
	o := offline.Options[json.RawMessage]{
		StaleTime:     c.Cache.StaleTime,
		GCTime:        c.Cache.GCTime,
		RetryCount:    c.Cache.RetryCount,
		Timeout:       c.Cache.Timeout,
		RetryDelay:    c.Cache.RetryDelay,
		MaxRetryDelay: c.Cache.MaxRetryDelay,
	}
	if q == nil {
		return o
	}
	if q.StaleTime != 0 {
		o.StaleTime = q.StaleTime
	}
	if q.GCTime != 0 {
		o.GCTime = q.GCTime
	}
	if q.RetryCount != 0 {
		o.RetryCount = q.RetryCount
	}
	if q.Timeout != 0 {
		o.Timeout = q.Timeout
	}
	o.Enabled = q.Enabled
	return o
}

// validate checks the cache defaults and every preset merged over them.
func (c *Config) validate() error {
	if err := c.queryOptions(nil).Validate(); err != nil {
		return fmt.Errorf("invalid cache config, %w", err)
	}
	for i := range c.Queries {
		if err := c.queryOptions(&c.Queries[i]).Validate(); err != nil {
			return fmt.Errorf("invalid query %s, %w", c.Queries[i].Name, err)
		}
	}
	return nil
}

// findQuery returns the preset named name, or nil.
func (c *Config) findQuery(name string) *QueryConfig {
	for i := range c.Queries {
		if c.Queries[i].Name == name {
			return &c.Queries[i]
		}
	}
	return nil
}

// matchQuery returns the preset whose key is k, or nil.
func (c *Config) matchQuery(k qkey.Key) *QueryConfig {
	for i := range c.Queries {
		if qkey.Parse(c.Queries[i].Key...).Equal(k) {
			return &c.Queries[i]
		}
	}
	return nil
}
