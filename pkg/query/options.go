package query

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultStaleTime     = 5 * time.Minute
	DefaultGCTime        = 24 * time.Hour
	DefaultRetryCount    = 3
	DefaultRetryDelay    = time.Second
	DefaultMaxRetryDelay = 30 * time.Second
)

// Options control a single read. Zero values select the defaults.
type Options struct {
	// StaleTime is how long fetched data counts as fresh.
	// Default is 5m. Negative means always stale.
	StaleTime time.Duration `yaml:"stale_time"`

	// GCTime is how long an entry without subscribers survives in
	// memory after its last fetch. Default is 24h. Negative means
	// collect as soon as possible.
	GCTime time.Duration `yaml:"gc_time"`

	// RetryCount is the number of retries after a failed attempt.
	// Default is 3. Negative disables retries.
	RetryCount int `yaml:"retry_count"`

	// Enabled gates fetching. A nil Enabled means true. A disabled
	// read returns the entry as is and supersedes a fetch in flight.
	Enabled *bool `yaml:"enabled"`

	// Timeout bounds each fetch attempt. Zero means no timeout.
	// A timed out attempt is an ordinary failure.
	Timeout time.Duration `yaml:"timeout"`

	// RetryDelay is the base of the exponential backoff.
	// Default is 1s.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// MaxRetryDelay caps the backoff. Default is 30s.
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`

	// Online overrides Config.Connected for this read. Retries stop
	// as soon as it reports false.
	Online func() bool `yaml:"-"`
}

var ErrInvalidOptions = errors.New("invalid options")

// Validate rejects a negative Timeout, RetryDelay or MaxRetryDelay and a
// RetryDelay above MaxRetryDelay. Negative StaleTime, GCTime and
// RetryCount are valid and documented above.
func (o Options) Validate() error {
	switch {
	case o.Timeout < 0:
		return fmt.Errorf("%w: negative timeout %s", ErrInvalidOptions, o.Timeout)
	case o.RetryDelay < 0:
		return fmt.Errorf("%w: negative retry delay %s", ErrInvalidOptions, o.RetryDelay)
	case o.MaxRetryDelay < 0:
		return fmt.Errorf("%w: negative max retry delay %s", ErrInvalidOptions, o.MaxRetryDelay)
	case o.MaxRetryDelay > 0 && o.RetryDelay > o.MaxRetryDelay:
		return fmt.Errorf("%w: retry delay %s exceeds max retry delay %s", ErrInvalidOptions, o.RetryDelay, o.MaxRetryDelay)
	}
	return nil
}

// Bool returns a pointer to b, for Options.Enabled.
func Bool(b bool) *bool {
	return &b
}

func (o Options) withDefaults() Options {
	if o.StaleTime == 0 {
		o.StaleTime = DefaultStaleTime
	}
	if o.GCTime == 0 {
		o.GCTime = DefaultGCTime
	} else if o.GCTime < 0 {
		o.GCTime = 0
	}
	if o.RetryCount == 0 {
		o.RetryCount = DefaultRetryCount
	} else if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxRetryDelay == 0 {
		o.MaxRetryDelay = DefaultMaxRetryDelay
	}
	return o
}

func (o Options) enabled() bool {
	return o.Enabled == nil || *o.Enabled
}

// backoff returns the wait before retry n (0 based):
// min(RetryDelay * 2^n, MaxRetryDelay).
func (o Options) backoff(n int) time.Duration {
	d := o.RetryDelay
	for i := 0; i < n; i++ {
		if d >= o.MaxRetryDelay/2 {
			return o.MaxRetryDelay
		}
		d *= 2
	}
	if d > o.MaxRetryDelay {
		return o.MaxRetryDelay
	}
	return d
}
