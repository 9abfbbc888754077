package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/appejv/querycache/pkg/qkey"
	"github.com/appejv/querycache/pkg/query"
)

// FetchFunc loads the value of one query, typically one REST call. It
// must return soon after ctx is done; see query.FetchFunc.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Options of one query. Zero values select the query.Core defaults.
type Options[T any] struct {
	StaleTime  time.Duration `yaml:"stale_time"`
	GCTime     time.Duration `yaml:"gc_time"`
	RetryCount int           `yaml:"retry_count"`
	Enabled    *bool         `yaml:"enabled"`
	Timeout    time.Duration `yaml:"timeout"`

	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`

	// OfflineData is served offline when nothing is cached.
	OfflineData *T `yaml:"-"`
}

// Result is what a screen renders.
type Result[T any] struct {
	Data    T
	HasData bool
	Err     error
	Status  query.Status

	FetchedAt time.Time

	IsOffline bool

	// IsLoading is true while a fetch runs and there is nothing to show.
	IsLoading bool

	// IsRefreshing is true during Refresh. The previous data is still
	// reported and IsLoading stays false.
	IsRefreshing bool

	// FromStore is true when Data was read from the persistent store
	// by this call, because the fetch failed or the device is offline.
	FromStore bool
}

// Query is a handle on one key, the Go counterpart of a screen's data
// hook. It keeps the key alive in memory and in the reconnect set until
// Close.
type Query[T any] struct {
	c     *Client
	key   qkey.Key
	fetch FetchFunc[T]
	opts  Options[T]

	release func()
	unwatch func()

	hydrateOnce sync.Once
	refreshing  atomic.Int32

	mu   sync.Mutex
	last Result[T] // last result that had data
}

func NewQuery[T any](c *Client, key qkey.Key, fetch FetchFunc[T], opts Options[T]) *Query[T] {
	q := &Query[T]{
		c:     c,
		key:   key,
		fetch: fetch,
		opts:  opts,
	}
	q.release = c.core.Subscribe(key)
	if key.Err() == nil {
		q.unwatch = c.watch(key, func(ctx context.Context) { q.Read(ctx) })
	} else {
		q.unwatch = func() {}
	}
	return q
}

func (q *Query[T]) Key() qkey.Key {
	return q.key
}

// Close releases the key. It is safe to call more than once.
func (q *Query[T]) Close() {
	q.unwatch()
	q.release()
}

// Validate reports options that every read would reject.
func (o Options[T]) Validate() error {
	return o.core().Validate()
}

func (o Options[T]) core() query.Options {
	return query.Options{
		StaleTime:  o.StaleTime,
		GCTime:     o.GCTime,
		RetryCount: o.RetryCount,
		Enabled:    o.Enabled,
		Timeout:    o.Timeout,

		RetryDelay:    o.RetryDelay,
		MaxRetryDelay: o.MaxRetryDelay,
	}
}

func (q *Query[T]) coreOptions(online bool) query.Options {
	o := q.opts.core()
	o.Online = q.c.Online
	if !online {
		o.Enabled = query.Bool(false)
	}
	return o
}

func (q *Query[T]) coreFetch() query.FetchFunc {
	if q.fetch == nil {
		return nil
	}
	return func(ctx context.Context) (any, error) {
		tag := q.c.nextFetchTag(q.key)
		v, err := q.fetch(ctx)
		if err != nil {
			return nil, err
		}
		q.c.persist(q.key, tag, v)
		return v, nil
	}
}

func (q *Query[T]) loadStored(ctx context.Context) (any, time.Time, bool) {
	var v T
	at, ok := q.c.load(ctx, q.key, &v)
	if !ok {
		return nil, time.Time{}, false
	}
	return v, at, true
}

// Read returns the data of the query, fetching it if needed and if the
// device is online. All failures are reported in the Result.
func (q *Query[T]) Read(ctx context.Context) Result[T] {
	q.hydrateOnce.Do(func() {
		if q.key.Err() == nil {
			q.c.hydrate(ctx, q.key, q.loadStored)
		}
	})
	return q.read(ctx)
}

func (q *Query[T]) read(ctx context.Context) Result[T] {
	online := q.c.Online()
	s := q.c.core.Read(ctx, q.key, q.coreFetch(), q.coreOptions(online))
	r := q.fromState(s, !online)

	if !r.HasData && (!online || s.Status == query.StatusError || errors.Is(r.Err, ErrTypeMismatch)) {
		if v, at, ok := q.loadStored(ctx); ok {
			r.Data, r.HasData, r.FromStore = v.(T), true, true
			r.FetchedAt = at
			q.c.core.Hydrate(q.key, v, at)
		}
	}
	if !online && !r.HasData {
		if q.opts.OfflineData != nil {
			r.Data, r.HasData = *q.opts.OfflineData, true
		} else if r.Err == nil {
			r.Err = ErrNoOfflineData
		}
	}

	if r.HasData {
		q.mu.Lock()
		q.last = r
		q.mu.Unlock()
	}
	return r
}

func (q *Query[T]) fromState(s query.State, offline bool) Result[T] {
	r := Result[T]{
		Err:       s.Err,
		Status:    s.Status,
		FetchedAt: s.FetchedAt,
		IsOffline: offline,
	}
	if s.HasData {
		v, ok := s.Data.(T)
		if !ok {
			r.Err = fmt.Errorf("%w: %T", ErrTypeMismatch, s.Data)
		} else {
			r.Data, r.HasData = v, true
		}
	}
	r.IsLoading = s.Fetching && !r.HasData
	return r
}

// Refresh refetches from scratch: the entry is reset first, so a fetch
// already in flight is never reused. While it runs, State reports the
// previous data with IsRefreshing set. Offline, Refresh is a Read.
func (q *Query[T]) Refresh(ctx context.Context) Result[T] {
	if !q.c.Online() {
		return q.Read(ctx)
	}
	q.hydrateOnce.Do(func() {})

	q.refreshing.Add(1)
	defer q.refreshing.Add(-1)
	q.c.core.Reset(q.key)
	return q.read(ctx)
}

// Invalidate marks the query stale; the next Read refetches.
func (q *Query[T]) Invalidate() {
	q.c.core.Invalidate(q.key)
}

// Prefetch reads the query and returns its error, if any.
func (q *Query[T]) Prefetch(ctx context.Context) error {
	r := q.Read(ctx)
	if r.Err != nil && !r.HasData {
		return fmt.Errorf("prefetch %s: %w", q.key, r.Err)
	}
	return nil
}

// State returns the current result without fetching or reading the
// store.
func (q *Query[T]) State() Result[T] {
	s, _ := q.c.core.Peek(q.key)
	r := q.fromState(s, !q.c.Online())
	if q.refreshing.Load() == 0 {
		return r
	}

	r.IsRefreshing = true
	r.IsLoading = false
	if !r.HasData {
		q.mu.Lock()
		last := q.last
		q.mu.Unlock()
		if last.HasData {
			r.Data, r.HasData, r.FetchedAt = last.Data, true, last.FetchedAt
		}
	}
	return r
}
