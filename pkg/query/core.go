// Package query is an in-memory query cache keyed by structural keys.
//
// Each key owns one entry that moves through idle, loading, success and
// error. Readers of the same key share one fetch in flight. Every fetch
// carries the generation of its entry; Reset and Refetch start a new
// generation so that an older fetch that settles late is ignored.
//
// A Core is created once by its owner and never reset implicitly.
package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/appejv/querycache/pkg/lru"
	"github.com/appejv/querycache/pkg/pool"
	"github.com/appejv/querycache/pkg/qkey"
	"github.com/appejv/querycache/pkg/safe_close"
)

var (
	ErrNilFetch       = errors.New("nil fetch function")
	ErrRetryAbandoned = errors.New("retry abandoned: connectivity lost")
	ErrClosed         = errors.New("query cache closed")
	ErrFetchPanic     = errors.New("fetch panicked")
)

var nopLogger = zap.NewNop()

// FetchFunc loads the value of one key. It must return soon after ctx
// is done. A timed out attempt is reported as failed at once, but the
// goroutine running fetch lives until fetch returns.
type FetchFunc func(ctx context.Context) (any, error)

type Config struct {
	// Now is the clock. Default is time.Now.
	Now func() time.Time

	// GCInterval is the period of the garbage collection sweep.
	// Default is 1m. Negative disables the sweeper; Collect can still
	// be called directly.
	GCInterval time.Duration

	// Connected reports device connectivity. Retries stop while it
	// returns false. Default is always connected.
	Connected func() bool

	// Registerer receives the cache metrics. Optional.
	Registerer prometheus.Registerer

	// A nil Logger disables logging.
	Logger *zap.Logger
}

type entry struct {
	key qkey.Key

	data        any
	hasData     bool
	err         error
	status      Status
	fetchedAt   time.Time
	updatedAt   time.Time
	invalidated bool

	gen  uint64
	call *call

	staleTime time.Duration
	gcTime    time.Duration
}

// call is one fetch in flight. done is closed when it settled or was
// superseded.
type call struct {
	gen  uint64
	done chan struct{}
}

type Core struct {
	cfg Config
	m   *metrics

	ctx    context.Context // cancelled by Close
	cancel context.CancelFunc
	sc     *safe_close.SafeClose

	mu      sync.Mutex
	entries *lru.LRU[string, *entry]
	subs    map[string]int // subscriptions by key, kept across Remove
}

func NewCore(cfg Config) *Core {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.GCInterval == 0 {
		cfg.GCInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		sc:      safe_close.NewSafeClose(),
		entries: lru.NewLRU[string, *entry](0, nil),
		subs:    make(map[string]int),
	}
	c.m = newMetrics(func() float64 { return float64(c.Len()) })
	if cfg.Registerer != nil {
		c.m.register(cfg.Registerer, cfg.Logger)
	}

	if cfg.GCInterval > 0 {
		c.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			c.startSweeper(cfg.GCInterval, closeSignal)
		})
	}
	return c
}

// Close stops the sweeper and waits for fetches in flight to settle.
// Reads after Close still serve cached data but never fetch.
func (c *Core) Close() error {
	c.cancel()
	c.sc.Done()
	c.sc.CloseWait()
	return nil
}

func (c *Core) startSweeper(interval time.Duration, closeSignal <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-closeSignal:
			return
		case <-ticker.C:
			if n := c.Collect(); n > 0 {
				c.cfg.Logger.Debug("evicted idle entries", zap.Int("n", n))
			}
		}
	}
}

func (c *Core) online(opts Options) bool {
	if opts.Online != nil {
		return opts.Online()
	}
	if c.cfg.Connected != nil {
		return c.cfg.Connected()
	}
	return true
}

// Read returns the entry of k, fetching it first if it is missing,
// stale or invalidated. It blocks until the data is fresh, the shared
// fetch settled, or ctx is done (then the returned state is loading).
// Failures are reported in the state, never by panicking.
func (c *Core) Read(ctx context.Context, k qkey.Key, fetch FetchFunc, opts Options) State {
	if err := k.Err(); err != nil {
		return State{Status: StatusError, Err: err}
	}
	if err := opts.Validate(); err != nil {
		return State{Status: StatusError, Err: err}
	}
	opts = opts.withDefaults()

	c.mu.Lock()
	e := c.lookupLocked(k, true)
	e.staleTime, e.gcTime = opts.StaleTime, opts.GCTime
	now := c.cfg.Now()

	if !opts.enabled() {
		if e.call != nil {
			c.supersedeLocked(e, now)
		}
		s := c.stateLocked(e)
		c.mu.Unlock()
		return s
	}
	if !c.staleLocked(e, now) {
		s := c.stateLocked(e)
		c.mu.Unlock()
		c.m.hits.Inc()
		return s
	}

	cl := e.call
	if cl == nil {
		if fetch == nil {
			s := c.stateLocked(e)
			c.mu.Unlock()
			s.Err = ErrNilFetch
			return s
		}
		cl = c.startLocked(e, fetch, opts, now)
	}
	c.mu.Unlock()
	c.m.misses.Inc()
	return c.wait(ctx, e, cl)
}

// Refetch starts a new generation for k and fetches it even if it is
// fresh. A fetch in flight is superseded. Data is kept until the new
// fetch settles.
func (c *Core) Refetch(ctx context.Context, k qkey.Key, fetch FetchFunc, opts Options) State {
	if err := k.Err(); err != nil {
		return State{Status: StatusError, Err: err}
	}
	if fetch == nil {
		return State{Status: StatusError, Err: ErrNilFetch}
	}
	if err := opts.Validate(); err != nil {
		return State{Status: StatusError, Err: err}
	}
	opts = opts.withDefaults()

	c.mu.Lock()
	e := c.lookupLocked(k, true)
	e.staleTime, e.gcTime = opts.StaleTime, opts.GCTime
	now := c.cfg.Now()
	if e.call != nil {
		c.supersedeLocked(e, now)
	}
	cl := c.startLocked(e, fetch, opts, now)
	c.mu.Unlock()
	return c.wait(ctx, e, cl)
}

// Invalidate marks k stale without dropping its data. The next read
// fetches. It never fetches by itself and is idempotent.
func (c *Core) Invalidate(k qkey.Key) {
	if k.Err() != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.lookupLocked(k, false); e != nil {
		e.invalidated = true
	}
}

// InvalidatePrefix invalidates every key starting with prefix and
// returns how many were marked.
func (c *Core) InvalidatePrefix(prefix qkey.Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	c.entries.Range(func(_ string, e *entry) bool {
		if e.key.HasPrefix(prefix) {
			e.invalidated = true
			n++
		}
		return true
	})
	return n
}

// Reset clears data, error and timestamps of k and supersedes a fetch
// in flight, so the next read is a cold read. Subscribers are kept.
func (c *Core) Reset(k qkey.Key) {
	if k.Err() != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookupLocked(k, false)
	if e == nil {
		return
	}
	if e.call != nil {
		c.supersedeLocked(e, c.cfg.Now())
	}
	e.gen++
	e.data, e.hasData, e.err = nil, false, nil
	e.status = StatusIdle
	e.fetchedAt = time.Time{}
	e.invalidated = false
	e.updatedAt = c.cfg.Now()
}

// Hydrate fills k with data fetched at fetchedAt, unless k already has
// data or a fetch in flight. It reports whether the entry was filled.
func (c *Core) Hydrate(k qkey.Key, data any, fetchedAt time.Time) bool {
	if k.Err() != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookupLocked(k, true)
	if e.hasData || e.call != nil {
		return false
	}
	e.data, e.hasData, e.err = data, true, nil
	e.status = StatusSuccess
	if fetchedAt.After(e.fetchedAt) {
		e.fetchedAt = fetchedAt
	}
	e.updatedAt = c.cfg.Now()
	return true
}

// Subscribe marks k as in use; it is not collected until every
// subscription is released. A subscription outlives Remove: the entry
// created by the next read of k is protected too. release is safe to
// call more than once.
func (c *Core) Subscribe(k qkey.Key) (release func()) {
	if k.Err() != nil {
		return func() {}
	}
	id := k.String()
	c.mu.Lock()
	c.lookupLocked(k, true)
	c.subs[id]++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.subs[id]--; c.subs[id] <= 0 {
				delete(c.subs, id)
			}
			c.mu.Unlock()
		})
	}
}

// Peek returns the state of k without fetching.
func (c *Core) Peek(k qkey.Key) (State, bool) {
	if k.Err() != nil {
		return State{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookupLocked(k, false)
	if e == nil {
		return State{}, false
	}
	return c.stateLocked(e), true
}

// Remove drops k from memory. A fetch in flight settles into nothing.
// Subscriptions of k are kept.
func (c *Core) Remove(k qkey.Key) {
	if k.Err() != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.lookupLocked(k, false); e != nil {
		if e.call != nil {
			c.supersedeLocked(e, c.cfg.Now())
		}
		c.entries.Del(k.String())
	}
}

// Keys returns the cached keys, least recently read first.
func (c *Core) Keys() []qkey.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]qkey.Key, 0, c.entries.Len())
	c.entries.Range(func(_ string, e *entry) bool {
		keys = append(keys, e.key)
		return true
	})
	return keys
}

func (c *Core) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Collect evicts every entry past its GC time that has no subscribers
// and no fetch in flight. It returns the number of evicted entries.
func (c *Core) Collect() int {
	c.mu.Lock()
	now := c.cfg.Now()
	n := c.entries.Clean(func(id string, e *entry) bool {
		return c.subs[id] <= 0 && e.call == nil && now.After(e.expiresAt())
	})
	c.mu.Unlock()
	c.m.evictions.Add(float64(n))
	return n
}

func (c *Core) lookupLocked(k qkey.Key, create bool) *entry {
	id := k.String()
	if e, ok := c.entries.Get(id); ok {
		return e
	}
	if !create {
		return nil
	}
	e := &entry{
		key:       k,
		status:    StatusIdle,
		updatedAt: c.cfg.Now(),
		staleTime: DefaultStaleTime,
		gcTime:    DefaultGCTime,
	}
	c.entries.Add(id, e)
	return e
}

func (e *entry) staleAt() time.Time {
	return e.fetchedAt.Add(e.staleTime)
}

func (e *entry) expiresAt() time.Time {
	base := e.fetchedAt
	if e.updatedAt.After(base) && !e.hasData {
		base = e.updatedAt
	}
	return base.Add(e.gcTime)
}

func (c *Core) staleLocked(e *entry, now time.Time) bool {
	return e.status != StatusSuccess || e.invalidated || now.After(e.staleAt())
}

func (c *Core) stateLocked(e *entry) State {
	return State{
		Data:        e.data,
		HasData:     e.hasData,
		Err:         e.err,
		Status:      e.status,
		FetchedAt:   e.fetchedAt,
		StaleAt:     e.staleAt(),
		ExpiresAt:   e.expiresAt(),
		Invalidated: e.invalidated,
		Fetching:    e.call != nil,
	}
}

// supersedeLocked abandons the fetch in flight of e. Its result will be
// dropped on arrival.
func (c *Core) supersedeLocked(e *entry, now time.Time) {
	close(e.call.done)
	e.call = nil
	e.gen++
	if e.status == StatusLoading {
		if e.hasData {
			e.status = StatusSuccess
		} else if e.err != nil {
			e.status = StatusError
		} else {
			e.status = StatusIdle
		}
		e.updatedAt = now
	}
}

func (c *Core) startLocked(e *entry, fetch FetchFunc, opts Options, now time.Time) *call {
	cl := &call{gen: e.gen, done: make(chan struct{})}
	e.call = cl
	e.status = StatusLoading
	e.updatedAt = now

	started := c.sc.Go(func(closeSignal <-chan struct{}) {
		c.run(e, cl, fetch, opts)
	})
	if !started {
		c.settleLocked(e, cl, nil, ErrClosed, now)
	}
	return cl
}

func (c *Core) wait(ctx context.Context, e *entry, cl *call) State {
	for {
		select {
		case <-cl.done:
		case <-ctx.Done():
			c.mu.Lock()
			s := c.stateLocked(e)
			c.mu.Unlock()
			return s
		}

		c.mu.Lock()
		if next := e.call; next != nil && next != cl {
			// Superseded; follow the newer generation.
			cl = next
			c.mu.Unlock()
			continue
		}
		s := c.stateLocked(e)
		c.mu.Unlock()
		return s
	}
}

func (c *Core) run(e *entry, cl *call, fetch FetchFunc, opts Options) {
	lg := c.cfg.Logger.With(zap.Stringer("key", e.key), zap.Uint64("gen", cl.gen))
	var (
		v   any
		err error
	)
	for attempt := 0; ; attempt++ {
		v, err = c.fetchOnce(fetch, opts.Timeout)
		if err == nil {
			break
		}
		if c.superseded(e, cl) || c.ctx.Err() != nil {
			break
		}
		if attempt >= opts.RetryCount {
			lg.Warn("fetch failed", zap.Int("attempts", attempt+1), zap.Error(err))
			break
		}
		if !c.online(opts) {
			lg.Info("connectivity lost, retry abandoned", zap.Error(err))
			err = fmt.Errorf("%w: %v", ErrRetryAbandoned, err)
			break
		}

		delay := opts.backoff(attempt)
		lg.Debug("fetch failed, retrying", zap.Int("attempt", attempt+1), zap.Duration("backoff", delay), zap.Error(err))
		if pool.Sleep(c.ctx, delay) != nil {
			err = ErrClosed
			break
		}
		if c.superseded(e, cl) {
			break
		}
		if !c.online(opts) {
			lg.Info("connectivity lost, retry abandoned", zap.Error(err))
			err = fmt.Errorf("%w: %v", ErrRetryAbandoned, err)
			break
		}
		c.m.retries.Inc()
	}

	c.mu.Lock()
	c.settleLocked(e, cl, v, err, c.cfg.Now())
	c.mu.Unlock()
}

func (c *Core) superseded(e *entry, cl *call) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return e.call != cl
}

// settleLocked applies the outcome of cl to e if cl is still current.
func (c *Core) settleLocked(e *entry, cl *call, v any, err error, now time.Time) {
	if e.call != cl || e.gen != cl.gen {
		if e.call == cl {
			e.call = nil
			close(cl.done)
		}
		c.m.fetches.WithLabelValues("superseded").Inc()
		c.cfg.Logger.Debug("dropping superseded fetch result", zap.Stringer("key", e.key), zap.Uint64("gen", cl.gen))
		return
	}
	e.call = nil
	defer close(cl.done)
	e.updatedAt = now

	switch {
	case err == nil:
		e.data, e.hasData, e.err = v, true, nil
		e.status = StatusSuccess
		if now.After(e.fetchedAt) {
			e.fetchedAt = now
		}
		e.invalidated = false
		c.m.fetches.WithLabelValues("success").Inc()
	case errors.Is(err, ErrRetryAbandoned) && e.hasData:
		// Keep serving what we have; the next online read refetches.
		e.status = StatusSuccess
		e.invalidated = true
		c.m.fetches.WithLabelValues("abandoned").Inc()
	default:
		e.err = err
		e.status = StatusError
		c.m.fetches.WithLabelValues("error").Inc()
	}
}

func (c *Core) fetchOnce(fetch FetchFunc, timeout time.Duration) (v any, err error) {
	ctx := c.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("%w: %v", ErrFetchPanic, r)}
			}
		}()
		v, err := fetch(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch: %w", ctx.Err())
	}
}
