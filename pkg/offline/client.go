// Package offline puts a query.Core, a connectivity monitor and a
// persistent store behind one read/refresh contract.
//
// While online, reads go through the core and every successful fetch is
// mirrored to the store. While offline, nothing is fetched: reads serve
// memory, then the store, then the caller's default. When connectivity
// comes back every watched key is invalidated and refetched once.
package offline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/appejv/querycache/pkg/qkey"
	"github.com/appejv/querycache/pkg/query"
	"github.com/appejv/querycache/pkg/safe_close"
)

var (
	// ErrNoOfflineData is reported by a read made offline when neither
	// memory, the store nor the query default has data.
	ErrNoOfflineData = errors.New("no data available offline")

	ErrTypeMismatch = errors.New("cached data has an unexpected type")
)

var nopLogger = zap.NewNop()

// Connectivity is implemented by *netmon.Monitor.
type Connectivity interface {
	Connected() bool
	Subscribe(fn func(connected bool)) (unsubscribe func())
}

// Persister is implemented by *store.Store.
type Persister interface {
	Save(ctx context.Context, k qkey.Key, v any, fetchedAt time.Time)
	Load(ctx context.Context, k qkey.Key, out any) (fetchedAt time.Time, ok bool)
	Remove(ctx context.Context, k qkey.Key)
}

type ClientOpts struct {
	// Net is the connectivity source. Nil means always online.
	Net Connectivity

	// Store persists fetched data. Nil disables persistence.
	Store Persister

	// Now stamps persisted records. Default is time.Now.
	Now func() time.Time

	// PersistTimeout bounds each background store write.
	// Default is 5s.
	PersistTimeout time.Duration

	// PrefetchConcurrency limits Client.Prefetch. Default is 4.
	PrefetchConcurrency int

	// A nil Logger disables logging.
	Logger *zap.Logger
}

func (opts *ClientOpts) init() {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if opts.PrefetchConcurrency <= 0 {
		opts.PrefetchConcurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// Client is shared by every Query of an app.
type Client struct {
	core *query.Core
	opts ClientOpts

	ctx    context.Context // cancelled by Close
	cancel context.CancelFunc
	sc     *safe_close.SafeClose

	hydrateSF singleflight.Group

	mu          sync.Mutex
	watched     map[string]*watch
	nextWatchID uint64
	fetchTags   map[string]uint64
	unsubscribe func()

	// saveMu orders store writes; persisted holds the newest tag written
	// per key so that an older fetch never overwrites a newer one.
	saveMu    sync.Mutex
	persisted map[string]uint64
}

type watch struct {
	key qkey.Key
	// revalidate funcs by watcher id; one is enough to refetch the key.
	revalidate map[uint64]func(ctx context.Context)
}

func New(core *query.Core, opts ClientOpts) *Client {
	opts.init()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		core:      core,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		sc:        safe_close.NewSafeClose(),
		watched:   make(map[string]*watch),
		fetchTags: make(map[string]uint64),
		persisted: make(map[string]uint64),
	}
	if opts.Net != nil {
		c.unsubscribe = opts.Net.Subscribe(c.onConnectivity)
	}
	return c
}

// Core returns the underlying query cache.
func (c *Client) Core() *query.Core {
	return c.core
}

// Online reports the current connectivity.
func (c *Client) Online() bool {
	return c.opts.Net == nil || c.opts.Net.Connected()
}

// Close stops reacting to connectivity changes and waits for pending
// refetches and store writes. It does not close the core.
func (c *Client) Close() error {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.cancel()
	c.sc.Done()
	c.sc.CloseWait()
	return nil
}

func (c *Client) onConnectivity(connected bool) {
	if !connected {
		return
	}

	c.mu.Lock()
	type job struct {
		key qkey.Key
		fn  func(context.Context)
	}
	jobs := make([]job, 0, len(c.watched))
	for _, w := range c.watched {
		for _, fn := range w.revalidate {
			jobs = append(jobs, job{key: w.key, fn: fn})
			break
		}
	}
	c.mu.Unlock()

	c.opts.Logger.Info("back online, refetching watched queries", zap.Int("queries", len(jobs)))
	for _, j := range jobs {
		c.core.Invalidate(j.key)
	}
	for _, j := range jobs {
		fn := j.fn
		c.sc.Go(func(<-chan struct{}) {
			fn(c.ctx)
		})
	}
}

func (c *Client) watch(k qkey.Key, revalidate func(context.Context)) (unwatch func()) {
	id := k.String()
	c.mu.Lock()
	w := c.watched[id]
	if w == nil {
		w = &watch{key: k, revalidate: make(map[uint64]func(context.Context))}
		c.watched[id] = w
	}
	wid := c.nextWatchID
	c.nextWatchID++
	w.revalidate[wid] = revalidate
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(w.revalidate, wid)
			if len(w.revalidate) == 0 && c.watched[id] == w {
				delete(c.watched, id)
			}
		})
	}
}

// Watched returns the keys of all open queries.
func (c *Client) Watched() []qkey.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]qkey.Key, 0, len(c.watched))
	for _, w := range c.watched {
		keys = append(keys, w.key)
	}
	return keys
}

func (c *Client) nextFetchTag(k qkey.Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := k.String()
	c.fetchTags[id]++
	return c.fetchTags[id]
}

// persist writes v in the background unless a fetch started later has
// already been written.
func (c *Client) persist(k qkey.Key, tag uint64, v any) {
	if c.opts.Store == nil {
		return
	}
	fetchedAt := c.opts.Now()
	c.sc.Go(func(<-chan struct{}) {
		id := k.String()
		c.saveMu.Lock()
		defer c.saveMu.Unlock()
		if tag <= c.persisted[id] {
			return
		}
		c.persisted[id] = tag
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.PersistTimeout)
		defer cancel()
		c.opts.Store.Save(ctx, k, v, fetchedAt)
	})
}

// load reads the persisted value of k into out.
func (c *Client) load(ctx context.Context, k qkey.Key, out any) (time.Time, bool) {
	if c.opts.Store == nil {
		return time.Time{}, false
	}
	return c.opts.Store.Load(ctx, k, out)
}

// hydrate fills the core entry of k from the store once, sharing the
// store read between concurrent callers.
func (c *Client) hydrate(ctx context.Context, k qkey.Key, load func(ctx context.Context) (any, time.Time, bool)) {
	if c.opts.Store == nil {
		return
	}
	if s, ok := c.core.Peek(k); ok && (s.HasData || s.Fetching) {
		return
	}
	c.hydrateSF.Do(k.String(), func() (any, error) {
		if v, at, ok := load(ctx); ok {
			if c.core.Hydrate(k, v, at) {
				c.opts.Logger.Debug("hydrated from store", zap.Stringer("key", k))
			}
		}
		return nil, nil
	})
}

// Bust drops k from memory and from the store.
func (c *Client) Bust(ctx context.Context, k qkey.Key) {
	c.core.Remove(k)
	if c.opts.Store == nil {
		return
	}
	id := k.String()
	c.mu.Lock()
	tag := c.fetchTags[id]
	c.mu.Unlock()

	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	// Writes of fetches started before the bust are dropped.
	if tag > c.persisted[id] {
		c.persisted[id] = tag
	}
	c.opts.Store.Remove(ctx, k)
}

// Prefetcher is implemented by *Query.
type Prefetcher interface {
	Prefetch(ctx context.Context) error
}

// Prefetch reads all queries concurrently and returns the first error.
func (c *Client) Prefetch(ctx context.Context, queries ...Prefetcher) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.PrefetchConcurrency)
	for _, q := range queries {
		q := q
		g.Go(func() error {
			return q.Prefetch(ctx)
		})
	}
	return g.Wait()
}
