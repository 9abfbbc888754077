package coremain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/appejv/querycache/mlog"
	"github.com/appejv/querycache/pkg/netmon"
	"github.com/appejv/querycache/pkg/offline"
	"github.com/appejv/querycache/pkg/qkey"
	"github.com/appejv/querycache/pkg/query"
	"github.com/appejv/querycache/pkg/safe_close"
	"github.com/appejv/querycache/pkg/store"
	"github.com/appejv/querycache/pkg/store/disk_store"
	"github.com/appejv/querycache/pkg/store/mem_store"
	"github.com/appejv/querycache/pkg/store/redis_store"
)

type App struct {
	cfg    *Config
	logger *zap.Logger

	monitor *netmon.Monitor
	store   *store.Store // nil if persistence is off
	core    *query.Core
	client  *offline.Client
	fetcher *HTTPFetcher

	// Preset queries stay open for the life of the app.
	mu      sync.Mutex
	presets map[string]*offline.Query[json.RawMessage]

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	sc        *safe_close.SafeClose
	closeOnce sync.Once
}

// NewApp builds every component from cfg. The logger is mlog.L() if
// lg is nil.
func NewApp(cfg *Config, lg *zap.Logger) (*App, error) {
	if lg == nil {
		lg = mlog.L()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	a := &App{
		cfg:        cfg,
		logger:     lg,
		presets:    make(map[string]*offline.Query[json.RawMessage]),
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}

	fetcher, err := NewHTTPFetcher(cfg.Backend, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init backend fetcher, %w", err)
	}
	a.fetcher = fetcher

	st, err := newStore(cfg.Store, lg.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("failed to init store, %w", err)
	}
	a.store = st

	a.monitor = netmon.NewMonitor(netmon.MonitorOpts{
		Platform:   newPlatform(cfg.Network, lg.Named("netmon")),
		Registerer: a.metricsReg,
		Logger:     lg.Named("netmon"),
	})
	a.core = query.NewCore(query.Config{
		GCInterval: cfg.Cache.GCInterval,
		Connected:  a.monitor.Connected,
		Registerer: a.metricsReg,
		Logger:     lg.Named("query"),
	})

	clientOpts := offline.ClientOpts{
		Net:    a.monitor,
		Logger: lg.Named("offline"),
	}
	if st != nil {
		clientOpts.Store = st
	}
	a.client = offline.New(a.core, clientOpts)

	for _, qc := range cfg.Queries {
		if len(qc.Name) == 0 {
			continue
		}
		if _, dup := a.presets[qc.Name]; dup {
			a.Close()
			return nil, fmt.Errorf("duplicated query name %s", qc.Name)
		}
		k := qkey.Parse(qc.Key...)
		if err := k.Err(); err != nil || k.Len() == 0 {
			a.Close()
			return nil, fmt.Errorf("invalid key of query %s", qc.Name)
		}
		a.presets[qc.Name] = a.newQuery(k)
	}

	a.registerAPI()
	return a, nil
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

func newStore(cfg StoreConfig, lg *zap.Logger) (*store.Store, error) {
	var backend store.Backend
	switch cfg.Type {
	case "", "memory":
		size := cfg.Size
		if size <= 0 {
			size = 1024
		}
		backend = mem_store.NewMemStore(size)
	case "disk":
		if len(cfg.Dir) == 0 {
			return nil, errors.New("disk store needs a dir")
		}
		ds, err := disk_store.NewDiskStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		backend = ds
	case "redis":
		opt, err := redis.ParseURL(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url, %w", err)
		}
		c := redis.NewClient(opt)
		rs, err := redis_store.NewRedisStore(redis_store.RedisStoreOpts{
			Client:        c,
			ClientCloser:  c,
			ClientTimeout: cfg.RedisTimeout,
			TTL:           cfg.TTL,
			Logger:        lg,
		})
		if err != nil {
			c.Close()
			return nil, err
		}
		backend = rs
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown store type %s", cfg.Type)
	}

	return store.New(store.Opts{
		Backend:   backend,
		Namespace: cfg.Namespace,
		IOTimeout: cfg.IOTimeout,
		Logger:    lg,
	})
}

func newPlatform(cfg NetworkConfig, lg *zap.Logger) netmon.Platform {
	switch {
	case len(cfg.StateFile) > 0:
		return &netmon.FileSource{Path: cfg.StateFile, Logger: lg}
	case len(cfg.Probe) > 0:
		return &netmon.Prober{
			Addr:        cfg.Probe,
			Interval:    cfg.ProbeInterval,
			DialTimeout: cfg.DialTimeout,
			Logger:      lg,
		}
	default:
		return netmon.NewStatic(true)
	}
}

func (a *App) newQuery(k qkey.Key) *offline.Query[json.RawMessage] {
	return offline.NewQuery(a.client, k, a.fetcher.Fetch(k), a.cfg.queryOptions(a.cfg.matchQuery(k)))
}

// withQuery runs f on the preset of k if there is one, otherwise on a
// query that is closed afterwards.
func (a *App) withQuery(k qkey.Key, f func(q *offline.Query[json.RawMessage])) {
	a.mu.Lock()
	var q *offline.Query[json.RawMessage]
	for _, p := range a.presets {
		if p.Key().Equal(k) {
			q = p
			break
		}
	}
	a.mu.Unlock()

	if q == nil {
		q = a.newQuery(k)
		defer q.Close()
	}
	f(q)
}

func (a *App) Read(ctx context.Context, k qkey.Key) (r offline.Result[json.RawMessage]) {
	a.withQuery(k, func(q *offline.Query[json.RawMessage]) { r = q.Read(ctx) })
	return r
}

func (a *App) Refresh(ctx context.Context, k qkey.Key) (r offline.Result[json.RawMessage]) {
	a.withQuery(k, func(q *offline.Query[json.RawMessage]) { r = q.Refresh(ctx) })
	return r
}

// ReadPreset reads the query named name.
func (a *App) ReadPreset(ctx context.Context, name string) (offline.Result[json.RawMessage], error) {
	a.mu.Lock()
	q := a.presets[name]
	a.mu.Unlock()
	if q == nil {
		return offline.Result[json.RawMessage]{}, fmt.Errorf("unknown query %s", name)
	}
	return q.Read(ctx), nil
}

// Bust drops k from memory and from the store.
func (a *App) Bust(ctx context.Context, k qkey.Key) {
	a.client.Bust(ctx, k)
}

// Prefetch reads every preset marked prefetch.
func (a *App) Prefetch(ctx context.Context) error {
	var qs []offline.Prefetcher
	a.mu.Lock()
	for _, qc := range a.cfg.Queries {
		if q := a.presets[qc.Name]; q != nil && qc.Prefetch {
			qs = append(qs, q)
		}
	}
	a.mu.Unlock()
	if len(qs) == 0 {
		return nil
	}
	a.logger.Info("prefetching queries", zap.Int("queries", len(qs)))
	return a.client.Prefetch(ctx, qs...)
}

// Purge removes every persisted record of the namespace.
func (a *App) Purge(ctx context.Context) (int, error) {
	if a.store == nil {
		return 0, errors.New("persistence is disabled")
	}
	return a.store.Purge(ctx)
}

func (a *App) GetMetricsReg() prometheus.Registerer {
	return a.metricsReg
}

func (a *App) GetHTTPAPIMux() *http.ServeMux {
	return a.httpAPIMux
}

func (a *App) GetSafeClose() *safe_close.SafeClose {
	return a.sc
}

func (a *App) registerAPI() {
	a.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(a.metricsReg, promhttp.HandlerOpts{}))
	a.httpAPIMux.HandleFunc("GET /query/", a.handleQuery)
	a.httpAPIMux.HandleFunc("POST /refresh/", a.handleRefresh)
	a.httpAPIMux.HandleFunc("DELETE /store/", a.handleBust)
	a.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	a.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	a.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	a.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	a.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// Serve starts the api http server, if configured, and blocks until
// ctx is done or the server fails.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Prefetch(ctx); err != nil {
		a.logger.Warn("prefetch failed", zap.Error(err))
	}

	if httpAddr := a.cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: a.httpAPIMux,
		}
		a.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				a.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				a.sc.SendCloseSignal(err)
			case <-closeSignal:
				httpServer.Close()
			}
		})
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case <-a.sc.ReceiveCloseSignal():
	}
	a.Close()
	return a.sc.Err()
}

// Close stops the api server and releases every component. It is safe
// to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(a.close)
	return nil
}

func (a *App) close() {
	a.sc.SendCloseSignal(nil)
	a.sc.Done()
	a.sc.CloseWait()

	a.mu.Lock()
	for name, q := range a.presets {
		q.Close()
		delete(a.presets, name)
	}
	a.mu.Unlock()

	a.client.Close()
	a.core.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", zap.Error(err))
		}
	}
}
