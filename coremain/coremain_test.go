package coremain

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/appejv/querycache/mlog"
	"github.com/appejv/querycache/pkg/qkey"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	sub := writeFile(t, dir, "sub.yaml", `
queries:
  - name: sector7
    key: [sector, 7]
    stale_time: 10s
`)
	cfgFile := writeFile(t, dir, "config.yaml", `
log:
  level: error
include:
  - `+sub+`
cache:
  stale_time: 1m
  retry_count: 2
store:
  type: disk
  dir: `+filepath.Join(dir, "records")+`
backend:
  base_url: http://127.0.0.1:1
  timeout: 3s
queries:
  - name: sectors
    key: [sectors]
    prefetch: true
`)

	cfg, used, err := loadConfig(cfgFile)
	require.NoError(t, err)
	assert.Equal(t, cfgFile, used)
	require.NoError(t, mergeInclude(cfg, 0, []string{used}))

	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, time.Minute, cfg.Cache.StaleTime)
	assert.Equal(t, 2, cfg.Cache.RetryCount)
	assert.Equal(t, 3*time.Second, cfg.Backend.Timeout)
	require.Len(t, cfg.Queries, 2)
	assert.Equal(t, "sector7", cfg.Queries[0].Name)
	assert.Equal(t, []string{"sector", "7"}, cfg.Queries[0].Key)
	assert.True(t, cfg.Queries[1].Prefetch)

	qc := cfg.matchQuery(qkey.New("sector", 7))
	require.NotNil(t, qc)
	o := cfg.queryOptions(qc)
	assert.Equal(t, 10*time.Second, o.StaleTime)
	assert.Equal(t, 2, o.RetryCount)
	assert.Equal(t, time.Minute, cfg.queryOptions(nil).StaleTime)
	assert.Nil(t, cfg.findQuery("nope"))
}

func TestLoadConfig_UnknownKey(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", `
cache:
  stale_tme: 1m
`)
	_, _, err := loadConfig(p)
	assert.Error(t, err)
}

func TestMergeInclude_Depth(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "loop.yaml")
	writeFile(t, dir, "loop.yaml", "include:\n  - "+p+"\n")
	cfg, used, err := loadConfig(p)
	require.NoError(t, err)
	assert.ErrorContains(t, mergeInclude(cfg, 0, []string{used}), "maximum include depth")
}

type backend struct {
	srv  *httptest.Server
	hits atomic.Int32
}

func newBackend(t *testing.T) *backend {
	b := new(backend)
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		b.hits.Add(1)
		if req.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch req.URL.Path {
		case "/sector/7":
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Write([]byte(`{"id":7,"name":"Appe"}`))
		case "/text":
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("hello"))
		case "/broken":
			w.Write([]byte("{"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func TestHTTPFetcher(t *testing.T) {
	b := newBackend(t)
	f, err := NewHTTPFetcher(BackendConfig{BaseURL: b.srv.URL + "/", Token: "s3cret", Timeout: time.Second}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	v, err := f.Fetch(qkey.New("sector", 7))(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"name":"Appe"}`, string(v))

	_, err = f.Fetch(qkey.New("missing"))(ctx)
	assert.ErrorContains(t, err, "http 404")
	_, err = f.Fetch(qkey.New("text"))(ctx)
	assert.ErrorContains(t, err, "content-type")
	_, err = f.Fetch(qkey.New("broken"))(ctx)
	assert.Error(t, err)

	assert.Equal(t, "http://x/a%2Fb/1", (&HTTPFetcher{baseURL: "http://x"}).url(qkey.New("a/b", 1)))

	_, err = NewHTTPFetcher(BackendConfig{}, nil)
	assert.ErrorIs(t, err, errEmptyBaseURL)
}

func TestHTTPFetcher_RateLimit(t *testing.T) {
	b := newBackend(t)
	f, err := NewHTTPFetcher(BackendConfig{BaseURL: b.srv.URL, Token: "s3cret", RateLimit: 0.001}, nil)
	require.NoError(t, err)
	fetch := f.Fetch(qkey.New("sector", 7))

	_, err = fetch(context.Background())
	require.NoError(t, err)

	// The burst is spent; the next token is far beyond the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = fetch(ctx)
	assert.ErrorContains(t, err, "rate limited")
	assert.Equal(t, int32(1), b.hits.Load())
}

func newTestApp(t *testing.T, b *backend, mutate func(cfg *Config)) *App {
	t.Helper()
	cfg := &Config{
		Cache:   CacheConfig{GCInterval: -1, RetryCount: -1},
		Backend: BackendConfig{BaseURL: b.srv.URL, Token: "s3cret"},
	}
	if mutate != nil {
		mutate(cfg)
	}
	app, err := NewApp(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return app
}

type apiResponse struct {
	Key     string          `json:"key"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Offline bool            `json:"offline"`
}

func serveAPI(app *App, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	app.GetHTTPAPIMux().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestAPI_Query(t *testing.T) {
	b := newBackend(t)
	app := newTestApp(t, b, nil)

	rec := serveAPI(app, http.MethodGet, "/query/sector/7")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, `["sector",7]`, resp.Key)
	assert.Equal(t, "success", resp.Status)
	assert.JSONEq(t, `{"id":7,"name":"Appe"}`, string(resp.Data))
	assert.False(t, resp.Offline)

	// Fresh in memory.
	serveAPI(app, http.MethodGet, "/query/sector/7")
	assert.Equal(t, int32(1), b.hits.Load())

	rec = serveAPI(app, http.MethodPost, "/refresh/sector/7")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(2), b.hits.Load())

	rec = serveAPI(app, http.MethodGet, "/query/missing")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "http 404")

	rec = serveAPI(app, http.MethodGet, "/query/")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serveAPI(app, http.MethodGet, "/query/sector/%FF")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serveAPI(app, http.MethodDelete, "/store/sector/7")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	serveAPI(app, http.MethodGet, "/query/sector/7")
	assert.Equal(t, int32(4), b.hits.Load())

	rec = serveAPI(app, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "query_cache_misses_total")
	assert.Contains(t, rec.Body.String(), "netmon_connected")
}

func TestAPI_Offline(t *testing.T) {
	b := newBackend(t)
	state := writeFile(t, t.TempDir(), "state", "offline\n")
	app := newTestApp(t, b, func(cfg *Config) {
		cfg.Network.StateFile = state
	})
	require.Eventually(t, func() bool { return !app.monitor.Connected() }, time.Second, time.Millisecond)

	rec := serveAPI(app, http.MethodGet, "/query/sector/7")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Offline)
	assert.Equal(t, "no data available offline", resp.Error)
	assert.Equal(t, int32(0), b.hits.Load())
}

func TestApp_PresetsAndPrefetch(t *testing.T) {
	b := newBackend(t)
	app := newTestApp(t, b, func(cfg *Config) {
		cfg.Queries = []QueryConfig{
			{Name: "sector7", Key: []string{"sector", "7"}, Prefetch: true},
			{Name: "idle", Key: []string{"sector", "8"}},
		}
	})

	require.NoError(t, app.Prefetch(context.Background()))
	assert.Equal(t, int32(1), b.hits.Load())

	r, err := app.ReadPreset(context.Background(), "sector7")
	require.NoError(t, err)
	assert.True(t, r.HasData)
	assert.Equal(t, int32(1), b.hits.Load())

	_, err = app.ReadPreset(context.Background(), "nope")
	assert.Error(t, err)
}

func TestNewApp_Errors(t *testing.T) {
	b := newBackend(t)
	for name, mutate := range map[string]func(*Config){
		"no backend":    func(c *Config) { c.Backend.BaseURL = "" },
		"bad store":     func(c *Config) { c.Store.Type = "tape" },
		"disk no dir":   func(c *Config) { c.Store.Type = "disk" },
		"bad redis url": func(c *Config) { c.Store.Type = "redis"; c.Store.Redis = "nope://" },
		"dup query": func(c *Config) {
			c.Queries = []QueryConfig{{Name: "a", Key: []string{"a"}}, {Name: "a", Key: []string{"b"}}}
		},
		"empty key":      func(c *Config) { c.Queries = []QueryConfig{{Name: "a"}} },
		"negative delay": func(c *Config) { c.Cache.RetryDelay = -time.Second },
		"negative query timeout": func(c *Config) {
			c.Queries = []QueryConfig{{Name: "a", Key: []string{"a"}, Timeout: -time.Second}}
		},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := &Config{Backend: BackendConfig{BaseURL: b.srv.URL}}
			mutate(cfg)
			_, err := NewApp(cfg, zap.NewNop())
			assert.Error(t, err)
		})
	}
}

func TestRunGetAndPurge(t *testing.T) {
	b := newBackend(t)
	dir := t.TempDir()
	cfg := &Config{
		Log:     mlog.LogConfig{Level: "error"},
		Cache:   CacheConfig{GCInterval: -1},
		Store:   StoreConfig{Type: "disk", Dir: dir},
		Backend: BackendConfig{BaseURL: b.srv.URL, Token: "s3cret"},
		Queries: []QueryConfig{{Name: "sector7", Key: []string{"sector", "7"}}},
	}

	var out bytes.Buffer
	require.NoError(t, runGet(context.Background(), cfg, "sector7", nil, &out))
	assert.Contains(t, out.String(), "name: Appe")
	assert.Contains(t, out.String(), "status: success")

	// A second process finds the record on disk.
	out.Reset()
	require.NoError(t, runGet(context.Background(), cfg, "", []string{"sector", "7"}, &out))
	assert.Equal(t, int32(1), b.hits.Load())

	out.Reset()
	require.NoError(t, runPurge(context.Background(), cfg, &out))
	assert.Equal(t, "1 records removed", strings.TrimSpace(out.String()))

	assert.Error(t, runGet(context.Background(), cfg, "nope", nil, &out))
}
