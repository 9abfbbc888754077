package coremain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/appejv/querycache/pkg/offline"
	"github.com/appejv/querycache/pkg/qkey"
)

const (
	jsonContentType = "application/json"
	maxBodySize     = 4 << 20
)

var defaultUserAgent = "querycache/1"

var errEmptyBaseURL = errors.New("empty backend base url")

// HTTPFetcher reads query data from a REST backend. Key ["sector", 7]
// is served by GET {BaseURL}/sector/7.
type HTTPFetcher struct {
	baseURL string
	token   string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter // nil means unlimited
}

func NewHTTPFetcher(cfg BackendConfig, client *http.Client) (*HTTPFetcher, error) {
	if len(cfg.BaseURL) == 0 {
		return nil, errEmptyBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend base url, %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	f := &HTTPFetcher{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: cfg.Timeout,
		client:  client,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return f, nil
}

func (f *HTTPFetcher) url(k qkey.Key) string {
	segs := k.Segments()
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = url.PathEscape(fmt.Sprint(s))
	}
	return f.baseURL + "/" + strings.Join(parts, "/")
}

// Fetch returns the fetch function of k.
func (f *HTTPFetcher) Fetch(k qkey.Key) offline.FetchFunc[json.RawMessage] {
	return func(ctx context.Context) (json.RawMessage, error) {
		return f.get(ctx, k)
	}
}

func (f *HTTPFetcher) get(ctx context.Context, k qkey.Key) (json.RawMessage, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limited, %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url(k), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", jsonContentType)
	req.Header.Set("User-Agent", defaultUserAgent)
	if len(f.token) > 0 {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	res, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("http %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); len(ct) > 0 && !strings.HasPrefix(ct, jsonContentType) {
		return nil, fmt.Errorf("invalid content-type: %s", ct)
	}

	b, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxBodySize {
		return nil, fmt.Errorf("response exceeds maximum size of %d bytes", maxBodySize)
	}
	if !json.Valid(b) {
		return nil, errors.New("invalid json response")
	}
	return json.RawMessage(b), nil
}
