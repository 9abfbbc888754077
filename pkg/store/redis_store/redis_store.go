package redis_store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/appejv/querycache/pkg/store"
)

var nopLogger = zap.NewNop()

var errDisabled = errors.New("redis temporarily disabled")

type RedisStoreOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisStore.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout bounds every redis call.
	// Default is 1s.
	ClientTimeout time.Duration

	// TTL of each record. Zero keeps records until removed.
	TTL time.Duration

	// A nil Logger disables logging.
	Logger *zap.Logger
}

func (opts *RedisStoreOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisStore keeps records in redis. On a client error it stops
// talking to redis and pings it with a growing backoff until it
// answers again; meanwhile every call fails fast.
type RedisStore struct {
	opts           RedisStoreOpts
	clientDisabled uint32
}

func NewRedisStore(opts RedisStoreOpts) (*RedisStore, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisStore{opts: opts}, nil
}

func (r *RedisStore) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisStore) disableClient() {
	if !atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		return
	}
	r.opts.Logger.Warn("redis temporarily disabled")
	go func() {
		const maxBackoff = time.Second * 30
		backoff := time.Millisecond * 100
		for {
			time.Sleep(backoff)
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
			err := r.opts.Client.Ping(ctx).Err()
			cancel()
			if err != nil {
				backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
				continue
			}
			atomic.StoreUint32(&r.clientDisabled, 0)
			r.opts.Logger.Info("redis enabled")
			return
		}
	}()
}

func (r *RedisStore) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opts.ClientTimeout)
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if r.disabled() {
		return nil, errDisabled
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	b, err := r.opts.Client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, store.ErrNotFound
		}
		r.disableClient()
		return nil, fmt.Errorf("redis get, %w", err)
	}
	_, v, err := unpackRedisValue(b)
	return v, err
}

func (r *RedisStore) Set(ctx context.Context, key string, v []byte) error {
	if r.disabled() {
		return errDisabled
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	if err := r.opts.Client.Set(ctx, key, packRedisValue(time.Now(), v), r.opts.TTL).Err(); err != nil {
		r.disableClient()
		return fmt.Errorf("redis set, %w", err)
	}
	return nil
}

func (r *RedisStore) Del(ctx context.Context, key string) error {
	if r.disabled() {
		return errDisabled
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	if err := r.opts.Client.Del(ctx, key).Err(); err != nil {
		r.disableClient()
		return fmt.Errorf("redis del, %w", err)
	}
	return nil
}

// Purge deletes all keys starting with prefix, using SCAN.
func (r *RedisStore) Purge(ctx context.Context, prefix string) (int, error) {
	if r.disabled() {
		return 0, errDisabled
	}
	removed := 0
	iter := r.opts.Client.Scan(ctx, 0, escapeGlob(prefix)+"*", 256).Iterator()
	for iter.Next(ctx) {
		n, err := r.opts.Client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return removed, fmt.Errorf("redis del, %w", err)
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis scan, %w", err)
	}
	return removed, nil
}

func (r *RedisStore) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}

// packRedisValue prefixes v with the store time (unix ms, big endian).
func packRedisValue(storedAt time.Time, v []byte) []byte {
	b := make([]byte, 8+len(v))
	binary.BigEndian.PutUint64(b[:8], uint64(storedAt.UnixMilli()))
	copy(b[8:], v)
	return b
}

func unpackRedisValue(b []byte) (storedAt time.Time, v []byte, err error) {
	if len(b) < 8 {
		return time.Time{}, nil, fmt.Errorf("%w: value is too short", store.ErrCorrupt)
	}
	return time.UnixMilli(int64(binary.BigEndian.Uint64(b[:8]))), b[8:], nil
}
