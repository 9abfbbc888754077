// Package store persists the last good payload of each query so it
// survives process restarts and can be served while offline.
//
// Persistence is an optimization: Save never fails, and Load treats a
// corrupt record exactly like a missing one (after deleting it).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/appejv/querycache/pkg/qkey"
)

var (
	// ErrNotFound is returned by a Backend for a missing key.
	ErrNotFound = errors.New("record not found")

	// ErrCorrupt is wrapped by a Backend that found an unreadable record.
	ErrCorrupt = errors.New("corrupt record")
)

var nopLogger = zap.NewNop()

const recordVersion = 1

// Backend is the platform persistence API.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, v []byte) error
	Del(ctx context.Context, key string) error
	io.Closer
}

// Purger is implemented by backends that can drop every key with a prefix.
type Purger interface {
	Purge(ctx context.Context, prefix string) (int, error)
}

type Opts struct {
	// Backend cannot be nil.
	Backend Backend

	// Namespace prefixes every storage key.
	// Default is "querycache".
	Namespace string

	// IOTimeout bounds each backend call.
	// Default is 2s.
	IOTimeout time.Duration

	// A nil Logger disables logging.
	Logger *zap.Logger
}

func (opts *Opts) init() error {
	if opts.Backend == nil {
		return errors.New("nil backend")
	}
	if len(opts.Namespace) == 0 {
		opts.Namespace = "querycache"
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type Store struct {
	opts Opts
}

func New(opts Opts) (*Store, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	return &Store{opts: opts}, nil
}

type record struct {
	Version   int             `json:"v"`
	FetchedAt int64           `json:"fetched_at"` // unix ms
	Data      json.RawMessage `json:"data"`
}

// StorageKey returns the backend key of k.
func (s *Store) StorageKey(k qkey.Key) string {
	return qkey.StorageKey(s.opts.Namespace, k)
}

func (s *Store) ioCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.IOTimeout)
}

// Save writes v, fetched at fetchedAt, under k. Errors are logged.
func (s *Store) Save(ctx context.Context, k qkey.Key, v any, fetchedAt time.Time) {
	if err := k.Err(); err != nil {
		s.opts.Logger.Warn("refusing to persist invalid key", zap.Error(err))
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.opts.Logger.Warn("failed to encode record", zap.Stringer("key", k), zap.Error(err))
		return
	}
	b, err := json.Marshal(record{Version: recordVersion, FetchedAt: fetchedAt.UnixMilli(), Data: data})
	if err != nil {
		s.opts.Logger.Warn("failed to encode record", zap.Stringer("key", k), zap.Error(err))
		return
	}

	ctx, cancel := s.ioCtx(ctx)
	defer cancel()
	if err := s.opts.Backend.Set(ctx, s.StorageKey(k), b); err != nil {
		s.opts.Logger.Warn("failed to persist record", zap.Stringer("key", k), zap.Error(err))
		return
	}
	s.opts.Logger.Debug("record persisted", zap.Stringer("key", k), zap.Int("size", len(b)))
}

// Load decodes the record of k into out, which must be a non-nil
// pointer. ok is false if the record is missing, unreadable or does not
// decode into out; unreadable records are deleted. out may have been
// partially written when ok is false.
func (s *Store) Load(ctx context.Context, k qkey.Key, out any) (fetchedAt time.Time, ok bool) {
	if k.Err() != nil {
		return time.Time{}, false
	}
	storageKey := s.StorageKey(k)

	ioCtx, cancel := s.ioCtx(ctx)
	b, err := s.opts.Backend.Get(ioCtx, storageKey)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		return time.Time{}, false
	case errors.Is(err, ErrCorrupt):
		s.dropCorrupt(ctx, k, err)
		return time.Time{}, false
	default:
		s.opts.Logger.Warn("failed to read record", zap.Stringer("key", k), zap.Error(err))
		return time.Time{}, false
	}

	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		s.dropCorrupt(ctx, k, err)
		return time.Time{}, false
	}
	if r.Version != recordVersion || len(r.Data) == 0 {
		s.dropCorrupt(ctx, k, fmt.Errorf("unexpected record version %d", r.Version))
		return time.Time{}, false
	}
	if err := json.Unmarshal(r.Data, out); err != nil {
		s.dropCorrupt(ctx, k, err)
		return time.Time{}, false
	}
	return time.UnixMilli(r.FetchedAt), true
}

func (s *Store) dropCorrupt(ctx context.Context, k qkey.Key, cause error) {
	s.opts.Logger.Warn("dropping corrupt record", zap.Stringer("key", k), zap.Error(cause))
	s.Remove(ctx, k)
}

// Remove deletes the record of k. Errors are logged.
func (s *Store) Remove(ctx context.Context, k qkey.Key) {
	if k.Err() != nil {
		return
	}
	ctx, cancel := s.ioCtx(ctx)
	defer cancel()
	if err := s.opts.Backend.Del(ctx, s.StorageKey(k)); err != nil && !errors.Is(err, ErrNotFound) {
		s.opts.Logger.Warn("failed to remove record", zap.Stringer("key", k), zap.Error(err))
	}
}

// Purge removes every record of the namespace. It needs a Purger backend.
func (s *Store) Purge(ctx context.Context) (int, error) {
	p, ok := s.opts.Backend.(Purger)
	if !ok {
		return 0, fmt.Errorf("backend %T cannot purge", s.opts.Backend)
	}
	return p.Purge(ctx, qkey.NamespacePrefix(s.opts.Namespace))
}

func (s *Store) Close() error {
	return s.opts.Backend.Close()
}
