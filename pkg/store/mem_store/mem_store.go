package mem_store

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/appejv/querycache/pkg/concurrent_lru"
	"github.com/appejv/querycache/pkg/store"
)

const shardSize = 16

// MemStore keeps records in a bounded, sharded LRU. Records are lost on
// restart, so it suits tests and processes without a writable disk.
type MemStore struct {
	closed uint32
	lru    *concurrent_lru.ShardedLRU[[]byte]
}

func NewMemStore(size int) *MemStore {
	sizePerShard := size / shardSize
	if sizePerShard < 16 {
		sizePerShard = 16
	}
	return &MemStore{
		lru: concurrent_lru.NewShardedLRU[[]byte](shardSize, sizePerShard, nil),
	}
}

func (m *MemStore) isClosed() bool {
	return atomic.LoadUint32(&m.closed) != 0
}

func (m *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	if m.isClosed() {
		return nil, store.ErrNotFound
	}
	v, ok := m.lru.Get(key)
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemStore) Set(_ context.Context, key string, v []byte) error {
	if m.isClosed() {
		return nil
	}
	m.lru.Add(key, append([]byte(nil), v...))
	return nil
}

func (m *MemStore) Del(_ context.Context, key string) error {
	m.lru.Del(key)
	return nil
}

func (m *MemStore) Purge(_ context.Context, prefix string) (int, error) {
	return m.lru.Clean(func(key string, _ []byte) bool {
		return strings.HasPrefix(key, prefix)
	}), nil
}

func (m *MemStore) Len() int {
	return m.lru.Len()
}

func (m *MemStore) Close() error {
	atomic.StoreUint32(&m.closed, 1)
	return nil
}
