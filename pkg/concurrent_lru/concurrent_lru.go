package concurrent_lru

import (
	"hash/maphash"
	"sync"

	"github.com/appejv/querycache/pkg/lru"
)

// ShardedLRU spreads string keys over independently locked LRUs.
type ShardedLRU[V any] struct {
	seed   maphash.Seed
	shards []*ConcurrentLRU[string, V]
	mask   uint64
}

// NewShardedLRU panics if shardNum is not a positive power of 2.
func NewShardedLRU[V any](shardNum, maxSizePerShard int, onEvict func(key string, v V)) *ShardedLRU[V] {
	if shardNum <= 0 || shardNum&(shardNum-1) != 0 {
		panic("shardNum must be a power of 2 and > 0")
	}

	s := &ShardedLRU[V]{
		seed:   maphash.MakeSeed(),
		shards: make([]*ConcurrentLRU[string, V], shardNum),
		mask:   uint64(shardNum - 1),
	}
	for i := range s.shards {
		s.shards[i] = NewConcurrentLRU[string, V](maxSizePerShard, onEvict)
	}
	return s
}

func (s *ShardedLRU[V]) shard(key string) *ConcurrentLRU[string, V] {
	return s.shards[maphash.String(s.seed, key)&s.mask]
}

func (s *ShardedLRU[V]) Add(key string, v V) {
	s.shard(key).Add(key, v)
}

func (s *ShardedLRU[V]) Del(key string) {
	s.shard(key).Del(key)
}

func (s *ShardedLRU[V]) Get(key string) (v V, ok bool) {
	return s.shard(key).Get(key)
}

func (s *ShardedLRU[V]) Clean(f func(key string, v V) bool) (removed int) {
	for _, shard := range s.shards {
		removed += shard.Clean(f)
	}
	return
}

func (s *ShardedLRU[V]) Len() int {
	n := 0
	for _, shard := range s.shards {
		n += shard.Len()
	}
	return n
}

// ConcurrentLRU is a mutex guarded lru.LRU.
type ConcurrentLRU[K comparable, V any] struct {
	mu  sync.Mutex
	lru *lru.LRU[K, V]
}

func NewConcurrentLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *ConcurrentLRU[K, V] {
	return &ConcurrentLRU[K, V]{lru: lru.NewLRU[K, V](maxSize, onEvict)}
}

func (c *ConcurrentLRU[K, V]) Add(key K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, v)
}

func (c *ConcurrentLRU[K, V]) Del(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Del(key)
}

func (c *ConcurrentLRU[K, V]) Get(key K) (v V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key)
}

func (c *ConcurrentLRU[K, V]) Clean(f func(key K, v V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Clean(f)
}

func (c *ConcurrentLRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
