package lru

import (
	"github.com/appejv/querycache/pkg/list"
)

// LRU is a recency-ordered map. A maxSize <= 0 makes it unbounded,
// in which case entries only leave through Del or Clean.
type LRU[K comparable, V any] struct {
	maxSize int
	onEvict func(key K, v V)

	l *list.List[kv[K, V]]
	m map[K]*list.Elem[kv[K, V]]
}

type kv[K comparable, V any] struct {
	key K
	v   V
}

func NewLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *LRU[K, V] {
	hint := maxSize
	if hint <= 0 {
		hint = 64
	}
	return &LRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		l:       list.New[kv[K, V]](),
		m:       make(map[K]*list.Elem[kv[K, V]], hint),
	}
}

func (q *LRU[K, V]) bounded() bool {
	return q.maxSize > 0
}

// Add inserts or replaces key and marks it most recently used.
func (q *LRU[K, V]) Add(key K, v V) {
	if e, ok := q.m[key]; ok {
		e.Value.v = v
		q.l.MoveToBack(e)
		return
	}

	if q.bounded() && q.l.Len() >= q.maxSize {
		// Recycle the oldest element in place.
		e := q.l.Front()
		if q.onEvict != nil {
			q.onEvict(e.Value.key, e.Value.v)
		}
		delete(q.m, e.Value.key)
		e.Value = kv[K, V]{key: key, v: v}
		q.m[key] = e
		q.l.MoveToBack(e)
		return
	}

	e := list.NewElem(kv[K, V]{key: key, v: v})
	q.m[key] = e
	q.l.PushBack(e)
}

// Get returns the value of key and marks it most recently used.
func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.l.MoveToBack(e)
	return e.Value.v, true
}

// Peek is Get without touching recency.
func (q *LRU[K, V]) Peek(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	return e.Value.v, true
}

func (q *LRU[K, V]) Del(key K) {
	if e := q.m[key]; e != nil {
		q.delElem(e)
	}
}

// Clean removes every entry for which f returns true, oldest first.
func (q *LRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	for e := q.l.Front(); e != nil; {
		next := e.Next()
		if f(e.Value.key, e.Value.v) {
			q.delElem(e)
			removed++
		}
		e = next
	}
	return
}

// Range calls f from the oldest to the newest entry until f returns false.
func (q *LRU[K, V]) Range(f func(key K, v V) bool) {
	for e := q.l.Front(); e != nil; e = e.Next() {
		if !f(e.Value.key, e.Value.v) {
			return
		}
	}
}

func (q *LRU[K, V]) Len() int {
	return q.l.Len()
}

func (q *LRU[K, V]) delElem(e *list.Elem[kv[K, V]]) {
	key, v := e.Value.key, e.Value.v
	q.l.Remove(e)
	delete(q.m, key)
	if q.onEvict != nil {
		q.onEvict(key, v)
	}
}
