package lru

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keys(q *LRU[string, int]) []string {
	var out []string
	q.Range(func(k string, _ int) bool {
		out = append(out, k)
		return true
	})
	return out
}

func TestLRU_Bounded(t *testing.T) {
	var evicted []string
	q := NewLRU[string, int](2, func(k string, _ int) { evicted = append(evicted, k) })
	q.Add("a", 1)
	q.Add("b", 2)
	_, ok := q.Get("a")
	require.True(t, ok)

	q.Add("c", 3)
	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, []string{"a", "c"}, keys(q))

	_, ok = q.Peek("b")
	assert.False(t, ok)
}

func TestLRU_Unbounded(t *testing.T) {
	q := NewLRU[string, int](0, nil)
	for i, k := range []string{"a", "b", "c", "d", "e"} {
		q.Add(k, i)
	}
	assert.Equal(t, 5, q.Len())

	// Peek keeps "a" oldest.
	v, ok := q.Peek("a")
	require.True(t, ok)
	assert.Equal(t, 0, v)
	assert.Equal(t, "a", keys(q)[0])

	removed := q.Clean(func(_ string, v int) bool { return v%2 == 0 })
	assert.Equal(t, 3, removed)
	assert.Equal(t, []string{"b", "d"}, keys(q))

	q.Del("b")
	q.Del("missing")
	assert.Equal(t, []string{"d"}, keys(q))
}
