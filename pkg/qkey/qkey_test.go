package qkey

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_StructuralEquality(t *testing.T) {
	a := New("sector", 7)
	b := New("sector", int64(7))
	c := New("sector", uint8(7))
	d := New("sector", 7.0)
	for _, k := range []Key{b, c, d} {
		assert.True(t, a.Equal(k), k.String())
		assert.Equal(t, a.String(), k.String())
	}

	assert.False(t, a.Equal(New("sector", "7")))
	assert.False(t, a.Equal(New("sector")))
	assert.False(t, a.Equal(New("sector", 7, 1)))
	assert.False(t, New("a|b").Equal(New("a", "b")))
}

func TestKey_Invalid(t *testing.T) {
	k := New("sector", []int{1})
	require.ErrorIs(t, k.Err(), ErrInvalidSegment)
	assert.False(t, k.Equal(k))

	require.ErrorIs(t, New(math.NaN()).Err(), ErrInvalidSegment)
	require.ErrorIs(t, New(struct{}{}).Err(), ErrInvalidSegment)
	require.NoError(t, New().Err())
}

func TestKey_InvalidUTF8(t *testing.T) {
	a := New("sector", "\xff")
	b := New("sector", "\xfe")
	require.ErrorIs(t, a.Err(), ErrInvalidSegment)
	require.ErrorIs(t, b.Err(), ErrInvalidSegment)
	assert.False(t, a.Equal(b))
	assert.NotEqual(t, StorageKey("appe", a), StorageKey("appe", New("sector", "\ufffd")))

	require.ErrorIs(t, Parse("sector", "\xff").Err(), ErrInvalidSegment)
	require.NoError(t, New("sector", "Appé").Err())
}

func TestKey_Zero(t *testing.T) {
	var k Key
	require.ErrorIs(t, k.Err(), ErrZeroKey)
	assert.False(t, k.Equal(k))
	assert.False(t, k.Equal(New()))
	assert.False(t, k.HasPrefix(New()))
	assert.Equal(t, `[]`, New().String())
}

func TestKey_Immutable(t *testing.T) {
	k := New("combo", 3)
	segs := k.Segments()
	segs[0] = "other"
	assert.Equal(t, `["combo",3]`, k.String())
}

func TestParse(t *testing.T) {
	k := Parse("sector", "7", "true", "1.5")
	assert.True(t, k.Equal(New("sector", 7, true, "1.5")))
	assert.Equal(t, "sector/7/true/1.5", k.Path())
}

func TestHasPrefix(t *testing.T) {
	assert.True(t, New("sector", 7).HasPrefix(New("sector")))
	assert.True(t, New("sector", 7).HasPrefix(New()))
	assert.False(t, New("sector").HasPrefix(New("sector", 7)))
	assert.False(t, New("sectors", 7).HasPrefix(New("sector")))
}

func TestStorageKey(t *testing.T) {
	a := StorageKey("appe", New("sector", 7))
	assert.Equal(t, a, StorageKey("appe", New("sector", uint(7))))
	assert.NotEqual(t, a, StorageKey("appe", New("sector", "7")))
	assert.NotEqual(t, a, StorageKey("other", New("sector", 7)))
	assert.NotEqual(t, StorageKey("a|b", New("c")), StorageKey("a", New("b|c")))
}
