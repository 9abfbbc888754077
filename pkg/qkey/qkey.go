// Package qkey implements structural query keys.
//
// A Key is an ordered list of primitive segments such as
// ("sectors") or ("sectors", 42). Two keys are equal when their
// segments are equal value by value, regardless of the Go integer
// type used to build them. Keys are immutable.
//
// Key construction is a naming discipline: two different logical
// entities must never be given the same segments. This is not checked.
package qkey

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidSegment = errors.New("invalid key segment")
	ErrZeroKey        = errors.New("zero key")
)

// storageSep separates the namespace from the canonical key. It never
// appears unescaped inside a namespace (see StorageKey).
const storageSep = "|"

// Key is built by New or Parse. The zero Key is invalid; New() with no
// segments is the valid empty key.
type Key struct {
	segs []any
	enc  string
	err  error
}

// New builds a key from segments. Accepted segment types are string,
// bool, all integer kinds and finite floats. Integral floats are equal
// to the same integer. An unsupported segment yields a key whose Err is
// non-nil; such a key never matches a cache entry.
func New(segs ...any) Key {
	k := Key{segs: make([]any, 0, len(segs))}
	for i, s := range segs {
		v, err := normalize(s)
		if err != nil {
			k.err = fmt.Errorf("segment #%d: %w", i, err)
			return k
		}
		k.segs = append(k.segs, v)
	}
	b, err := json.Marshal(k.segs)
	if err != nil {
		k.err = fmt.Errorf("%w: %v", ErrInvalidSegment, err)
		return k
	}
	k.enc = string(b)
	return k
}

// Parse builds a key from textual segments, as typed on a command line
// or found in a URL path. Segments that parse as integers become
// integers, "true"/"false" become booleans, everything else is a string.
func Parse(parts ...string) Key {
	segs := make([]any, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			segs = append(segs, n)
			continue
		}
		if b, err := strconv.ParseBool(p); err == nil && (p == "true" || p == "false") {
			segs = append(segs, b)
			continue
		}
		segs = append(segs, p)
	}
	return New(segs...)
}

// Err reports why the key is unusable, or nil.
func (k Key) Err() error {
	if k.err == nil && len(k.enc) == 0 {
		return ErrZeroKey
	}
	return k.err
}

// Len returns the number of segments.
func (k Key) Len() int {
	return len(k.segs)
}

// Segments returns a copy of the normalized segments.
func (k Key) Segments() []any {
	out := make([]any, len(k.segs))
	copy(out, k.segs)
	return out
}

// String returns the canonical encoding. Equal keys have equal encodings
// and different keys have different encodings.
func (k Key) String() string {
	if err := k.Err(); err != nil {
		return "<invalid key: " + err.Error() + ">"
	}
	return k.enc
}

// Equal reports structural equality. Invalid keys are equal to nothing.
func (k Key) Equal(o Key) bool {
	return k.Err() == nil && o.Err() == nil && k.enc == o.enc
}

// HasPrefix reports whether the first segments of k equal p.
func (k Key) HasPrefix(p Key) bool {
	if k.Err() != nil || p.Err() != nil || len(p.segs) > len(k.segs) {
		return false
	}
	return New(k.segs[:len(p.segs)]...).enc == p.enc
}

// StorageKey derives the persistent storage key of k inside namespace ns.
func StorageKey(ns string, k Key) string {
	return NamespacePrefix(ns) + k.String()
}

// NamespacePrefix is the common prefix of every storage key of ns.
func NamespacePrefix(ns string) string {
	return strings.NewReplacer("%", "%25", storageSep, "%7C").Replace(ns) + storageSep
}

// Path joins the textual form of the segments with "/".
func (k Key) Path() string {
	parts := make([]string, len(k.segs))
	for i, s := range k.segs {
		parts[i] = fmt.Sprint(s)
	}
	return strings.Join(parts, "/")
}

func normalize(s any) (any, error) {
	switch v := s.(type) {
	case string:
		// The JSON encoding would fold invalid bytes into U+FFFD.
		if !utf8.ValidString(v) {
			return nil, fmt.Errorf("%w: invalid utf-8 string %q", ErrInvalidSegment, v)
		}
		return v, nil
	case bool:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return normalizeUint(uint64(v)), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return normalizeUint(v), nil
	case float32:
		return normalizeFloat(float64(v))
	case float64:
		return normalizeFloat(v)
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidSegment, s)
	}
}

func normalizeUint(v uint64) any {
	if v <= math.MaxInt64 {
		return int64(v)
	}
	return v
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: non-finite float", ErrInvalidSegment)
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f), nil
	}
	return f, nil
}
