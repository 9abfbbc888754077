package netmon

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	got []bool
}

func (r *recorder) fn(v bool) {
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
}

func (r *recorder) events() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.got...)
}

func TestMonitor_FanOutTransitionsOnly(t *testing.T) {
	p := NewStatic(true)
	m := NewMonitor(MonitorOpts{Platform: p})
	assert.True(t, m.Connected())

	var r1, r2 recorder
	u1 := m.Subscribe(r1.fn)
	u2 := m.Subscribe(r2.fn)
	require.Equal(t, 1, p.Watchers(), "platform listener must be installed once")

	p.Set(false)
	p.Set(false)
	p.Set(true)

	assert.Equal(t, []bool{false, true}, r1.events())
	assert.Equal(t, []bool{false, true}, r2.events())

	u1()
	u1()
	p.Set(false)
	assert.Equal(t, []bool{false, true}, r1.events())
	assert.Equal(t, []bool{false, true, false}, r2.events())
	assert.False(t, m.Connected())

	u2()
	assert.Equal(t, 0, p.Watchers(), "last unsubscribe tears the listener down")
}

func TestMonitor_InitialFetch(t *testing.T) {
	p := NewStatic(false)
	m := NewMonitor(MonitorOpts{Platform: p})
	var r recorder
	defer m.Subscribe(r.fn)()

	require.Eventually(t, func() bool { return !m.Connected() }, time.Second, time.Millisecond)
	assert.Equal(t, []bool{false}, r.events())
}

func TestMonitor_DegradesToOnline(t *testing.T) {
	p := NewStatic(false)
	p.WatchErr = errors.New("no permission")
	m := NewMonitor(MonitorOpts{Platform: p})
	var r recorder
	unsub := m.Subscribe(r.fn)
	defer unsub()

	assert.True(t, m.Connected())
	p.Set(false)
	assert.True(t, m.Connected())
	assert.Empty(t, r.events())
}

func TestMonitor_Gauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewStatic(true)
	m := NewMonitor(MonitorOpts{Platform: p, Registerer: reg})
	defer m.Subscribe(func(bool) {})()

	p.Set(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.gauge))
	p.Set(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.gauge))
}

func TestProber(t *testing.T) {
	var mu sync.Mutex
	up := true
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if !up {
			return nil, errors.New("unreachable")
		}
		c1, c2 := net.Pipe()
		c2.Close()
		return c1, nil
	}
	p := &Prober{Addr: "api.example:443", Interval: 5 * time.Millisecond, DialContext: dial}

	ok, err := p.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	m := NewMonitor(MonitorOpts{Platform: p})
	var r recorder
	unsub := m.Subscribe(r.fn)

	mu.Lock()
	up = false
	mu.Unlock()
	require.Eventually(t, func() bool { return !m.Connected() }, time.Second, time.Millisecond)

	mu.Lock()
	up = true
	mu.Unlock()
	require.Eventually(t, m.Connected, time.Second, time.Millisecond)
	unsub()

	_, err = (&Prober{}).Watch(func(bool) {})
	require.Error(t, err)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")
	require.NoError(t, os.WriteFile(path, []byte("online\n"), 0o644))

	src := &FileSource{Path: path}
	ok, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	m := NewMonitor(MonitorOpts{Platform: src})
	var r recorder
	unsub := m.Subscribe(r.fn)
	defer unsub()

	require.NoError(t, os.WriteFile(path, []byte("offline"), 0o644))
	require.Eventually(t, func() bool { return !m.Connected() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("1"), 0o644))
	require.Eventually(t, m.Connected, 2*time.Second, 5*time.Millisecond)
}

func TestParseState(t *testing.T) {
	for in, want := range map[string]bool{"UP": true, " down ": false, "true": true, "0": false} {
		got, err := parseState(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := parseState("maybe")
	require.Error(t, err)
}
