// Package netmon tracks device connectivity and fans transitions out to
// subscribers. The platform listener is installed with the first
// subscriber and removed with the last one.
package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var nopLogger = zap.NewNop()

// Platform is the device connectivity API.
type Platform interface {
	// Watch starts delivering the connectivity state to fn. It may call
	// fn with an unchanged state. stop removes the listener.
	Watch(fn func(connected bool)) (stop func(), err error)

	// Fetch returns the current state once.
	Fetch(ctx context.Context) (connected bool, err error)
}

type MonitorOpts struct {
	// Platform cannot be nil.
	Platform Platform

	// FetchTimeout bounds the initial Platform.Fetch.
	// Default is 3s.
	FetchTimeout time.Duration

	// Registerer receives the connectivity gauge. Optional.
	Registerer prometheus.Registerer

	// A nil Logger disables logging.
	Logger *zap.Logger
}

func (opts *MonitorOpts) init() {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// Monitor holds one process-wide connectivity flag.
type Monitor struct {
	opts  MonitorOpts
	gauge prometheus.Gauge

	mu        sync.Mutex
	connected bool
	degraded  bool
	seq       uint64 // number of platform events seen
	subs      map[uint64]func(bool)
	nextSubID uint64
	stop      func()
}

func NewMonitor(opts MonitorOpts) *Monitor {
	opts.init()
	m := &Monitor{
		opts:      opts,
		connected: true,
		subs:      make(map[uint64]func(bool)),
		gauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netmon_connected",
			Help: "1 if the device is believed to be online.",
		}),
	}
	m.gauge.Set(1)
	if opts.Registerer != nil {
		if err := opts.Registerer.Register(m.gauge); err != nil {
			opts.Logger.Warn("failed to register connectivity gauge", zap.Error(err))
		}
	}
	return m
}

// Connected returns the last known state. It is optimistic (true) until
// the platform reports otherwise, and always true if the platform
// listener could not be installed.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Subscribe registers fn for connectivity transitions. fn is never
// called with an unchanged state. The returned func unsubscribes and
// is safe to call more than once.
func (m *Monitor) Subscribe(fn func(connected bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	first := len(m.subs) == 1 && m.stop == nil && !m.degraded
	m.mu.Unlock()

	if first {
		m.install()
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(id) })
	}
}

func (m *Monitor) install() {
	stop, err := m.opts.Platform.Watch(m.onPlatformEvent)
	if err != nil {
		m.opts.Logger.Warn("connectivity listener unavailable, assuming online", zap.Error(err))
		m.mu.Lock()
		m.degraded = true
		m.mu.Unlock()
		m.set(true)
		return
	}

	m.mu.Lock()
	if len(m.subs) == 0 {
		// Everybody left while we were installing.
		m.mu.Unlock()
		stop()
		return
	}
	m.stop = stop
	seq := m.seq
	m.mu.Unlock()

	go m.initialFetch(seq)
}

func (m *Monitor) initialFetch(seq uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.FetchTimeout)
	defer cancel()
	connected, err := m.opts.Platform.Fetch(ctx)
	if err != nil {
		m.opts.Logger.Warn("failed to fetch connectivity state", zap.Error(err))
		return
	}

	m.update(connected, func() bool { return m.seq == seq && m.stop != nil })
}

func (m *Monitor) unsubscribe(id uint64) {
	m.mu.Lock()
	delete(m.subs, id)
	var stop func()
	if len(m.subs) == 0 {
		stop, m.stop = m.stop, nil
		m.degraded = false
	}
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func (m *Monitor) onPlatformEvent(connected bool) {
	m.update(connected, func() bool {
		m.seq++
		return true
	})
}

func (m *Monitor) set(connected bool) {
	m.update(connected, nil)
}

// update stores connected and notifies subscribers on a transition.
// valid, if set, runs under m.mu and can veto the update.
func (m *Monitor) update(connected bool, valid func() bool) {
	m.mu.Lock()
	if valid != nil && !valid() || m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if connected {
		m.gauge.Set(1)
	} else {
		m.gauge.Set(0)
	}
	m.opts.Logger.Info("connectivity changed", zap.Bool("connected", connected))
	for _, fn := range subs {
		fn(connected)
	}
}
