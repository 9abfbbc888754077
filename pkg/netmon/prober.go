package netmon

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appejv/querycache/pkg/pool"
)

// Prober reports the device online while a TCP connection to Addr can
// be established.
type Prober struct {
	// Addr is a host:port, usually the REST API endpoint. Required.
	Addr string

	// Interval between probes. Default is 10s.
	Interval time.Duration

	// DialTimeout bounds each probe. Default is 2s.
	DialTimeout time.Duration

	// DialContext defaults to a net.Dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	Logger *zap.Logger
}

var errNoProbeAddr = errors.New("prober: empty address")

func (p *Prober) interval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return 10 * time.Second
}

func (p *Prober) dialTimeout() time.Duration {
	if p.DialTimeout > 0 {
		return p.DialTimeout
	}
	return 2 * time.Second
}

func (p *Prober) logger() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return nopLogger
}

func (p *Prober) probe(ctx context.Context) bool {
	dial := p.DialContext
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout())
	defer cancel()
	c, err := dial(ctx, "tcp", p.Addr)
	if err != nil {
		p.logger().Debug("connectivity probe failed", zap.String("addr", p.Addr), zap.Error(err))
		return false
	}
	c.Close()
	return true
}

func (p *Prober) Fetch(ctx context.Context) (bool, error) {
	if len(p.Addr) == 0 {
		return false, errNoProbeAddr
	}
	return p.probe(ctx), nil
}

func (p *Prober) Watch(fn func(bool)) (func(), error) {
	if len(p.Addr) == 0 {
		return nil, errNoProbeAddr
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if err := pool.Sleep(ctx, p.interval()); err != nil {
				return
			}
			up := p.probe(ctx)
			if ctx.Err() != nil {
				return
			}
			fn(up)
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}, nil
}
