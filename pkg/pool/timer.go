package pool

import (
	"context"
	"sync"
	"time"
)

var timerPool = sync.Pool{}

// GetTimer gets a stopped-and-drained timer from the pool and arms it with d.
func GetTimer(d time.Duration) *time.Timer {
	t, ok := timerPool.Get().(*time.Timer)
	if !ok {
		return time.NewTimer(d)
	}
	stopAndDrain(t)
	t.Reset(d)
	return t
}

// ReleaseTimer stops t and puts it back to the pool.
// t must not be used after.
func ReleaseTimer(t *time.Timer) {
	if t == nil {
		return
	}
	stopAndDrain(t)
	timerPool.Put(t)
}

// Sleep waits for d or until ctx is done, whichever comes first.
// It returns ctx.Err() if ctx ended the wait.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := GetTimer(d)
	defer ReleaseTimer(t)
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func stopAndDrain(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
