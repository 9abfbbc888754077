package safe_close

import "sync"

// SafeClose tracks the goroutines of a long-lived object so that
// CloseWait returns only after all of them exited.
//
// The owner calls Done once its own shutdown is finished. Workers are
// started with Attach or Go and must return after ReceiveCloseSignal
// fires. CloseWait must not be called from an attached goroutine.
type SafeClose struct {
	m           sync.Mutex
	wg          sync.WaitGroup
	closeSignal chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
	closeErr    error
}

func NewSafeClose() *SafeClose {
	return &SafeClose{
		closeSignal: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// CloseWait sends the close signal and blocks until Done was called
// and every attached goroutine returned. Safe to call more than once.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
	<-s.done
}

// SendCloseSignal closes the signal channel. The first non-nil err is
// kept and reported by Err.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()

	select {
	case <-s.closeSignal:
	default:
		if err != nil {
			s.closeErr = err
		}
		close(s.closeSignal)
	}
}

func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closeSignal
}

// Closed reports whether the close signal was sent.
func (s *SafeClose) Closed() bool {
	select {
	case <-s.closeSignal:
		return true
	default:
		return false
	}
}

// Attach runs f in a new goroutine tracked by CloseWait. f must call
// done before returning. It reports false, without running f, if s
// is already closed.
func (s *SafeClose) Attach(f func(done func(), closeSignal <-chan struct{})) bool {
	s.m.Lock()
	select {
	case <-s.closeSignal:
		s.m.Unlock()
		return false
	default:
		s.wg.Add(1)
	}
	s.m.Unlock()

	go f(s.wg.Done, s.closeSignal)
	return true
}

// Go is Attach for short tasks that do not need the done callback.
func (s *SafeClose) Go(f func(closeSignal <-chan struct{})) bool {
	return s.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		f(closeSignal)
	})
}

// Done marks the owner as finished. Safe to call more than once.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
