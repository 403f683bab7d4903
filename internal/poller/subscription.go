package poller

import "sync"

// Subscription is one consumer of an instance's polling loop. Updates is
// unbuffered; after Cancel returns nothing more is delivered.
type Subscription struct {
	updates  chan Update
	stop     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	closed bool

	// hooks are guarded separately: deliver holds mu while it blocks
	hookMu    sync.Mutex
	cancelled bool
	detach    func()
	release   func()
}

func newSubscription() *Subscription {
	return &Subscription{
		updates: make(chan Update),
		stop:    make(chan struct{}),
	}
}

// Updates streams observations. The channel is closed when the subscription
// ends for any reason.
func (s *Subscription) Updates() <-chan Update {
	return s.updates
}

// Done is closed once Cancel has been called.
func (s *Subscription) Done() <-chan struct{} {
	return s.stop
}

// Cancel ends the subscription. It is safe to call more than once and from
// any goroutine.
func (s *Subscription) Cancel() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.close()

	s.hookMu.Lock()
	s.cancelled = true
	detach, release := s.detach, s.release
	s.detach, s.release = nil, nil
	s.hookMu.Unlock()

	if detach != nil {
		detach()
	}
	if release != nil {
		release()
	}
}

// bind stores a cleanup hook, or runs it at once when the subscription was
// already cancelled.
func (s *Subscription) bind(hook *func(), fn func()) {
	s.hookMu.Lock()
	if !s.cancelled {
		*hook = fn
		s.hookMu.Unlock()
		return
	}
	s.hookMu.Unlock()
	fn()
}

func (s *Subscription) deliver(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- u:
	case <-s.stop:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.updates)
}
