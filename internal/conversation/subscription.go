package conversation

import "sync"

// Subscription delivers log snapshots in mutation order. Snapshots are queued
// per subscription, so a slow reader never stalls writers to the Log.
type Subscription struct {
	log  *Log
	ch   chan []Message
	done chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]Message
	closed bool

	closeOnce sync.Once
}

func newSubscription(l *Log) *Subscription {
	s := &Subscription{
		log:  l,
		ch:   make(chan []Message),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// C returns the channel snapshots are delivered on. It is closed once the
// subscription is closed.
func (s *Subscription) C() <-chan []Message {
	return s.ch
}

// Close stops delivery. Snapshots still queued are dropped.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.log.unsubscribe(s)
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		s.cond.Broadcast()
	})
}

func (s *Subscription) enqueue(snapshot []Message) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, snapshot)
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- next:
		case <-s.done:
			return
		}
	}
}
