// Package conversation holds the user-visible message log and its snapshot
// subscriptions.
package conversation

import (
	"fmt"
	"sync"
	"time"
)

// Log is the ordered, append-only record of a conversation. The only
// non-append mutation is resolving the trailing Thinking placeholder.
//
// All methods are safe for concurrent use. Every mutation is published to
// subscribers as a full snapshot, in mutation order.
type Log struct {
	mu          sync.Mutex
	messages    []Message
	subscribers map[*Subscription]struct{}
	now         func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the clock used to stamp CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// NewLog returns an empty log.
func NewLog(opts ...Option) *Log {
	l := &Log{
		subscribers: map[*Subscription]struct{}{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append adds m to the end of the log.
func (l *Log) Append(m Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m.IsThinking() && m.Origin != OriginAssistant {
		return fmt.Errorf("%w: thinking message authored by %s", ErrInvariantViolation, m.Origin)
	}
	if l.trailingThinking() {
		if m.IsThinking() {
			return fmt.Errorf("%w: a thinking message is already pending", ErrInvariantViolation)
		}
		return fmt.Errorf("%w: cannot append behind a pending thinking message", ErrInvariantViolation)
	}
	l.push(m)
	l.publish()
	return nil
}

// ReplaceTrailingThinking removes the trailing placeholder and appends m in
// its place, as one atomic step.
func (l *Log) ReplaceTrailingThinking(m Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.trailingThinking() {
		return ErrNotFound
	}
	if m.IsThinking() {
		return fmt.Errorf("%w: replacement must be final", ErrInvariantViolation)
	}
	l.messages = l.messages[:len(l.messages)-1]
	l.push(m)
	l.publish()
	return nil
}

// RemoveTrailingThinking removes and returns the trailing placeholder.
func (l *Log) RemoveTrailingThinking() (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.trailingThinking() {
		return Message{}, ErrNotFound
	}
	last := l.messages[len(l.messages)-1]
	l.messages = l.messages[:len(l.messages)-1]
	l.publish()
	return last, nil
}

// Clear empties the log.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.messages = nil
	l.publish()
}

// Snapshot returns a copy of the log at call time.
func (l *Log) Snapshot() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.copyLocked()
}

// Len returns the number of messages.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// Subscribe registers a new subscriber. The current snapshot is queued for it
// before Subscribe returns, so the first value received reflects the log at
// subscription time, even if empty.
func (l *Log) Subscribe() *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := newSubscription(l)
	l.subscribers[s] = struct{}{}
	s.enqueue(l.copyLocked())
	return s
}

func (l *Log) unsubscribe(s *Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subscribers, s)
}

func (l *Log) trailingThinking() bool {
	return len(l.messages) > 0 && l.messages[len(l.messages)-1].IsThinking()
}

// push stamps CreatedAt and appends. CreatedAt never decreases along the log.
func (l *Log) push(m Message) {
	m.CreatedAt = l.now()
	if n := len(l.messages); n > 0 {
		if prev := l.messages[n-1].CreatedAt; m.CreatedAt.Before(prev) {
			m.CreatedAt = prev
		}
	}
	l.messages = append(l.messages, m)
}

func (l *Log) publish() {
	for s := range l.subscribers {
		s.enqueue(l.copyLocked())
	}
}

func (l *Log) copyLocked() []Message {
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}
