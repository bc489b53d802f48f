package broker

import (
	"strings"
	"sync"
)

// MemoryBroker is an in-process Broker used by tests and single-node
// development runs. Publish delivers synchronously to every matching
// subscription in subscription order, so per-subject ordering matches the
// NATS behavior the bridge depends on.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   []*memorySub
	closed bool
}

type memorySub struct {
	broker  *MemoryBroker
	pattern string
	handler Handler
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(subject string, data []byte) error {
	b.mu.RLock()
	matching := make([]*memorySub, 0, len(b.subs))
	for _, s := range b.subs {
		if subjectMatches(s.pattern, subject) {
			matching = append(matching, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matching {
		s.handler(subject, data)
	}
	return nil
}

// SubscribeToPattern implements Broker.
func (b *MemoryBroker) SubscribeToPattern(pattern string, h Handler) (Subscription, error) {
	sub := &memorySub{broker: b, pattern: pattern, handler: h}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// IsConnected implements Broker.
func (b *MemoryBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close implements Broker.
func (b *MemoryBroker) Close() {
	b.mu.Lock()
	b.closed = true
	b.subs = nil
	b.mu.Unlock()
}

// Unsubscribe implements Subscription.
func (s *memorySub) Unsubscribe() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	for i, existing := range s.broker.subs {
		if existing == s {
			s.broker.subs = append(s.broker.subs[:i], s.broker.subs[i+1:]...)
			break
		}
	}
	return nil
}

// subjectMatches implements NATS-style wildcards: "*" matches one token,
// ">" matches one or more trailing tokens.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")

	for i, pt := range pTokens {
		if pt == ">" {
			return i < len(sTokens)
		}
		if i >= len(sTokens) {
			return false
		}
		if pt != "*" && pt != sTokens[i] {
			return false
		}
	}
	return len(pTokens) == len(sTokens)
}
