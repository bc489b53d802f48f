// Package broker connects the instance to the shared pub/sub layer that
// keeps all fan-out instances consistent. Every published envelope goes
// through the broker, including updates originating on this instance, so
// ordering per subject is decided in exactly one place.
package broker

// Handler receives a message for a subject. Handlers for a single
// subscription are invoked sequentially in arrival order; implementations
// must not block on slow work.
type Handler func(subject string, data []byte)

// Subscription is a live pattern subscription.
type Subscription interface {
	Unsubscribe() error
}

// Broker is the minimal pub/sub surface the distribution core needs.
// Production uses NATS; tests use the in-memory implementation. Delivery
// is at-most-once: a subscriber that is down misses messages, clients
// recover via sequence-gap detection and resubscribe.
type Broker interface {
	// Publish sends data on subject. Returns an error only for local
	// failures (closed connection, oversized payload); delivery is not
	// acknowledged.
	Publish(subject string, data []byte) error

	// SubscribeToPattern subscribes to a subject pattern (e.g. "feed.>").
	SubscribeToPattern(pattern string, h Handler) (Subscription, error)

	// IsConnected reports broker connectivity for health checks.
	IsConnected() bool

	// Close tears down the connection. Pending outbound messages are
	// flushed on a best-effort basis.
	Close()
}
