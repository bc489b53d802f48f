package hub

import "errors"

var (
	// ErrConnectionClosed is returned when an operation targets a
	// connection whose cleanup has begun. Once closing starts, no further
	// message may be delivered to that connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSubscriptionLimit is returned when a subscribe would exceed the
	// per-connection topic cap. The registry is left untouched.
	ErrSubscriptionLimit = errors.New("subscription limit exceeded")
)
