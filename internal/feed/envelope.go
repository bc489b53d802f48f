package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MessageType discriminates server-to-client messages. Dispatch happens on
// this tag everywhere an envelope crosses a boundary (broker, fan-out,
// client pipeline).
type MessageType string

const (
	TypePriceUpdate     MessageType = "price_update"
	TypeOrderbookUpdate MessageType = "orderbook_update"
	TypeMarketStatus    MessageType = "market_status"
	TypeError           MessageType = "error"
	TypePong            MessageType = "pong"
	TypeAck             MessageType = "ack"
)

// ErrMalformedEnvelope is returned when broker or client bytes do not
// decode into a valid envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the unit of delivery to clients and across the broker.
//
// Sequence is monotonically increasing per topic and exists purely for
// client-side gap detection. The server never reorders or retransmits;
// a client that observes a gap resubscribes or requests a fresh snapshot
// out of band.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sequence  int64           `json:"sequence,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// IsData reports whether the envelope is a droppable market-data message.
// Data messages may be coalesced, rate limited, and shed under
// backpressure. Everything else (status, errors, pongs, acks) must reach
// the client.
func (e *Envelope) IsData() bool {
	return e.Type == TypePriceUpdate || e.Type == TypeOrderbookUpdate
}

// Serialize encodes the envelope for the wire.
func (e *Envelope) Serialize() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("serialize envelope: %w", err)
	}
	return data, nil
}

// ParseEnvelope decodes and validates envelope bytes received from the
// broker. Unknown types are rejected rather than forwarded blindly.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	switch e.Type {
	case TypePriceUpdate, TypeOrderbookUpdate, TypeMarketStatus, TypeError, TypePong, TypeAck:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, e.Type)
	}
	return &e, nil
}

// Level is one side level of an orderbook snapshot.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// PricePayload is the payload of a price_update envelope.
type PricePayload struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Change float64 `json:"change"`
	Volume int64   `json:"volume"`
	AsOf   int64   `json:"asOf"`
}

// OrderbookPayload is the payload of an orderbook_update envelope.
type OrderbookPayload struct {
	Symbol string  `json:"symbol"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
	AsOf   int64   `json:"asOf"`
}

// StatusPayload is the payload of a market_status envelope.
//
// Delayed is raised while the upstream circuit is open so clients can
// surface staleness instead of presenting old prices as live.
type StatusPayload struct {
	Phase   string `json:"phase"`
	Delayed bool   `json:"delayed"`
	AsOf    int64  `json:"asOf"`
}

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes delivered to clients. These are recoverable protocol errors;
// fatal conditions close the connection with a close frame instead.
const (
	ErrCodeAuthRequired      = "auth_required"
	ErrCodeSubscriptionLimit = "subscription_limit"
	ErrCodeUnknownTopic      = "unknown_topic"
	ErrCodeMalformedMessage  = "malformed_message"
	ErrCodeRateLimited       = "rate_limited"
)

// NewErrorEnvelope builds an error envelope ready for delivery.
func NewErrorEnvelope(code, message string) *Envelope {
	payload, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return &Envelope{
		Type:      TypeError,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// SequenceTracker hands out per-topic monotonically increasing sequence
// numbers. Counters are never reset for the lifetime of the process; a
// restart restarts sequences, which clients treat like any other gap.
type SequenceTracker struct {
	seqs sync.Map // topic string -> *int64
}

// NewSequenceTracker creates an empty tracker.
func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{}
}

// Next returns the next sequence number for topic. Safe for concurrent
// use; each topic advances independently.
func (t *SequenceTracker) Next(topic string) int64 {
	v, ok := t.seqs.Load(topic)
	if !ok {
		v, _ = t.seqs.LoadOrStore(topic, new(int64))
	}
	return atomic.AddInt64(v.(*int64), 1)
}

// Current returns the last sequence issued for topic (0 if none).
func (t *SequenceTracker) Current(topic string) int64 {
	v, ok := t.seqs.Load(topic)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v.(*int64))
}
