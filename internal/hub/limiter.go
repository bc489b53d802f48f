package hub

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stockwatch/feedgate/internal/feed"
	"github.com/stockwatch/feedgate/internal/monitoring"
)

// LimiterConfig tunes the per-connection outbound shaping.
type LimiterConfig struct {
	// Rate is the sustained data messages/sec allowed to one connection.
	Rate float64
	// Burst is the bucket capacity.
	Burst int
	// Window is the coalescing window for updates on the same topic.
	Window time.Duration
}

// Limiter shapes the market-data stream for one connection: a token
// bucket caps the sustained message rate and a per-topic coalescing
// window merges rapid-fire updates into the latest value.
//
// Behavior per data message:
//   - Window closed for the topic: consume a token and emit immediately,
//     then open the window. No token -> the message is dropped, never
//     queued (a delayed price is worse than a skipped one; the next
//     update supersedes it anyway).
//   - Window open: stage the message as the topic's pending value,
//     replacing any previous pending. When the window expires the latest
//     pending is emitted (consuming a token) and the window re-opens.
//
// Ordering: the immediate emit and the later flush both go through the
// same emit path in arrival order, so a client never observes sequence
// numbers moving backwards on a topic.
//
// Status, error, pong and ack messages bypass the limiter entirely.
type Limiter struct {
	cfg    LimiterConfig
	bucket *rate.Limiter
	emit   func(env *feed.Envelope)

	mu      sync.Mutex
	slots   map[string]*coalesceSlot
	stopped bool

	throttled int64
	coalesced int64
}

type coalesceSlot struct {
	open    bool
	pending *feed.Envelope
}

// NewLimiter creates a limiter that hands shaped messages to emit.
func NewLimiter(cfg LimiterConfig, emit func(env *feed.Envelope)) *Limiter {
	if cfg.Rate == 0 {
		cfg.Rate = 100
	}
	if cfg.Burst == 0 {
		cfg.Burst = 100
	}
	if cfg.Window == 0 {
		cfg.Window = 100 * time.Millisecond
	}
	return &Limiter{
		cfg:    cfg,
		bucket: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		emit:   emit,
		slots:  make(map[string]*coalesceSlot),
	}
}

// Offer feeds one envelope through the limiter.
func (l *Limiter) Offer(env *feed.Envelope) {
	if !env.IsData() {
		l.emit(env)
		return
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}

	slot := l.slots[env.Topic]
	if slot == nil {
		slot = &coalesceSlot{}
		l.slots[env.Topic] = slot
	}

	if slot.open {
		// Latest value wins within the window.
		if slot.pending != nil {
			l.coalesced++
			monitoring.IncrementCoalesced()
		}
		slot.pending = env
		l.mu.Unlock()
		return
	}

	if !l.bucket.Allow() {
		l.throttled++
		l.mu.Unlock()
		monitoring.IncrementDropped("throttled")
		return
	}

	slot.open = true
	topic := env.Topic
	l.mu.Unlock()

	l.emit(env)
	time.AfterFunc(l.cfg.Window, func() { l.flush(topic) })
}

// flush runs at window expiry: emit the latest pending update if the
// bucket allows, and keep the window open only while there is traffic.
func (l *Limiter) flush(topic string) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	slot := l.slots[topic]
	if slot == nil {
		l.mu.Unlock()
		return
	}

	pending := slot.pending
	slot.pending = nil

	if pending == nil {
		// Quiet window: close it so the next update goes out immediately.
		slot.open = false
		l.mu.Unlock()
		return
	}

	if !l.bucket.Allow() {
		l.throttled++
		slot.open = false
		l.mu.Unlock()
		monitoring.IncrementDropped("throttled")
		return
	}

	l.mu.Unlock()

	l.emit(pending)
	time.AfterFunc(l.cfg.Window, func() { l.flush(topic) })
}

// Stop discards pending state. Flush timers still fire but become no-ops.
func (l *Limiter) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.slots = nil
	l.mu.Unlock()
}

// Throttled returns the count of data messages dropped by the bucket.
func (l *Limiter) Throttled() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.throttled
}
