package broker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stockwatch/feedgate/internal/feed"
	"github.com/stockwatch/feedgate/internal/monitoring"
)

// DeliverFunc hands a decoded envelope to the local fan-out layer. The
// hub implements it by offering the envelope to every subscriber's
// per-connection pipeline; it must return quickly (enqueue, not I/O).
type DeliverFunc func(topic string, env *feed.Envelope)

// BridgeConfig sizes the bridge worker pool.
type BridgeConfig struct {
	Workers   int
	QueueSize int
}

// Bridge subscribes to the shared broker's feed subjects and fans
// incoming envelopes into the local hub.
//
// Decode and delivery run on the worker pool, keyed by subject: the same
// topic always lands on the same worker, so the per-topic order received
// from the broker is the order subscribers see. Different topics spread
// across workers and do not block each other.
type Bridge struct {
	broker  Broker
	pool    *WorkerPool
	deliver DeliverFunc
	logger  zerolog.Logger
	sub     Subscription
}

// NewBridge wires a bridge. Start must be called before the hub accepts
// connections.
func NewBridge(cfg BridgeConfig, b Broker, deliver DeliverFunc, logger zerolog.Logger) *Bridge {
	return &Bridge{
		broker:  b,
		pool:    NewWorkerPool(cfg.Workers, cfg.QueueSize, logger),
		deliver: deliver,
		logger:  logger.With().Str("component", "bridge").Logger(),
	}
}

// Start subscribes to the feed pattern and launches the worker pool.
func (br *Bridge) Start(ctx context.Context) error {
	br.pool.Start(ctx)

	sub, err := br.broker.SubscribeToPattern(feed.SubjectPattern, func(subject string, data []byte) {
		monitoring.IncrementBrokerMessages()

		// Copy before handing off: NATS reuses the message buffer after
		// the callback returns.
		buf := make([]byte, len(data))
		copy(buf, data)

		br.pool.Submit(subject, func() {
			br.handle(subject, buf)
		})
	})
	if err != nil {
		return fmt.Errorf("bridge subscribe: %w", err)
	}
	br.sub = sub

	br.logger.Info().Str("pattern", feed.SubjectPattern).Msg("Bridge started")
	return nil
}

func (br *Bridge) handle(subject string, data []byte) {
	topic, err := feed.TopicFromSubject(subject)
	if err != nil {
		br.logger.Warn().Str("subject", subject).Msg("Dropping message on unknown subject")
		return
	}

	env, err := feed.ParseEnvelope(data)
	if err != nil {
		br.logger.Warn().Err(err).Str("subject", subject).Msg("Dropping malformed broker message")
		return
	}

	br.deliver(topic.String(), env)
}

// Stop unsubscribes from the broker. Worker goroutines exit with the
// context passed to Start.
func (br *Bridge) Stop() {
	if br.sub != nil {
		if err := br.sub.Unsubscribe(); err != nil {
			br.logger.Warn().Err(err).Msg("Bridge unsubscribe failed")
		}
	}
	br.logger.Info().Int64("dropped_tasks", br.pool.Dropped()).Msg("Bridge stopped")
}
