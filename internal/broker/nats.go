package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/stockwatch/feedgate/internal/monitoring"
)

// NATSConfig holds connection settings for the shared NATS broker.
type NATSConfig struct {
	URL string

	// Reconnection behavior. MaxReconnects < 0 retries forever; the
	// distribution core must outlive broker restarts without operator
	// intervention.
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration

	// Health checking
	PingInterval time.Duration
	MaxPingsOut  int

	Logger zerolog.Logger
}

// NATSBroker implements Broker on a NATS connection.
type NATSBroker struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// ConnectNATS establishes the broker connection with reconnect handlers
// wired into logging and metrics.
func ConnectNATS(cfg NATSConfig) (*NATSBroker, error) {
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.ReconnectJitter == 0 {
		cfg.ReconnectJitter = 500 * time.Millisecond
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MaxPingsOut == 0 {
		cfg.MaxPingsOut = 3
	}

	logger := cfg.Logger.With().Str("component", "nats").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter*2),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.ConnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			monitoring.IncrementBrokerReconnects()
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error().Err(err).Str("subject", subject).Msg("NATS async error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	return &NATSBroker{conn: conn, logger: logger}, nil
}

// Publish implements Broker.
func (b *NATSBroker) Publish(subject string, data []byte) error {
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// SubscribeToPattern implements Broker. NATS invokes the handler from a
// single goroutine per subscription, preserving per-subject order.
func (b *NATSBroker) SubscribeToPattern(pattern string, h Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(pattern, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", pattern, err)
	}
	b.logger.Info().Str("pattern", pattern).Msg("Subscribed")
	return sub, nil
}

// IsConnected implements Broker.
func (b *NATSBroker) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close implements Broker. Drain flushes buffered messages and lets
// in-flight handler callbacks finish before closing.
func (b *NATSBroker) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn().Err(err).Msg("NATS drain failed, closing hard")
		b.conn.Close()
	}
}

// WaitForConnection blocks until the broker is connected or ctx expires.
// Used at startup so the hub does not accept clients before the bridge
// can deliver to them.
func (b *NATSBroker) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.IsConnected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for NATS connection: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
