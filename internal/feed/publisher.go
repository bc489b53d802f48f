package feed

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/stockwatch/feedgate/internal/monitoring"
)

// Sink is where the publisher hands off serialized envelopes. The shared
// broker satisfies it; tests use an in-memory capture.
type Sink interface {
	Publish(subject string, data []byte) error
}

// PublisherConfig holds the polling schedule and instrument universe.
type PublisherConfig struct {
	// Symbols is the instrument universe this instance polls.
	Symbols []string
	// PollInterval is the gap between provider polls.
	PollInterval time.Duration
	// StatusInterval is the gap between market_status publications.
	StatusInterval time.Duration
}

// Publisher polls the upstream provider through the guard, normalizes
// quotes into envelopes, and publishes them to the shared broker.
//
// Topic fan-out: one quote becomes a price_update on instrument:SYM,
// market:MKT and sector:SEC (when the quote carries those fields), each
// with its own sequence counter. Orderbook levels additionally become an
// orderbook_update on the instrument topic only - book data is meaningless
// at market or sector granularity.
//
// Publish order per topic matches sequence order: each topic's envelopes
// are built and published from the single poll goroutine, so sequence N
// always reaches the broker before N+1.
type Publisher struct {
	cfg      PublisherConfig
	provider Provider
	guard    *Guard
	sink     Sink
	seqs     *SequenceTracker
	logger   zerolog.Logger
}

// NewPublisher wires a publisher. The guard is shared with the health
// endpoint so circuit state shows up in /health and in status envelopes.
func NewPublisher(cfg PublisherConfig, provider Provider, guard *Guard, sink Sink, logger zerolog.Logger) *Publisher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = 15 * time.Second
	}
	return &Publisher{
		cfg:      cfg,
		provider: provider,
		guard:    guard,
		sink:     sink,
		seqs:     NewSequenceTracker(),
		logger:   logger.With().Str("component", "publisher").Logger(),
	}
}

// Run polls until ctx is cancelled. Guard denials and provider errors are
// absorbed: clients keep the last published values and learn about
// staleness from market_status envelopes.
func (p *Publisher) Run(ctx context.Context) {
	p.logger.Info().
		Int("symbols", len(p.cfg.Symbols)).
		Dur("poll_interval", p.cfg.PollInterval).
		Msg("Publisher started")

	pollTicker := time.NewTicker(p.cfg.PollInterval)
	statusTicker := time.NewTicker(p.cfg.StatusInterval)
	defer pollTicker.Stop()
	defer statusTicker.Stop()

	// Publish an initial status so fresh subscribers see market phase
	// without waiting a full interval.
	p.publishStatus()

	for {
		select {
		case <-pollTicker.C:
			p.poll(ctx)
		case <-statusTicker.C:
			p.publishStatus()
		case <-ctx.Done():
			p.logger.Info().Msg("Publisher stopped")
			return
		}
	}
}

func (p *Publisher) poll(ctx context.Context) {
	var quotes []Quote
	err := p.guard.Do(ctx, func(ctx context.Context) error {
		var ferr error
		quotes, ferr = p.provider.FetchQuotes(ctx, p.cfg.Symbols)
		return ferr
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrQuotaExceeded):
			p.logger.Debug().Msg("Poll skipped: quota exhausted")
		case errors.Is(err, ErrCircuitOpen):
			p.logger.Debug().Msg("Poll skipped: circuit open")
		default:
			p.logger.Warn().Err(err).Msg("Provider poll failed")
		}
		return
	}

	for i := range quotes {
		p.publishQuote(&quotes[i])
	}
}

// publishQuote fans one quote out to every applicable topic.
func (p *Publisher) publishQuote(q *Quote) {
	price := PricePayload{
		Symbol: q.Symbol,
		Price:  q.Price,
		Change: q.Change,
		Volume: q.Volume,
		AsOf:   q.AsOf,
	}
	payload, err := json.Marshal(price)
	if err != nil {
		p.logger.Error().Err(err).Str("symbol", q.Symbol).Msg("Failed to encode price payload")
		return
	}

	topics := []Topic{{Kind: TopicInstrument, Code: q.Symbol}}
	if q.Market != "" {
		topics = append(topics, Topic{Kind: TopicMarket, Code: q.Market})
	}
	if q.Sector != "" {
		topics = append(topics, Topic{Kind: TopicSector, Code: q.Sector})
	}

	for _, t := range topics {
		p.publish(t, TypePriceUpdate, payload)
	}

	if len(q.Bids) > 0 || len(q.Asks) > 0 {
		book := OrderbookPayload{Symbol: q.Symbol, Bids: q.Bids, Asks: q.Asks, AsOf: q.AsOf}
		bookPayload, err := json.Marshal(book)
		if err != nil {
			p.logger.Error().Err(err).Str("symbol", q.Symbol).Msg("Failed to encode orderbook payload")
			return
		}
		p.publish(Topic{Kind: TopicInstrument, Code: q.Symbol}, TypeOrderbookUpdate, bookPayload)
	}
}

func (p *Publisher) publishStatus() {
	payload, err := json.Marshal(StatusPayload{
		Phase:   marketPhase(time.Now().UTC()),
		Delayed: p.guard.State() != CircuitClosed,
		AsOf:    time.Now().UnixMilli(),
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to encode status payload")
		return
	}
	p.publish(Topic{Kind: TopicStatus}, TypeMarketStatus, payload)
}

func (p *Publisher) publish(t Topic, typ MessageType, payload json.RawMessage) {
	topic := t.String()
	env := Envelope{
		Type:      typ,
		Topic:     topic,
		Payload:   payload,
		Sequence:  p.seqs.Next(topic),
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := env.Serialize()
	if err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("Failed to serialize envelope")
		return
	}
	if err := p.sink.Publish(t.Subject(), data); err != nil {
		p.logger.Warn().Err(err).Str("topic", topic).Msg("Broker publish failed")
		return
	}
	monitoring.IncrementPublished(string(typ))
}

// marketPhase derives the coarse US equities session phase from wall
// clock time. Weekends report "closed"; holidays are not modeled here,
// downstream consumers treat phase as advisory.
func marketPhase(now time.Time) string {
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return "closed"
	}
	// Regular session 13:30-20:00 UTC (09:30-16:00 ET, ignoring DST skew).
	minutes := now.Hour()*60 + now.Minute()
	switch {
	case minutes >= 8*60 && minutes < 13*60+30:
		return "pre"
	case minutes >= 13*60+30 && minutes < 20*60:
		return "open"
	case minutes >= 20*60 && minutes < 24*60:
		return "post"
	default:
		return "closed"
	}
}
