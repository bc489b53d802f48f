package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureSink struct {
	mu       sync.Mutex
	messages map[string][]*Envelope // subject -> envelopes in publish order
}

func newCaptureSink() *captureSink {
	return &captureSink{messages: make(map[string][]*Envelope)}
}

func (s *captureSink) Publish(subject string, data []byte) error {
	env, err := ParseEnvelope(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.messages[subject] = append(s.messages[subject], env)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) get(subject string) []*Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[subject]
}

type stubProvider struct {
	quotes []Quote
	err    error
	calls  int
}

func (p *stubProvider) FetchQuotes(ctx context.Context, symbols []string) ([]Quote, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.quotes, nil
}

func newTestPublisher(provider Provider, sink Sink) *Publisher {
	guard := NewGuard(GuardConfig{QuotaRate: 1000, QuotaBurst: 1000}, zerolog.Nop())
	return NewPublisher(PublisherConfig{
		Symbols: []string{"AAPL"},
	}, provider, guard, sink, zerolog.Nop())
}

func TestPublisherFansOutToAllTopics(t *testing.T) {
	sink := newCaptureSink()
	provider := &stubProvider{quotes: []Quote{{
		Symbol: "AAPL",
		Market: "NASDAQ",
		Sector: "TECH",
		Price:  187.3,
		Change: 1.2,
		Volume: 1000,
		AsOf:   time.Now().UnixMilli(),
	}}}
	p := newTestPublisher(provider, sink)

	p.poll(context.Background())

	for _, subject := range []string{"feed.instrument.AAPL", "feed.market.NASDAQ", "feed.sector.TECH"} {
		envs := sink.get(subject)
		if len(envs) != 1 {
			t.Fatalf("subject %s: got %d envelopes, want 1", subject, len(envs))
		}
		if envs[0].Type != TypePriceUpdate {
			t.Errorf("subject %s: type = %s, want price_update", subject, envs[0].Type)
		}
		var payload PricePayload
		if err := json.Unmarshal(envs[0].Payload, &payload); err != nil {
			t.Fatalf("subject %s: decode payload: %v", subject, err)
		}
		if payload.Symbol != "AAPL" || payload.Price != 187.3 {
			t.Errorf("subject %s: payload = %+v", subject, payload)
		}
	}
}

func TestPublisherSequencesPerTopic(t *testing.T) {
	sink := newCaptureSink()
	provider := &stubProvider{quotes: []Quote{{Symbol: "AAPL", Price: 100, AsOf: 1}}}
	p := newTestPublisher(provider, sink)

	for i := 0; i < 5; i++ {
		p.poll(context.Background())
	}

	envs := sink.get("feed.instrument.AAPL")
	if len(envs) != 5 {
		t.Fatalf("got %d envelopes, want 5", len(envs))
	}
	for i, env := range envs {
		if env.Sequence != int64(i+1) {
			t.Errorf("envelope %d: sequence = %d, want %d", i, env.Sequence, i+1)
		}
	}
}

func TestPublisherEmitsOrderbookOnInstrumentOnly(t *testing.T) {
	sink := newCaptureSink()
	provider := &stubProvider{quotes: []Quote{{
		Symbol: "AAPL",
		Market: "NASDAQ",
		Price:  100,
		Bids:   []Level{{Price: 99.9, Size: 10}},
		Asks:   []Level{{Price: 100.1, Size: 5}},
		AsOf:   1,
	}}}
	p := newTestPublisher(provider, sink)

	p.poll(context.Background())

	instrument := sink.get("feed.instrument.AAPL")
	if len(instrument) != 2 {
		t.Fatalf("instrument topic: got %d envelopes, want price + orderbook", len(instrument))
	}
	if instrument[1].Type != TypeOrderbookUpdate {
		t.Errorf("second instrument envelope type = %s, want orderbook_update", instrument[1].Type)
	}

	for _, env := range sink.get("feed.market.NASDAQ") {
		if env.Type == TypeOrderbookUpdate {
			t.Error("orderbook envelope leaked to market topic")
		}
	}
}

func TestPublisherAbsorbsProviderFailure(t *testing.T) {
	sink := newCaptureSink()
	provider := &stubProvider{err: errors.New("connection refused")}
	p := newTestPublisher(provider, sink)

	// Must not panic and must not publish anything.
	p.poll(context.Background())

	if got := sink.get("feed.instrument.AAPL"); len(got) != 0 {
		t.Fatalf("published %d envelopes despite provider failure", len(got))
	}
}

func TestPublisherStatusReflectsCircuit(t *testing.T) {
	sink := newCaptureSink()
	guard := NewGuard(GuardConfig{QuotaRate: 1000, QuotaBurst: 1000, FailureThreshold: 1, Cooldown: time.Minute}, zerolog.Nop())
	provider := &stubProvider{err: errors.New("down")}
	p := NewPublisher(PublisherConfig{Symbols: []string{"AAPL"}}, provider, guard, sink, zerolog.Nop())

	p.publishStatus()
	p.poll(context.Background()) // trips the 1-failure circuit
	p.publishStatus()

	envs := sink.get("feed.status")
	if len(envs) != 2 {
		t.Fatalf("got %d status envelopes, want 2", len(envs))
	}

	var before, after StatusPayload
	if err := json.Unmarshal(envs[0].Payload, &before); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(envs[1].Payload, &after); err != nil {
		t.Fatal(err)
	}
	if before.Delayed {
		t.Error("status delayed before any failure")
	}
	if !after.Delayed {
		t.Error("status not delayed while circuit open")
	}
}
