package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrMalformedPayload is returned when the provider responds with bytes
// that do not decode into valid quotes. The guard counts it as a provider
// failure like any transport error.
var ErrMalformedPayload = errors.New("malformed provider payload")

// Quote is a normalized upstream snapshot for one instrument. Market and
// Sector drive multi-topic fan-out; Bids/Asks are present only when the
// provider includes book levels.
type Quote struct {
	Symbol string  `json:"symbol"`
	Market string  `json:"market"`
	Sector string  `json:"sector"`
	Price  float64 `json:"price"`
	Change float64 `json:"change"`
	Volume int64   `json:"volume"`
	Bids   []Level `json:"bids,omitempty"`
	Asks   []Level `json:"asks,omitempty"`
	AsOf   int64   `json:"asOf"`
}

// Provider is the upstream market-data source. Implementations must be
// safe for concurrent use; the publisher serializes calls through the
// guard but tests may not.
type Provider interface {
	// FetchQuotes returns current snapshots for the given symbols.
	// A malformed response is reported as ErrMalformedPayload.
	FetchQuotes(ctx context.Context, symbols []string) ([]Quote, error)
}

// HTTPProvider fetches quotes from a REST snapshot endpoint:
//
//	GET {base}/quotes?symbols=AAPL,MSFT
//	-> {"quotes": [{"symbol": "AAPL", "price": 187.3, ...}, ...]}
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPProvider creates a provider client. The timeout bounds the whole
// request including body read; the guard's failure counting depends on
// slow responses eventually erroring out instead of hanging.
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) *HTTPProvider {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "provider").Logger(),
	}
}

// FetchQuotes implements Provider.
func (p *HTTPProvider) FetchQuotes(ctx context.Context, symbols []string) ([]Quote, error) {
	endpoint := p.baseURL + "/quotes?symbols=" + url.QueryEscape(strings.Join(symbols, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little of the body for the log, then discard.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		p.logger.Warn().
			Int("status", resp.StatusCode).
			Str("body", string(body)).
			Msg("Provider returned non-200")
		return nil, fmt.Errorf("provider status %d", resp.StatusCode)
	}

	var decoded struct {
		Quotes []Quote `json:"quotes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	for i := range decoded.Quotes {
		if err := validateQuote(&decoded.Quotes[i]); err != nil {
			return nil, err
		}
	}

	return decoded.Quotes, nil
}

func validateQuote(q *Quote) error {
	if q.Symbol == "" {
		return fmt.Errorf("%w: quote without symbol", ErrMalformedPayload)
	}
	if q.Price <= 0 {
		return fmt.Errorf("%w: non-positive price for %s", ErrMalformedPayload, q.Symbol)
	}
	if q.AsOf == 0 {
		q.AsOf = time.Now().UnixMilli()
	}
	return nil
}
