// Package ratefeed implements ltvmonitor.RateSource over CoinGecko's
// public simple-price HTTP endpoint, the same plain net/http-plus-JSON
// shape the pack's own oracle adapters use for an external price feed
// rather than reaching for a dedicated HTTP client or oracle library.
package ratefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultEndpoint = "https://api.coingecko.com/api/v3/simple/price"
	defaultAssetID  = "bitcoin"
	defaultCurrency = "eur"
)

// CoinGecko polls CoinGecko's simple-price endpoint for the current
// BTC/EUR spot rate. Satisfies ltvmonitor.RateSource.
type CoinGecko struct {
	client   *http.Client
	endpoint string
	assetID  string
	currency string
}

// Option customizes a CoinGecko source away from its defaults.
type Option func(*CoinGecko)

// WithEndpoint overrides the simple-price URL, for pointing at a
// self-hosted proxy instead of the public API.
func WithEndpoint(endpoint string) Option {
	return func(c *CoinGecko) { c.endpoint = endpoint }
}

// WithHTTPClient overrides the HTTP client, for tests and custom
// timeouts/proxies.
func WithHTTPClient(client *http.Client) Option {
	return func(c *CoinGecko) { c.client = client }
}

// New constructs a CoinGecko rate source for the BTC/EUR pair.
func New(opts ...Option) *CoinGecko {
	c := &CoinGecko{
		client:   &http.Client{Timeout: 10 * time.Second},
		endpoint: defaultEndpoint,
		assetID:  defaultAssetID,
		currency: defaultCurrency,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SpotRateEUR fetches the current EUR-per-BTC price. An error (network
// failure, malformed response, missing quote) means the caller must
// skip this cycle rather than act on a stale or fabricated price, per
// spec.md §4.10 step 1.
func (c *CoinGecko) SpotRateEUR(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("ratefeed: building request: %w", err)
	}
	values := url.Values{}
	values.Set("ids", c.assetID)
	values.Set("vs_currencies", c.currency)
	req.URL.RawQuery = values.Encode()

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ratefeed: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("ratefeed: status %d: %s", resp.StatusCode, body)
	}

	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return 0, fmt.Errorf("ratefeed: decoding response: %w", err)
	}

	entry, ok := payload[c.assetID]
	if !ok {
		return 0, fmt.Errorf("ratefeed: response missing asset %q", c.assetID)
	}
	raw, ok := entry[c.currency]
	if !ok {
		return 0, fmt.Errorf("ratefeed: response missing currency %q", c.currency)
	}
	rate, err := strconv.ParseFloat(raw.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("ratefeed: parsing rate: %w", err)
	}
	if rate <= 0 {
		return 0, fmt.Errorf("ratefeed: non-positive rate %v", rate)
	}
	return rate, nil
}
