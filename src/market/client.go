package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/rnts08/base-token-watch/src/metrics"
)

// ErrNoData means the market has no trading pair for the token.
var ErrNoData = errors.New("no market data")

type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindMalformed ErrorKind = "malformed"
)

// FetchError is a failed market request. Transient errors are worth retrying
// on the next scheduled check; malformed responses usually are not.
type FetchError struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("market fetch %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("market fetch %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Data is the normalized market view of a token, taken from its first pair.
type Data struct {
	PairCreatedAt *time.Time
	PriceChange5m *float64
	PriceChange1h *float64
	MarketCap     *float64
	PairAddress   string
	DexID         string
	LogoURI       string
	BannerURI     string
}

// HasPair reports whether the market listed at least one pair.
func (d *Data) HasPair() bool {
	return d != nil
}

// Moved reports a non-zero 5m or 1h price change.
func (d *Data) Moved() bool {
	if d == nil {
		return false
	}
	return (d.PriceChange5m != nil && *d.PriceChange5m != 0) ||
		(d.PriceChange1h != nil && *d.PriceChange1h != 0)
}

type tokensResponse struct {
	Pairs []pair `json:"pairs"`
}

type pair struct {
	PairAddress   string `json:"pairAddress"`
	DexID         string `json:"dexId"`
	PairCreatedAt *int64 `json:"pairCreatedAt"`
	PriceChange   struct {
		M5 *float64 `json:"m5"`
		H1 *float64 `json:"h1"`
	} `json:"priceChange"`
	MarketCap *float64 `json:"marketCap"`
}

type ClientConfig struct {
	BaseURL           string
	LogoBaseURL       string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

type Client struct {
	baseURL  string
	logoBase string
	http     *http.Client
	limiter  *rate.Limiter
	metrics  *metrics.PipelineMetrics
	log      zerolog.Logger
}

func NewClient(cfg ClientConfig, m *metrics.PipelineMetrics, log zerolog.Logger) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		logoBase: strings.TrimRight(cfg.LogoBaseURL, "/"),
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(limit, burst),
		metrics:  m,
		log:      log,
	}
}

// LogoURI is the deterministic logo location for a token.
func LogoURI(base, address string) string {
	return fmt.Sprintf("%s/%s.png", strings.TrimRight(base, "/"), strings.ToLower(address))
}

// BannerURI is the deterministic header image location for a token.
func BannerURI(base, address string) string {
	return fmt.Sprintf("%s/%s/header.png", strings.TrimRight(base, "/"), strings.ToLower(address))
}

// Fetch returns market data for address. It returns ErrNoData when the
// market lists no pairs, and a *FetchError for transport or decoding
// failures.
func (c *Client) Fetch(ctx context.Context, address string) (*Data, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{Kind: KindTransient, Err: err}
	}

	data, err := c.fetch(ctx, address)
	outcome := "ok"
	var fe *FetchError
	switch {
	case errors.Is(err, ErrNoData):
		outcome = "no_data"
	case errors.As(err, &fe):
		outcome = string(fe.Kind)
	}
	c.metrics.MarketFetches.WithLabelValues(outcome).Inc()
	return data, err
}

func (c *Client) fetch(ctx context.Context, address string) (*Data, error) {
	url := fmt.Sprintf("%s/tokens/%s", c.baseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindMalformed, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.MarketFetchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &FetchError{Kind: KindTransient, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		kind := KindTransient
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			kind = KindMalformed
		}
		return nil, &FetchError{Kind: kind, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	var body tokensResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &FetchError{Kind: KindMalformed, Status: resp.StatusCode, Err: err}
	}
	if len(body.Pairs) == 0 {
		return nil, ErrNoData
	}

	p := body.Pairs[0]
	d := &Data{
		PriceChange5m: p.PriceChange.M5,
		PriceChange1h: p.PriceChange.H1,
		MarketCap:     p.MarketCap,
		PairAddress:   p.PairAddress,
		DexID:         p.DexID,
	}
	if p.PairCreatedAt != nil && *p.PairCreatedAt > 0 {
		created := time.UnixMilli(*p.PairCreatedAt).UTC()
		d.PairCreatedAt = &created
	}
	if c.logoBase != "" {
		d.LogoURI = LogoURI(c.logoBase, address)
		d.BannerURI = BannerURI(c.logoBase, address)
	}
	return d, nil
}
