package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"ledgerworks/pkg/clients"
	"ledgerworks/pkg/logging"
)

// RateProvider supplies the current conversion rate for a currency pair.
// Implementations must not be called while a wallet lock is held.
type RateProvider interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// RateClient fetches rates from an external provider over HTTP.
type RateClient struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	logger      logging.Logger
	retryConfig clients.RetryConfig
}

// RateClientConfig configures the rate provider client.
type RateClientConfig struct {
	BaseURL              string
	APIKey               string
	Timeout              time.Duration
	Logger               logging.Logger
	RetryConfig          *clients.RetryConfig
	CircuitBreakerConfig *clients.CircuitBreakerConfig
}

// NewRateClient creates a rate provider client with retry and an optional
// circuit breaker.
func NewRateClient(config RateClientConfig) *RateClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	retryConfig := clients.DefaultRetryConfig()
	if config.RetryConfig != nil {
		retryConfig = *config.RetryConfig
	}
	if config.CircuitBreakerConfig != nil {
		retryConfig.CircuitBreaker = clients.NewCircuitBreaker(*config.CircuitBreakerConfig)
	}

	return &RateClient{
		baseURL:     config.BaseURL,
		apiKey:      config.APIKey,
		httpClient:  &http.Client{Timeout: config.Timeout},
		logger:      config.Logger,
		retryConfig: retryConfig,
	}
}

type rateResponse struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Rate decimal.Decimal `json:"rate"`
}

// Rate fetches the current rate for one currency pair.
func (c *RateClient) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/rates?from=%s&to=%s", c.baseURL, url.QueryEscape(from), url.QueryEscape(to))

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, req, c.retryConfig)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to call rate provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return decimal.Zero, fmt.Errorf("rate provider error (%d): %s", resp.StatusCode, string(body))
	}

	var out rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode rate response: %w", err)
	}
	if !out.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("rate provider returned non-positive rate %s for %s/%s", out.Rate, from, to)
	}
	return out.Rate, nil
}
