package ratesource

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"invoice-service/internal/config"
	"invoice-service/internal/rate"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const defaultTimeoutMs = 5_000

// Client queries the external rate aggregator for one pair at a time.
// It implements rate.Source; invoice creation fails closed when the
// aggregator is unreachable.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func New(cfg config.Rates, logger *slog.Logger) *Client {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}
	return &Client{
		baseURL: cfg.URL,
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		logger:  logger,
	}
}

type rateResponse struct {
	Rate decimal.Decimal `json:"rate"`
}

func (c *Client) GetRate(ctx context.Context, pair rate.Pair) (decimal.Decimal, error) {
	if c.baseURL == "" {
		return decimal.Zero, errors.New("rate source url is not configured")
	}

	url := fmt.Sprintf("%s/rates/%s", c.baseURL, pair)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "Error fetching rate", "pair", pair.String(), "error", err)
		return decimal.Zero, errors.Wrapf(err, "fetching rate for %s", pair)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, errors.Errorf("rate source returned %s for %s", resp.Status, pair)
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, errors.Wrapf(err, "decoding rate for %s", pair)
	}

	return body.Rate, nil
}
