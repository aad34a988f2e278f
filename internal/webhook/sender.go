package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"invoice-service/internal/config"
)

const defaultTimeoutMs = 10_000

// Sender posts one signed delivery payload. A non-2xx response, a
// transport error and a timeout are all the same thing to the caller:
// a failed attempt.
type Sender struct {
	client *http.Client
	logger *slog.Logger
}

func NewSender(cfg config.WebhookSender, logger *slog.Logger) *Sender {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = config.GetInt("WEBHOOK_TIMEOUT_MS", defaultTimeoutMs)
	}
	return &Sender{
		client: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		logger: logger,
	}
}

// Send returns the HTTP status code when a response was received (0
// otherwise) for the attempt log.
func (s *Sender) Send(ctx context.Context, url, secret, payload string) (int, error) {
	body := []byte(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(secret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error sending webhook", "url", url, "error", err)
		return 0, err
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.WarnContext(ctx, "Webhook endpoint returned error", "url", url, "status", resp.Status)
		return resp.StatusCode, fmt.Errorf("error response: %s", resp.Status)
	}

	s.logger.InfoContext(ctx, "Webhook delivered", "url", url, "status", resp.Status)
	return resp.StatusCode, nil
}
