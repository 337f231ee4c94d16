package sentry

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

const (
	sentryVersion = "7"
	// ClientName and ClientVersion identify this reporter to the server
	ClientName    = "sentry-reporter-go"
	ClientVersion = "1.0.0"

	rateLimitCategory = "error"
)

// HTTPTransport turns serialized events into store API requests and
// interprets the responses
type HTTPTransport struct {
	config      *TransportConfig
	dsn         *DSN
	sender      Sender
	logger      *zap.Logger
	rateLimiter *RateLimiter
}

// NewHTTPTransport creates a new HTTP transport
func NewHTTPTransport(config *TransportConfig, dsn *DSN, sender Sender, logger *zap.Logger) *HTTPTransport {
	return &HTTPTransport{
		config:      config,
		dsn:         dsn,
		sender:      sender,
		logger:      logger,
		rateLimiter: NewRateLimiter(logger),
	}
}

// ProcessEvent sends one event. Only HTTP 200 counts as success.
func (t *HTTPTransport) ProcessEvent(ctx context.Context, event *SentryEvent) *SendResult {
	if t.rateLimiter.IsRateLimited(rateLimitCategory) {
		disabledUntil := t.rateLimiter.GetDisabledUntil(rateLimitCategory)
		t.logger.Warn("Event rate limited",
			zap.String("event_id", event.ID),
			zap.Time("disabled_until", disabledUntil))

		return &SendResult{
			Success:   false,
			EventID:   event.ID,
			RateLimit: true,
			Error:     fmt.Sprintf("rate limited until %s", disabledUntil.Format(time.RFC3339)),
		}
	}

	return t.sendEvent(ctx, event)
}

// sendEvent sends a single event to Sentry
func (t *HTTPTransport) sendEvent(ctx context.Context, event *SentryEvent) *SendResult {
	req, err := t.createRequest(event)
	if err != nil {
		t.logger.Error("Failed to create request",
			zap.String("event_id", event.ID),
			zap.Error(err))
		return &SendResult{
			Success: false,
			EventID: event.ID,
			Error:   err.Error(),
		}
	}

	t.logger.Debug("Sending event", zap.String("event_id", event.ID), zap.String("url", req.URL))

	if t.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Timeout)
		defer cancel()
	}

	resp, err := t.sender.Send(ctx, req)
	if err != nil {
		t.logger.Warn("HTTP request failed",
			zap.String("event_id", event.ID),
			zap.Error(err))
		return &SendResult{
			Success: false,
			EventID: event.ID,
			Error:   err.Error(),
		}
	}

	if resp.Header != nil {
		t.rateLimiter.HandleRateLimitHeaders(resp.Header)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &SendResult{
			Success:    false,
			EventID:    event.ID,
			StatusCode: resp.StatusCode,
			RateLimit:  true,
			Error:      "rate limited by server",
		}
	}

	if resp.StatusCode == http.StatusOK {
		t.logger.Info("Event sent successfully",
			zap.String("event_id", event.ID),
			zap.Int("status_code", resp.StatusCode))
		return &SendResult{
			Success:    true,
			EventID:    event.ID,
			StatusCode: resp.StatusCode,
		}
	}

	t.logger.Warn("Event send failed",
		zap.String("event_id", event.ID),
		zap.Int("status_code", resp.StatusCode),
		zap.String("response", resp.Body))

	return &SendResult{
		Success:    false,
		EventID:    event.ID,
		StatusCode: resp.StatusCode,
		Error:      fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.Body),
	}
}

// createRequest creates the store API request for the event
func (t *HTTPTransport) createRequest(event *SentryEvent) (*Request, error) {
	header := http.Header{}
	header.Set("X-Sentry-Auth", t.createAuthHeader())
	header.Set("User-Agent", UserAgent())
	header.Set("Content-Type", "application/json; charset=utf-8")

	body := []byte(event.Payload)
	if t.config.Compression {
		var buf bytes.Buffer
		gzipWriter := gzip.NewWriter(&buf)
		if _, err := gzipWriter.Write(body); err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}
		if err := gzipWriter.Close(); err != nil {
			return nil, fmt.Errorf("failed to close gzip writer: %w", err)
		}
		body = buf.Bytes()
		header.Set("Content-Encoding", "gzip")
	}

	return &Request{
		URL:       t.dsn.StoreURL,
		Header:    header,
		Body:      body,
		VerifySSL: t.dsn.VerifySSL,
	}, nil
}

// createAuthHeader creates the X-Sentry-Auth header
func (t *HTTPTransport) createAuthHeader() string {
	return fmt.Sprintf("Sentry sentry_version=%s,sentry_client=%s,sentry_key=%s,sentry_secret=%s",
		sentryVersion, UserAgent(), t.dsn.PublicKey, t.dsn.SecretKey)
}

// GetRateLimiter returns the rate limiter
func (t *HTTPTransport) GetRateLimiter() *RateLimiter {
	return t.rateLimiter
}

// Close closes the underlying sender if it holds connections
func (t *HTTPTransport) Close() error {
	if c, ok := t.sender.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// UserAgent returns "<client>/<version>"
func UserAgent() string {
	return ClientName + "/" + ClientVersion
}
