package sentry

import (
	"context"
	"sync"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

var (
	defaultMu     sync.RWMutex
	defaultClient *Client
)

// Init creates and starts the process-wide client. A previously
// initialized client is closed first.
func Init(ctx context.Context, cfg *Config, opts ...Option) (*Client, error) {
	const op = errors.Op("sentry_init")

	defaultMu.Lock()
	previous := defaultClient
	defaultClient = nil
	defaultMu.Unlock()

	// the previous client may hold the same store file
	var closeErr error
	if previous != nil {
		closeErr = previous.Close(ctx)
	}

	client, err := NewClient(cfg, opts...)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if closeErr != nil {
		client.logger.Warn("Failed to close previous client", zap.Error(closeErr))
	}

	if err := client.Start(ctx); err != nil {
		_ = client.Close(ctx)
		return nil, errors.E(op, err)
	}

	defaultMu.Lock()
	defaultClient = client
	defaultMu.Unlock()

	return client, nil
}

// CurrentClient returns the process-wide client, or nil before Init
func CurrentClient() *Client {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultClient
}

// Shutdown closes the process-wide client
func Shutdown(ctx context.Context) error {
	defaultMu.Lock()
	client := defaultClient
	defaultClient = nil
	defaultMu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close(ctx)
}

// CaptureMessage reports through the process-wide client; it does nothing before Init
func CaptureMessage(message string, level Level) {
	if c := CurrentClient(); c != nil {
		c.CaptureMessage(message, level)
	}
}

// CaptureException reports through the process-wide client
func CaptureException(err error) {
	if c := CurrentClient(); c != nil && err != nil {
		c.captureException(withCallerStack(err), "", LevelError)
	}
}

// AddBreadcrumb records on the process-wide client
func AddBreadcrumb(category, message string) {
	if c := CurrentClient(); c != nil {
		c.AddBreadcrumb(category, message)
	}
}

// Flush resubmits the pending events of the process-wide client
func Flush() int {
	if c := CurrentClient(); c != nil {
		return c.Flush()
	}
	return 0
}
