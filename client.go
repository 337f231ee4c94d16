package sentry

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/roadrunner-server/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger; the default discards everything
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSender replaces the net/http sender
func WithSender(sender Sender) Option {
	return func(c *Client) { c.sender = sender }
}

// WithNetworkProbe sets the connectivity check; the default is AlwaysOnline
func WithNetworkProbe(probe NetworkProbe) Option {
	return func(c *Client) { c.probe = probe }
}

// WithContextProvider sets the source of the "contexts" object
func WithContextProvider(provider ContextProvider) Option {
	return func(c *Client) { c.contexts = provider }
}

// WithCaptureListener sets the listener consulted before every capture
func WithCaptureListener(listener CaptureListener) Option {
	return func(c *Client) { c.listener = listener }
}

// Client is one reporter instance. It owns its breadcrumb trail, its
// pending store and the pipeline that delivers from it.
type Client struct {
	config *Config
	dsn    *DSN
	logger *zap.Logger

	sender    Sender
	probe     NetworkProbe
	contexts  ContextProvider
	transport *HTTPTransport

	breadcrumbs *BreadcrumbTrail
	store       *Store
	pipeline    *Pipeline
	interceptor *Interceptor
	metrics     *metricsCollector

	listenerMu sync.RWMutex
	listener   CaptureListener

	closeOnce sync.Once
}

// NewClient creates a reporter from cfg. An empty DSN is allowed: events
// are then kept in the pending store and never sent.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	const op = errors.Op("sentry_client_new")

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.E(op, err)
	}

	c := &Client{
		config:  cfg,
		logger:  zap.NewNop(),
		metrics: newMetricsCollector(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.probe == nil {
		c.probe = AlwaysOnline
	}
	if c.contexts == nil {
		c.contexts = RuntimeContextProvider{AppName: cfg.AppPackage, AppVersion: cfg.AppVersion}
	}

	projectID := ""
	if cfg.DSN != "" {
		dsn, err := ParseDSN(cfg.DSN)
		if err != nil {
			return nil, errors.E(op, err)
		}
		c.dsn = dsn
		projectID = dsn.ProjectID

		if c.sender == nil {
			sender, err := NewHTTPSender(&cfg.Transport)
			if err != nil {
				return nil, errors.E(op, err)
			}
			c.sender = sender
		}
		c.transport = NewHTTPTransport(&cfg.Transport, dsn, c.sender, c.logger)
	} else {
		c.logger.Warn("No DSN configured, events will be stored but not transmitted")
	}

	store, err := NewStore(cfg.StorePath(projectID), c.logger)
	if err != nil {
		return nil, errors.E(op, err)
	}
	c.store = store

	// a nil *HTTPTransport must not end up inside the interface
	var processor EventProcessor
	if c.transport != nil {
		processor = c.transport
	}
	c.pipeline = NewPipeline(&cfg.Queue, processor, store, c.probe, c.metrics, c.logger)
	c.breadcrumbs = NewBreadcrumbTrail(cfg.Breadcrumbs.Max)
	c.interceptor = NewInterceptor(c.captureFatal, c.logger)

	return c, nil
}

// Start launches the sender and resubmits every pending event. The
// fatal hook is installed unless DisableFatalHandler is set.
func (c *Client) Start(ctx context.Context) error {
	const op = errors.Op("sentry_client_start")

	if err := c.pipeline.Start(ctx); err != nil {
		return errors.E(op, err)
	}

	if !c.config.DisableFatalHandler {
		c.interceptor.Install()
	}

	c.SendAllCachedCapturedEvents()

	c.logger.Info("Sentry reporter started",
		zap.Bool("dsn_configured", c.dsn != nil),
		zap.String("store", c.store.Path()),
		zap.Int("backlog_size", c.config.Queue.BufferSize))

	return nil
}

// Close releases the client. The sender gets until ctx expires to work
// through the backlog; the rest stays in the store.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.interceptor.Uninstall()
		err = multierr.Append(err, c.pipeline.Stop(ctx))
		if c.transport != nil {
			err = multierr.Append(err, c.transport.Close())
		}
		err = multierr.Append(err, c.store.Close())
	})
	return err
}

// SetCaptureListener replaces the capture listener; nil removes it
func (c *Client) SetCaptureListener(listener CaptureListener) {
	c.listenerMu.Lock()
	c.listener = listener
	c.listenerMu.Unlock()
}

func (c *Client) captureListener() CaptureListener {
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	return c.listener
}

// CaptureMessage reports a plain message
func (c *Client) CaptureMessage(message string, level Level) {
	c.CaptureEvent(NewEventBuilder().
		SetMessage(message).
		SetLevel(level))
}

// CaptureException reports err at error level with err's message
func (c *Client) CaptureException(err error) {
	if err == nil {
		return
	}
	c.captureException(withCallerStack(err), "", LevelError)
}

// CaptureExceptionWithMessage reports err; an empty message means err.Error()
func (c *Client) CaptureExceptionWithMessage(err error, message string, level Level) {
	if err == nil {
		return
	}
	c.captureException(withCallerStack(err), message, level)
}

func (c *Client) captureException(err error, message string, level Level) {
	builder := NewExceptionBuilder(err, level, c.config.AppPackage)
	if message != "" {
		builder.SetMessage(message)
	}
	c.CaptureEvent(builder)
}

// CaptureEvent finalizes builder and hands it to the delivery pipeline.
// It never fails from the caller's point of view.
func (c *Client) CaptureEvent(builder *EventBuilder) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Failed to capture event", zap.Any("panic", r))
		}
	}()

	event := c.finalize(builder)
	if event == nil {
		return
	}

	c.logger.Debug("Captured event",
		zap.String("event_id", event.ID),
		zap.ByteString("payload", event.Payload))

	if err := c.pipeline.Submit(event); err != nil {
		c.logger.Debug("Event not queued for delivery",
			zap.String("event_id", event.ID),
			zap.Error(err))
	}
}

// captureFatal records a crash without touching the network
func (c *Client) captureFatal(err error) {
	event := c.finalize(NewExceptionBuilder(err, LevelFatal, c.config.AppPackage))
	if event == nil {
		return
	}
	c.pipeline.storeEvent(event)
	c.logger.Info("Stored fatal event", zap.String("event_id", event.ID))
}

// finalize applies client state and the capture listener to builder
// before serializing it. It returns nil when the event is dropped.
func (c *Client) finalize(builder *EventBuilder) *SentryEvent {
	if builder == nil {
		return nil
	}

	builder.withLogger(c.logger).
		SetContexts(c.contexts.Contexts()).
		SetBreadcrumbs(c.breadcrumbs.Current())
	c.applyDefaults(builder)

	if listener := c.captureListener(); listener != nil {
		builder = listener.BeforeCapture(builder)
		if builder == nil {
			c.metrics.IncVetoedEvents()
			c.logger.Warn("Capture listener dropped the event")
			return nil
		}
	}

	event, err := builder.Build()
	if err != nil {
		c.logger.Error("Failed to serialize event",
			zap.String("event_id", builder.EventID()),
			zap.Error(err))
		return nil
	}

	c.metrics.IncCapturedEvents(builder.Event().Level)
	return event
}

func (c *Client) applyDefaults(builder *EventBuilder) {
	e := builder.Event()
	if e.Release == "" && c.config.Release != "" {
		builder.SetRelease(c.config.Release)
	}
	if e.Environment == "" && c.config.Environment != "" {
		builder.SetEnvironment(c.config.Environment)
	}
	if e.ServerName == "" && c.config.ServerName != "" {
		builder.SetServerName(c.config.ServerName)
	}
}

// SendAllCachedCapturedEvents resubmits every pending event
func (c *Client) SendAllCachedCapturedEvents() int {
	if c.transport != nil {
		c.transport.GetRateLimiter().CleanupExpired()
	}
	return c.pipeline.Flush()
}

// Flush is an alias of SendAllCachedCapturedEvents
func (c *Client) Flush() int {
	return c.SendAllCachedCapturedEvents()
}

// AddBreadcrumb records a default breadcrumb
func (c *Client) AddBreadcrumb(category, message string) {
	c.breadcrumbs.Push(NewBreadcrumb(category, message))
}

// AddNavigationBreadcrumb records a move from one application state to another
func (c *Client) AddNavigationBreadcrumb(category, from, to string) {
	c.breadcrumbs.Push(NewNavigationBreadcrumb(category, from, to))
}

// AddHTTPBreadcrumb records an HTTP request made by the application
func (c *Client) AddHTTPBreadcrumb(url, method string, statusCode int) {
	c.breadcrumbs.Push(NewHTTPBreadcrumb(url, method, statusCode))
}

// SetMaxBreadcrumbs changes the trail bound, clamped to [0, 200]
func (c *Client) SetMaxBreadcrumbs(n int) {
	c.breadcrumbs.SetMaxBreadcrumbs(n)
}

// Breadcrumbs gives access to the trail
func (c *Client) Breadcrumbs() *BreadcrumbTrail {
	return c.breadcrumbs
}

// Store gives access to the pending events
func (c *Client) Store() *Store {
	return c.store
}

// Interceptor returns the client's fatal handler
func (c *Client) Interceptor() *Interceptor {
	return c.interceptor
}

// MetricsCollector exposes the reporter counters to Prometheus
func (c *Client) MetricsCollector() prometheus.Collector {
	return c.metrics
}

// GetMetrics returns current counters and queue lengths
func (c *Client) GetMetrics() *TransportMetrics {
	m := c.metrics.snapshot()
	m.BacklogLength = c.pipeline.BacklogLength()
	m.PendingLength = c.store.Len()
	return m
}

// withCallerStack attaches the stack of the caller's caller when err has none
func withCallerStack(err error) error {
	if _, frames := unwrapStack(err); len(frames) > 0 {
		return err
	}
	return &stackError{err: err, stack: Callers(2)}
}
