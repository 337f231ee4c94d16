package sentry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/roadrunner-server/endure/v2/dep"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

const rateLimitCleanupInterval = 5 * time.Minute

// Plugin runs a Client under an endure container
type Plugin struct {
	config *Config
	logger *zap.Logger
	client *Client
	opts   []Option

	// Lifecycle
	serving bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Configurer interface for config plugin
type Configurer interface {
	UnmarshalKey(name string, out any) error
	Has(name string) bool
}

// Logger interface for logger plugin
type Logger interface {
	NamedLogger(name string) *zap.Logger
}

// Reporter is what other plugins use to report problems
type Reporter interface {
	CaptureMessage(message string, level Level)
	CaptureException(err error)
	CaptureEvent(builder *EventBuilder)
	AddBreadcrumb(category, message string)
	SendAllCachedCapturedEvents() int
	GetMetrics() *TransportMetrics
}

// NewPlugin creates a plugin whose client is built with opts in addition
// to the ones derived from configuration.
func NewPlugin(opts ...Option) *Plugin {
	return &Plugin{opts: opts}
}

// Init reads the "sentry" section and builds the client
func (p *Plugin) Init(cfg Configurer, log Logger) error {
	const op = errors.Op("sentry_plugin_init")

	if !cfg.Has(PluginName) {
		return errors.E(op, errors.Disabled)
	}

	config := &Config{}
	if err := cfg.UnmarshalKey(PluginName, config); err != nil {
		return errors.E(op, err)
	}

	config.InitDefaults()
	if err := config.Validate(); err != nil {
		return errors.E(op, err)
	}

	if !config.Enabled {
		return errors.E(op, errors.Disabled)
	}

	p.config = config
	p.logger = log.NamedLogger(PluginName)

	opts := append([]Option{WithLogger(p.logger)}, p.opts...)
	client, err := NewClient(config, opts...)
	if err != nil {
		return errors.E(op, err)
	}
	p.client = client

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	p.logger.Info("Sentry reporter plugin initialized",
		zap.Bool("dsn_configured", config.DSN != ""),
		zap.Int("backlog_size", config.Queue.BufferSize),
		zap.Int("max_breadcrumbs", config.Breadcrumbs.Max))

	return nil
}

// Serve starts the client and keeps it running until Stop
func (p *Plugin) Serve() chan error {
	const op = errors.Op("sentry_plugin_serve")
	errCh := make(chan error, 1)

	if p.client == nil {
		errCh <- errors.E(op, errors.Str("plugin not initialized"))
		return errCh
	}

	// the pipeline is stopped by Client.Close, not by cancellation
	if err := p.client.Start(context.Background()); err != nil {
		errCh <- errors.E(op, err)
		return errCh
	}

	p.serving = true
	go func() {
		defer close(p.doneCh)

		ticker := time.NewTicker(rateLimitCleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				p.logger.Info("Sentry reporter plugin stopping")
				return
			case <-ticker.C:
				if p.client.transport != nil {
					p.client.transport.GetRateLimiter().CleanupExpired()
				}
			}
		}
	}()

	return errCh
}

// Stop closes the client, giving the backlog until ctx expires
func (p *Plugin) Stop(ctx context.Context) error {
	if p.client == nil {
		return nil
	}

	if p.serving {
		p.serving = false
		close(p.stopCh)
		select {
		case <-p.doneCh:
		case <-ctx.Done():
			p.logger.Warn("Plugin stop timed out")
		}
	}

	err := p.client.Close(ctx)
	p.logger.Info("Sentry reporter plugin stopped")
	return err
}

// Name returns the plugin name
func (p *Plugin) Name() string {
	return PluginName
}

// RPC returns the RPC interface
func (p *Plugin) RPC() any {
	return NewRPC(p, p.logger)
}

// Provides returns the dependencies this plugin provides
func (p *Plugin) Provides() []*dep.Out {
	return []*dep.Out{
		dep.Bind((*Reporter)(nil), p.Reporter),
	}
}

// MetricsCollector returns the reporter counters for the metrics plugin
func (p *Plugin) MetricsCollector() []prometheus.Collector {
	return []prometheus.Collector{p.client.MetricsCollector()}
}

// Reporter returns the client as a Reporter
func (p *Plugin) Reporter() Reporter {
	return p.client
}

// Client returns the underlying client, nil before Init
func (p *Plugin) Client() *Client {
	return p.client
}
