package sentry

import (
	"go.uber.org/zap"
)

// RPC exposes the reporter to out-of-process callers
type RPC struct {
	plugin *Plugin
	logger *zap.Logger
}

// NewRPC creates a new RPC instance
func NewRPC(plugin *Plugin, logger *zap.Logger) *RPC {
	return &RPC{
		plugin: plugin,
		logger: logger,
	}
}

// MessageArgs describes a message to capture
type MessageArgs struct {
	Message string            `json:"message"`
	Level   string            `json:"level"`
	Tags    map[string]string `json:"tags,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// BreadcrumbArgs describes a breadcrumb to record
type BreadcrumbArgs struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// CaptureMessage captures a message and returns the event id
func (r *RPC) CaptureMessage(in *MessageArgs, eventID *string) error {
	level, err := ParseLevel(in.Level)
	if err != nil {
		level = LevelInfo
	}

	builder := NewEventBuilder().
		SetMessage(in.Message).
		SetLevel(level).
		SetTags(in.Tags).
		SetExtra(in.Extra)

	r.logger.Debug("Received message via RPC",
		zap.String("event_id", builder.EventID()),
		zap.String("level", string(level)))

	r.plugin.client.CaptureEvent(builder)
	*eventID = builder.EventID()
	return nil
}

// AddBreadcrumb records a default breadcrumb
func (r *RPC) AddBreadcrumb(in *BreadcrumbArgs, ok *bool) error {
	r.plugin.client.AddBreadcrumb(in.Category, in.Message)
	*ok = true
	return nil
}

// Flush resubmits the pending events and returns how many there were
func (r *RPC) Flush(_ bool, count *int) error {
	*count = r.plugin.client.SendAllCachedCapturedEvents()
	r.logger.Debug("Flushed pending events via RPC", zap.Int("count", *count))
	return nil
}

// Status returns the reporter counters
func (r *RPC) Status(_ bool, out *TransportMetrics) error {
	*out = *r.plugin.client.GetMetrics()
	return nil
}
