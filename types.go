package sentry

import (
	"encoding/json"
	"fmt"
)

// Level represents the severity of an event or breadcrumb
type Level string

const (
	LevelFatal   Level = "fatal"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
	LevelDebug   Level = "debug"
)

// ParseLevel converts a textual level into a Level
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelFatal, LevelError, LevelWarning, LevelInfo, LevelDebug:
		return Level(s), nil
	case "warn":
		return LevelWarning, nil
	}
	return "", fmt.Errorf("unknown level %q", s)
}

// SentryEvent is a finalized, serialized event awaiting delivery.
// It is the unit kept in the pending store and sent over the wire.
type SentryEvent struct {
	ID      string
	Payload json.RawMessage
}

// MarshalJSON writes the event body as-is so the store file is a plain array of events
func (e *SentryEvent) MarshalJSON() ([]byte, error) {
	if len(e.Payload) == 0 {
		return []byte("null"), nil
	}
	return e.Payload, nil
}

// UnmarshalJSON keeps the raw body and recovers the event id from it
func (e *SentryEvent) UnmarshalJSON(data []byte) error {
	var head struct {
		ID string `json:"event_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	if head.ID == "" {
		return fmt.Errorf("event without event_id")
	}

	e.ID = head.ID
	e.Payload = append(json.RawMessage(nil), data...)
	return nil
}

// SendResult represents the result of a send operation
type SendResult struct {
	Success    bool   `json:"success"`
	EventID    string `json:"event_id"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
	RateLimit  bool   `json:"rate_limit,omitempty"`
}

// TransportMetrics represents a point-in-time snapshot of the reporter counters
type TransportMetrics struct {
	EventsCaptured int64 `json:"events_captured"`
	EventsSent     int64 `json:"events_sent"`
	EventsFailed   int64 `json:"events_failed"`
	EventsStored   int64 `json:"events_stored"`
	EventsDropped  int64 `json:"events_dropped"`
	EventsVetoed   int64 `json:"events_vetoed"`
	BacklogLength  int   `json:"backlog_length"`
	PendingLength  int   `json:"pending_length"`
}

// Custom errors
var (
	ErrPipelineClosed = &PluginError{Op: "pipeline_submit", Code: "pipeline_closed", Message: "delivery pipeline is closed"}
	ErrBacklogFull    = &PluginError{Op: "pipeline_submit", Code: "backlog_full", Message: "delivery backlog is full"}
	ErrStoreInUse     = &PluginError{Op: "store_open", Code: "store_in_use", Message: "pending store file is already open in this process"}
)

// PluginError represents a reporter-specific error
type PluginError struct {
	Op      string
	Code    string
	Message string
}

func (e *PluginError) Error() string {
	return e.Message
}
