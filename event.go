package sentry

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const platform = "go"

// The server assumes UTC and expects no timezone suffix
const timestampLayout = "2006-01-02T15:04:05"

// Event is the JSON body of a single report
type Event struct {
	EventID     string            `json:"event_id"`
	Platform    string            `json:"platform"`
	Timestamp   string            `json:"timestamp"`
	Level       Level             `json:"level,omitempty"`
	Message     string            `json:"message,omitempty"`
	Culprit     string            `json:"culprit,omitempty"`
	Logger      string            `json:"logger,omitempty"`
	ServerName  string            `json:"server_name,omitempty"`
	Release     string            `json:"release,omitempty"`
	Environment string            `json:"environment,omitempty"`
	User        map[string]string `json:"user,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
	Exception   *ExceptionList    `json:"exception,omitempty"`
	Stacktrace  *Stacktrace       `json:"stacktrace,omitempty"`
	Breadcrumbs []Breadcrumb      `json:"breadcrumbs,omitempty"`
	Contexts    json.RawMessage   `json:"contexts,omitempty"`
	Modules     [][2]string       `json:"modules,omitempty"`
}

// ExceptionList holds the exception chain, outermost first
type ExceptionList struct {
	Values []Exception `json:"values"`
}

// Exception is one level of a wrapped error chain
type Exception struct {
	Type       string      `json:"type"`
	Value      string      `json:"value"`
	Module     string      `json:"module,omitempty"`
	Stacktrace *Stacktrace `json:"stacktrace,omitempty"`
}

// Stacktrace holds frames, innermost call first
type Stacktrace struct {
	Frames []StackFrame `json:"frames"`
}

// StackFrame is the serialized form of a Frame
type StackFrame struct {
	Function string `json:"function,omitempty"`
	Filename string `json:"filename,omitempty"`
	Lineno   *int   `json:"lineno,omitempty"`
	Module   string `json:"module"`
	InApp    bool   `json:"in_app"`
}

// EventBuilder accumulates an Event. It is not safe for concurrent use;
// once Build has been called the event is frozen and setters are ignored.
type EventBuilder struct {
	event  Event
	logger *zap.Logger

	once      sync.Once
	finalized *SentryEvent
	err       error
}

// NewEventBuilder creates a builder with a fresh event id and the current time
func NewEventBuilder() *EventBuilder {
	b := &EventBuilder{
		event: Event{
			EventID:  newEventID(),
			Platform: platform,
		},
		logger: zap.NewNop(),
	}
	return b.SetTimestamp(time.Now())
}

// NewExceptionBuilder creates a builder describing err. appPackage
// selects the culprit frame; see Culprit.
func NewExceptionBuilder(err error, level Level, appPackage string) *EventBuilder {
	return NewEventBuilder().
		SetMessage(err.Error()).
		SetCulprit(Culprit(err, appPackage)).
		SetLevel(level).
		SetException(err)
}

func newEventID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// EventID returns the id of the event being built
func (b *EventBuilder) EventID() string {
	return b.event.EventID
}

// Event returns a copy of the event as built so far
func (b *EventBuilder) Event() Event {
	return b.event
}

func (b *EventBuilder) frozen() bool {
	return b.finalized != nil || b.err != nil
}

// SetLogger sets the "logger" attribute of the event
func (b *EventBuilder) SetLogger(logger string) *EventBuilder {
	if !b.frozen() {
		b.event.Logger = logger
	}
	return b
}

func (b *EventBuilder) SetMessage(message string) *EventBuilder {
	if !b.frozen() {
		b.event.Message = message
	}
	return b
}

func (b *EventBuilder) SetTimestamp(t time.Time) *EventBuilder {
	if !b.frozen() {
		b.event.Timestamp = t.UTC().Format(timestampLayout)
	}
	return b
}

func (b *EventBuilder) SetLevel(level Level) *EventBuilder {
	if !b.frozen() {
		b.event.Level = level
	}
	return b
}

func (b *EventBuilder) SetCulprit(culprit string) *EventBuilder {
	if !b.frozen() {
		b.event.Culprit = culprit
	}
	return b
}

func (b *EventBuilder) SetServerName(name string) *EventBuilder {
	if !b.frozen() {
		b.event.ServerName = name
	}
	return b
}

func (b *EventBuilder) SetRelease(release string) *EventBuilder {
	if !b.frozen() {
		b.event.Release = release
	}
	return b
}

func (b *EventBuilder) SetEnvironment(environment string) *EventBuilder {
	if !b.frozen() {
		b.event.Environment = environment
	}
	return b
}

func (b *EventBuilder) SetUser(user map[string]string) *EventBuilder {
	if !b.frozen() {
		b.event.User = copyStrings(user)
	}
	return b
}

// GetUser returns the user map, creating it when absent
func (b *EventBuilder) GetUser() map[string]string {
	if b.event.User == nil {
		b.event.User = make(map[string]string)
	}
	return b.event.User
}

func (b *EventBuilder) SetTags(tags map[string]string) *EventBuilder {
	if !b.frozen() {
		b.event.Tags = copyStrings(tags)
	}
	return b
}

// GetTags returns the tag map, creating it when absent
func (b *EventBuilder) GetTags() map[string]string {
	if b.event.Tags == nil {
		b.event.Tags = make(map[string]string)
	}
	return b.event.Tags
}

func (b *EventBuilder) AddTag(key, value string) *EventBuilder {
	if !b.frozen() {
		b.GetTags()[key] = value
	}
	return b
}

func (b *EventBuilder) SetExtra(extra map[string]string) *EventBuilder {
	if !b.frozen() {
		b.event.Extra = copyStrings(extra)
	}
	return b
}

// GetExtra returns the extra map, creating it when absent
func (b *EventBuilder) GetExtra() map[string]string {
	if b.event.Extra == nil {
		b.event.Extra = make(map[string]string)
	}
	return b.event.Extra
}

func (b *EventBuilder) AddExtra(key, value string) *EventBuilder {
	if !b.frozen() {
		b.GetExtra()[key] = value
	}
	return b
}

// AddModule records a (name, version) pair; empty names or versions are ignored
func (b *EventBuilder) AddModule(name, version string) *EventBuilder {
	if !b.frozen() && name != "" && version != "" {
		b.event.Modules = append(b.event.Modules, [2]string{name, version})
	}
	return b
}

// SetContexts attaches an opaque JSON object of device/os/app metadata
func (b *EventBuilder) SetContexts(contexts json.RawMessage) *EventBuilder {
	if !b.frozen() {
		b.event.Contexts = contexts
	}
	return b
}

// SetBreadcrumbs attaches a breadcrumb snapshot, oldest first
func (b *EventBuilder) SetBreadcrumbs(crumbs []Breadcrumb) *EventBuilder {
	if !b.frozen() {
		b.event.Breadcrumbs = crumbs
	}
	return b
}

// SetException records the chain of err and everything it wraps,
// outermost first.
func (b *EventBuilder) SetException(err error) *EventBuilder {
	if b.frozen() || err == nil {
		return b
	}

	var values []Exception
	var seen []error
	for err != nil && len(values) < maxExceptionChain {
		if seenError(seen, err) {
			break
		}
		seen = append(seen, err)

		cause, frames := unwrapStack(err)
		typ, module := errorType(cause)
		exception := Exception{
			Type:   typ,
			Value:  cause.Error(),
			Module: module,
		}
		if len(frames) > 0 {
			exception.Stacktrace = buildStacktrace(frames)
		}
		values = append(values, exception)

		err = errors.Unwrap(cause)
	}

	b.event.Exception = &ExceptionList{Values: values}
	return b
}

// SetStackTrace attaches a stack (oldest call first), for example one
// obtained from Callers(0).
func (b *EventBuilder) SetStackTrace(frames []Frame) *EventBuilder {
	if !b.frozen() {
		b.event.Stacktrace = buildStacktrace(frames)
	}
	return b
}

// buildStacktrace reverses frames so the point of failure comes first
func buildStacktrace(frames []Frame) *Stacktrace {
	out := make([]StackFrame, 0, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		out = append(out, buildFrame(frames[i]))
	}
	return &Stacktrace{Frames: out}
}

func buildFrame(f Frame) StackFrame {
	frame := StackFrame{
		Function: f.Function,
		Filename: f.Filename,
		Module:   f.Module,
		InApp:    !isInternalPackage(f.Module),
	}
	if !f.Native && f.Lineno >= 0 {
		lineno := f.Lineno
		frame.Lineno = &lineno
	}
	return frame
}

// Culprit returns the innermost frame of err's stack whose description
// contains appPackage, or err's message when none does.
func Culprit(err error, appPackage string) string {
	_, frames := unwrapStack(err)
	if appPackage != "" {
		for i := len(frames) - 1; i >= 0; i-- {
			if s := frames[i].String(); strings.Contains(s, appPackage) {
				return s
			}
		}
	}
	return err.Error()
}

// Build finalizes the event and serializes it. It may be called more
// than once; every call returns the result of the first.
func (b *EventBuilder) Build() (*SentryEvent, error) {
	b.once.Do(func() {
		if len(b.event.Contexts) > 0 && !json.Valid(b.event.Contexts) {
			b.logger.Error("dropping malformed contexts from event",
				zap.String("event_id", b.event.EventID))
			b.event.Contexts = nil
		}

		payload, err := json.Marshal(&b.event)
		if err != nil {
			b.err = err
			return
		}
		b.finalized = &SentryEvent{ID: b.event.EventID, Payload: payload}
	})
	return b.finalized, b.err
}

func (b *EventBuilder) withLogger(logger *zap.Logger) *EventBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
