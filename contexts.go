package sentry

import (
	"encoding/json"
	"os"
	"runtime"
)

// NetworkProbe tells the pipeline whether it may try the network now.
// Implementations return false when connectivity is down or cannot be observed.
type NetworkProbe interface {
	Online() bool
}

// NetworkProbeFunc adapts a function to the NetworkProbe interface
type NetworkProbeFunc func() bool

func (f NetworkProbeFunc) Online() bool { return f() }

// AlwaysOnline is the probe used when the host supplies none
var AlwaysOnline NetworkProbe = NetworkProbeFunc(func() bool { return true })

// ContextProvider supplies the "contexts" object merged into every event
type ContextProvider interface {
	Contexts() json.RawMessage
}

// ContextProviderFunc adapts a function to the ContextProvider interface
type ContextProviderFunc func() json.RawMessage

func (f ContextProviderFunc) Contexts() json.RawMessage { return f() }

// CaptureListener sees every event right before it is finalized. It may
// modify the builder, return a different one, or return nil to drop the event.
type CaptureListener interface {
	BeforeCapture(builder *EventBuilder) *EventBuilder
}

// CaptureListenerFunc adapts a function to the CaptureListener interface
type CaptureListenerFunc func(builder *EventBuilder) *EventBuilder

func (f CaptureListenerFunc) BeforeCapture(builder *EventBuilder) *EventBuilder {
	return f(builder)
}

// ChainCaptureListeners runs listeners in order and stops at the first veto
func ChainCaptureListeners(listeners ...CaptureListener) CaptureListener {
	return CaptureListenerFunc(func(builder *EventBuilder) *EventBuilder {
		for _, l := range listeners {
			if l == nil {
				continue
			}
			if builder = l.BeforeCapture(builder); builder == nil {
				return nil
			}
		}
		return builder
	})
}

// RuntimeContextProvider describes the process from what the Go runtime knows
type RuntimeContextProvider struct {
	AppName    string
	AppVersion string
}

// Contexts builds the os, device, runtime and package contexts
func (p RuntimeContextProvider) Contexts() json.RawMessage {
	device := map[string]string{
		"arch": runtime.GOARCH,
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		device["name"] = host
	}

	contexts := map[string]map[string]string{
		"os": {
			"type": "os",
			"name": runtime.GOOS,
		},
		"device": device,
		"runtime": {
			"type":    "runtime",
			"name":    "go",
			"version": runtime.Version(),
		},
	}
	if p.AppName != "" || p.AppVersion != "" {
		contexts["package"] = map[string]string{
			"type":         "package",
			"name":         p.AppName,
			"version_name": p.AppVersion,
		}
	}

	data, err := json.Marshal(contexts)
	if err != nil {
		return nil
	}
	return data
}
