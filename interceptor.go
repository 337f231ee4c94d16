package sentry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// FatalHandler is called with the error that is about to terminate the process
type FatalHandler interface {
	HandleFatal(err error)
}

// FatalHandlerFunc adapts a function to the FatalHandler interface
type FatalHandlerFunc func(err error)

func (f FatalHandlerFunc) HandleFatal(err error) { f(err) }

var (
	fatalMu      sync.Mutex
	fatalHandler FatalHandler
)

// SetFatalHandler replaces the process-wide fatal handler and returns the previous one
func SetFatalHandler(h FatalHandler) FatalHandler {
	fatalMu.Lock()
	defer fatalMu.Unlock()

	previous := fatalHandler
	fatalHandler = h
	return previous
}

// CurrentFatalHandler returns the process-wide fatal handler, possibly nil
func CurrentFatalHandler() FatalHandler {
	fatalMu.Lock()
	defer fatalMu.Unlock()
	return fatalHandler
}

// PanicError carries a recovered panic value that is not an error
type PanicError struct {
	Value any
	stack []Frame
}

func (e *PanicError) Error() string       { return fmt.Sprint(e.Value) }
func (e *PanicError) StackTrace() []Frame { return e.stack }

// Recover must be deferred directly at the root of a goroutine. On a
// panic it hands the panic to the fatal handler and then panics again
// with the same value, so the process still terminates.
func Recover() {
	r := recover()
	if r == nil {
		return
	}
	HandleFatal(panicToError(r, Callers(1)))
	panic(r)
}

// Go runs fn on a new goroutine guarded by Recover
func Go(fn func()) {
	go func() {
		defer Recover()
		fn()
	}()
}

// HandleFatal passes err to the current fatal handler, if any
func HandleFatal(err error) {
	if h := CurrentFatalHandler(); h != nil {
		h.HandleFatal(err)
	}
}

func panicToError(r any, stack []Frame) error {
	if err, ok := r.(error); ok {
		if _, ok := err.(StackTracer); ok {
			return err
		}
		return &stackError{err: err, stack: stack}
	}
	return &PanicError{Value: r, stack: stack}
}

// Interceptor is the reporter's fatal handler. It records the crash
// through capture and then always calls the handler that was installed
// before it.
type Interceptor struct {
	capture func(err error)
	logger  *zap.Logger

	// guarded by fatalMu
	previous  FatalHandler
	installed bool

	inert atomic.Bool
}

// NewInterceptor creates an interceptor; capture must not touch the network
func NewInterceptor(capture func(err error), logger *zap.Logger) *Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{
		capture: capture,
		logger:  logger,
	}
}

// Install makes the interceptor the process-wide fatal handler. An
// interceptor installs at most once. A previously installed Interceptor
// becomes inert and only forwards to its own predecessor.
func (i *Interceptor) Install() {
	fatalMu.Lock()
	defer fatalMu.Unlock()

	if i.installed {
		return
	}
	i.installed = true

	current := fatalHandler
	if older, ok := current.(*Interceptor); ok {
		older.inert.Store(true)
	}
	if current != nil {
		i.logger.Debug("Chaining to existing fatal handler", zap.String("handler", fmt.Sprintf("%T", current)))
	}

	i.previous = current
	fatalHandler = i
}

// Uninstall restores the previous handler when this interceptor is the
// current one; otherwise it only turns the interceptor inert.
func (i *Interceptor) Uninstall() {
	fatalMu.Lock()
	defer fatalMu.Unlock()

	i.inert.Store(true)
	if fatalHandler == FatalHandler(i) {
		fatalHandler = i.previous
	}
}

// Inert reports whether the interceptor only forwards
func (i *Interceptor) Inert() bool {
	return i.inert.Load()
}

// HandleFatal records err unless inert. The previous handler runs on every path.
func (i *Interceptor) HandleFatal(err error) {
	defer i.chain(err)

	if i.inert.Load() || i.capture == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("Failed to record fatal error", zap.Any("panic", r))
		}
	}()
	i.capture(err)
}

func (i *Interceptor) chain(err error) {
	fatalMu.Lock()
	previous := i.previous
	fatalMu.Unlock()

	if previous != nil {
		previous.HandleFatal(err)
	}
}
