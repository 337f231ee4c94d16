package sentry

import (
	"fmt"
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"strings"
)

// maxExceptionChain bounds the walk over wrapped errors
const maxExceptionChain = 32

// maxStackDepth bounds the number of frames captured by Callers
const maxStackDepth = 64

// Packages whose frames are not application code. Matching frames are
// reported with in_app=false so the server can fold them.
var internalPackages = []string{
	"runtime",
	"reflect",
	"syscall",
	"internal",
	"sync",
	"os",
	"net",
	"testing",
	"golang.org/x",
}

var internalPackagePattern = regexp.MustCompile(packagePattern(internalPackages...))

func packagePattern(packages ...string) string {
	quoted := make([]string, len(packages))
	for i, p := range packages {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return "^(" + strings.Join(quoted, "|") + ")(/.*)?$"
}

// isInternalPackage reports whether module belongs to the platform
func isInternalPackage(module string) bool {
	return internalPackagePattern.MatchString(module)
}

// Frame is one call site of a captured stack
type Frame struct {
	Function string
	Filename string
	// Lineno < 0 means unknown
	Lineno int
	// Module is the import path of the defining package
	Module string
	// Native marks frames without Go source (assembly, cgo)
	Native bool
}

func (f Frame) String() string {
	name := f.Function
	if f.Module != "" {
		name = f.Module + "." + f.Function
	}
	if f.Native {
		return name + "(Native Method)"
	}
	if f.Lineno >= 0 {
		return fmt.Sprintf("%s(%s:%d)", name, f.Filename, f.Lineno)
	}
	return fmt.Sprintf("%s(%s)", name, f.Filename)
}

// StackTracer is implemented by errors that carry the stack they were
// created on. Frames are ordered oldest call first.
type StackTracer interface {
	StackTrace() []Frame
}

type stackError struct {
	err   error
	stack []Frame
}

func (e *stackError) Error() string       { return e.err.Error() }
func (e *stackError) Unwrap() error       { return e.err }
func (e *stackError) StackTrace() []Frame { return e.stack }

// WithStack annotates err with the stack of its caller. The annotation
// does not show up as a separate exception in captured events.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(StackTracer); ok {
		return err
	}
	return &stackError{err: err, stack: Callers(1)}
}

// Callers returns the stack of the calling goroutine, oldest call first.
// skip=0 starts at the caller of Callers.
func Callers(skip int) []Frame {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	var out []Frame
	for {
		frame, more := frames.Next()
		out = append(out, convertFrame(frame))
		if !more {
			break
		}
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func convertFrame(frame runtime.Frame) Frame {
	module, function := splitFunctionName(frame.Function)
	f := Frame{
		Function: function,
		Module:   module,
		Lineno:   frame.Line,
	}
	if frame.File == "" {
		f.Native = true
		f.Lineno = -1
	} else {
		f.Filename = filepath.Base(frame.File)
	}
	return f
}

// splitFunctionName splits "github.com/a/b.(*T).M" into
// "github.com/a/b" and "(*T).M".
func splitFunctionName(name string) (string, string) {
	slash := strings.LastIndex(name, "/")
	dot := strings.Index(name[slash+1:], ".")
	if dot < 0 {
		return "", name
	}
	dot += slash + 1
	return name[:dot], name[dot+1:]
}

// unwrapStack strips stack annotations from err and returns the
// annotated error together with the stack it carries.
func unwrapStack(err error) (error, []Frame) {
	var frames []Frame
	for {
		se, ok := err.(*stackError)
		if !ok {
			break
		}
		if frames == nil {
			frames = se.stack
		}
		err = se.err
	}
	if frames == nil {
		if st, ok := err.(StackTracer); ok {
			frames = st.StackTrace()
		}
	}
	return err, frames
}

func seenError(seen []error, err error) bool {
	if !reflect.TypeOf(err).Comparable() {
		return false
	}
	for _, s := range seen {
		if s == err {
			return true
		}
	}
	return false
}

// errorType returns the unqualified type name and the package of err
func errorType(err error) (string, string) {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" {
		name = t.String()
	}
	return name, t.PkgPath()
}
