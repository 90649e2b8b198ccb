// Package router delivers deferred output to the connection that caused
// it.  Every session runs under a context carrying its session id; code
// deep inside an evaluation that only holds that context can still reach
// the right client without knowing about sockets at all.
package router

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Sink receives one displayable value.  Session sinks write it to their
// connection; the fallback sink writes it to the operator console.
type Sink func(value any)

type ctxKey struct{}

// NewContext returns a copy of ctx bound to the session id.
func NewContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// SessionID returns the session id bound to ctx, if any.
func SessionID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Router maps session ids to sinks.  The zero value is not usable; call
// New.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Sink
	fallback Sink
}

// New creates a Router whose unrouted output goes to w (os.Stdout when
// nil).
func New(w io.Writer) *Router {
	if w == nil {
		w = os.Stdout
	}
	var mu sync.Mutex
	return &Router{
		routes: make(map[string]Sink),
		fallback: func(v any) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintln(w, v)
		},
	}
}

// Install binds sink to id, replacing any previous binding.
func (r *Router) Install(id string, sink Sink) {
	r.mu.Lock()
	r.routes[id] = sink
	r.mu.Unlock()
}

// Remove unbinds id.  Removing an unknown id is a no-op.
func (r *Router) Remove(id string) {
	r.mu.Lock()
	delete(r.routes, id)
	r.mu.Unlock()
}

// Route returns the sink bound to id, or the fallback sink.
func (r *Router) Route(id string) Sink {
	r.mu.RLock()
	sink, ok := r.routes[id]
	r.mu.RUnlock()
	if ok {
		return sink
	}
	return r.fallback
}

// Console writes value to the operator console regardless of routes.
func (r *Router) Console(value any) {
	if value == nil {
		return
	}
	r.fallback(value)
}

// Len returns the number of installed routes.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Emit delivers value to the sink of the session bound to ctx.  A nil
// value means "no result" and is dropped.
func (r *Router) Emit(ctx context.Context, value any) {
	if value == nil {
		return
	}
	id, _ := SessionID(ctx)
	r.Route(id)(value)
}

// EmitError formats err and emits it like any other value.
func (r *Router) EmitError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	r.Emit(ctx, FormatError(err))
}

// backtracer is implemented by evaluator errors that carry a call stack.
type backtracer interface {
	Backtrace() string
}

// FormatError renders err as a single report string.  Errors carrying
// a backtrace are shown with it; everything else as "Type: message".
func FormatError(err error) string {
	if bt, ok := err.(backtracer); ok {
		return strings.TrimRight(bt.Backtrace(), "\n")
	}
	return typeName(err) + ": " + err.Error()
}

func typeName(err error) string {
	name := fmt.Sprintf("%T", err)
	name = strings.TrimLeft(name, "*")
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	switch name {
	case "errorString", "wrapError", "joinError", "wrapErrors":
		return "Error"
	}
	return name
}
