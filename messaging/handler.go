package messaging

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
)

// Handler processes the body of a routed message.
//
// A returned error is logged by the dispatcher and does not affect the
// acknowledgement of the message; handlers that need compensation must
// publish it themselves.
type Handler interface {
	Handle(ctx context.Context, body []byte) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, body []byte) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, body []byte) error {
	return f(ctx, body)
}

// NamedHandler is implemented by handlers that want a readable name in logs
type NamedHandler interface {
	Handler
	Name() string
}

// handlerName returns a name for log output
func handlerName(h Handler) string {
	if named, ok := h.(NamedHandler); ok {
		return named.Name()
	}
	if f, ok := h.(HandlerFunc); ok {
		if fn := runtime.FuncForPC(reflect.ValueOf(f).Pointer()); fn != nil {
			return fn.Name()
		}
	}
	return fmt.Sprintf("%T", h)
}

// invokeHandler runs a handler and turns a panic into an error
func invokeHandler(ctx context.Context, h Handler, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return h.Handle(ctx, body)
}

type dispatchKey struct{}

// withinDispatch marks ctx as running on the consumer loop
func withinDispatch(ctx context.Context) context.Context {
	return context.WithValue(ctx, dispatchKey{}, true)
}

// InDispatch reports whether ctx belongs to a handler invoked by the dispatcher.
// Synchronous calls made from such a context drive the consumer themselves.
func InDispatch(ctx context.Context) bool {
	v, _ := ctx.Value(dispatchKey{}).(bool)
	return v
}
