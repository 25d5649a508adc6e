package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// HandlerFunc handles one inbound message from a handle.
type HandlerFunc func(ctx context.Context, from Handle, msg Message) error

// ErrorHook observes routing failures, e.g. to count them.
type ErrorHook func(t Type, err error)

// Router maps message types to handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[Type]HandlerFunc
	log      *slog.Logger
	onError  ErrorHook
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the router logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.log = l }
}

// WithErrorHook installs a hook called for every dispatch failure.
func WithErrorHook(h ErrorHook) RouterOption {
	return func(r *Router) { r.onError = h }
}

// NewRouter returns an empty router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{handlers: make(map[Type]HandlerFunc), log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs fn for t. A later registration for the same type replaces
// the earlier one.
func (r *Router) Register(t Type, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		r.log.Warn("handler replaced", "type", t)
	}
	r.handlers[t] = fn
}

// Has reports whether a handler is registered for t.
func (r *Router) Has(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}

// Dispatch runs the handler for msg. Unknown types, handler errors and
// panics are logged and returned; they never propagate as panics.
func (r *Router) Dispatch(ctx context.Context, from Handle, msg Message) (err error) {
	r.mu.RLock()
	fn, ok := r.handlers[msg.Type]
	r.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownType, msg.Type)
		r.fail(msg, from, err)
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler for %s panicked: %v", msg.Type, p)
			r.fail(msg, from, err)
		}
	}()

	if err = fn(ctx, from, msg); err != nil {
		r.fail(msg, from, err)
	}
	return err
}

// Serve dispatches every message received on h, in order, until h
// disconnects.
func (r *Router) Serve(ctx context.Context, h Handle) {
	for msg := range h.Receive() {
		r.Dispatch(ctx, h, msg)
	}
}

func (r *Router) fail(msg Message, from Handle, err error) {
	handle := ""
	if from != nil {
		handle = from.ID()
	}
	r.log.Error("dispatch failed", "type", msg.Type, "id", msg.ID, "handle", handle, "error", err)
	if r.onError != nil {
		r.onError(msg.Type, err)
	}
}
