package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// RequestFunc answers a request. The returned value is marshalled as the
// result; a nil value is sent as JSON null.
type RequestFunc func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationFunc consumes a fire-and-forget notification.
type NotificationFunc func(ctx context.Context, params json.RawMessage)

// DefaultFunc receives notifications no registered handler matched.
type DefaultFunc func(ctx context.Context, method string, params json.RawMessage)

// Handler is what a Conn dispatches inbound traffic to.
type Handler interface {
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error)
	HandleNotification(ctx context.Context, method string, params json.RawMessage)
}

// Mux is a Handler with named routes and an optional default route for
// notifications. Known methods always win over the default route.
type Mux struct {
	mu            sync.RWMutex
	requests      map[string]RequestFunc
	notifications map[string]NotificationFunc
	fallback      DefaultFunc
}

func NewMux() *Mux {
	return &Mux{
		requests:      map[string]RequestFunc{},
		notifications: map[string]NotificationFunc{},
	}
}

func (m *Mux) Request(method string, fn RequestFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[method] = fn
}

func (m *Mux) Notification(method string, fn NotificationFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[method] = fn
}

// SetDefault installs the route for unmatched notifications. It replaces
// any previous default.
func (m *Mux) SetDefault(fn DefaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = fn
}

// Known reports whether method is one of the mux's own routes.
func (m *Mux) Known(method string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, isReq := m.requests[method]
	_, isNote := m.notifications[method]
	return isReq || isNote
}

func (m *Mux) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	m.mu.RLock()
	fn, ok := m.requests[method]
	m.mu.RUnlock()
	if !ok {
		return nil, NewError(CodeMethodNotFound, "", fmt.Sprintf("method not found: %s", method))
	}
	return fn(ctx, params)
}

func (m *Mux) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	m.mu.RLock()
	fn, ok := m.notifications[method]
	fallback := m.fallback
	m.mu.RUnlock()
	if ok {
		fn(ctx, params)
		return
	}
	if fallback != nil {
		fallback(ctx, method, params)
	}
}

// DecodeParams unmarshals params into v, mapping failures to an
// invalid-params error.
func DecodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return NewError(CodeInvalidParams, "", "invalid params: "+err.Error())
	}
	return nil
}
