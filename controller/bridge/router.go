// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// HandlerFunc processes one inbound fabric message. conn is nil for
// messages that originate from instances rather than control clients.
// The returned value, if any, is marshaled back as the response payload.
type HandlerFunc func(ctx context.Context, conn ControlConn, data json.RawMessage) (interface{}, error)

// Router delivers typed fabric messages to registered handlers by message
// name. It is a thin facade: decoding, dispatch, nothing else.
type Router struct {
	log *zap.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRouter creates an empty router.
func NewRouter(log *zap.Logger) *Router {
	return &Router{
		log:      log,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers a handler for the named message, replacing any
// previous registration.
func (router *Router) Handle(name string, handler HandlerFunc) {
	router.mu.Lock()
	defer router.mu.Unlock()
	router.handlers[name] = handler
}

// Dispatch routes one message to its handler.
func (router *Router) Dispatch(ctx context.Context, conn ControlConn, name string, data json.RawMessage) (_ interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	router.mu.RLock()
	handler, ok := router.handlers[name]
	router.mu.RUnlock()
	if !ok {
		return nil, Error.New("unknown message %q", name)
	}

	router.log.Debug("dispatching message", zap.String("message", name))
	return handler(ctx, conn, data)
}
