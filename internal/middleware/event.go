// Package middleware holds the cross-cutting layers of the gateway event
// pipeline and of the HTTP surface.
package middleware

import (
	"context"

	"github.com/Proton-105/xo-arena/internal/event"
)

// Request is a decoded inbound event bound to its sender.
type Request struct {
	UserID    string
	SessionID string
	Event     event.Inbound
}

// Handler processes a single inbound event.
type Handler func(ctx context.Context, req Request) error

// Middleware decorates a Handler.
type Middleware func(next Handler) Handler

// Chain applies mws so that the first one is the outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}
