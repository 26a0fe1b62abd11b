// Package router resolves routing intents against the registry and
// delivers receiveMessage to the resolved connection.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/islandhouse2000/islandHouse/internal/registry"
	"github.com/islandhouse2000/islandHouse/pkg/logging"
	"github.com/islandhouse2000/islandHouse/pkg/types"
)

// Router implements interfaces.MessageRouter. Expected absence of a target
// is reported through the returned Ack, never as an error.
type Router struct {
	registry    registry.Registry
	rateLimiter *RateLimiter
	logger      *slog.Logger
}

// Options tunes a Router.
type Options struct {
	// RateLimit is routed messages per sender per minute; 0 disables it.
	RateLimit int
	Logger    *slog.Logger
}

// NewRouter creates a router over reg.
func NewRouter(reg registry.Registry, opts Options) (*Router, error) {
	if reg == nil {
		return nil, ErrNilRegistry
	}
	return &Router{
		registry:    reg,
		rateLimiter: NewRateLimiter(opts.RateLimit),
		logger:      logging.OrDefault(opts.Logger),
	}, nil
}

// RateLimiter exposes the limiter so the janitor can clean it up.
func (r *Router) RateLimiter() *RateLimiter {
	return r.rateLimiter
}

// RouteToAdmin delivers payload to one live admin.
func (r *Router) RouteToAdmin(ctx context.Context, senderID string, payload json.RawMessage) types.Ack {
	if !r.rateLimiter.Allow(senderID) {
		return types.Fail(types.ReasonRateLimited)
	}

	entry, err := r.registry.FindByRole(ctx, types.RoleAdmin)
	if errors.Is(err, registry.ErrNotFound) {
		return types.Fail(types.ReasonNoAdmin)
	}
	if err != nil {
		r.logger.Error("admin lookup failed", logging.Conn(senderID), logging.Err(err))
		return types.Fail(types.ReasonInternal)
	}

	return r.deliver(entry, senderID, payload)
}

// RouteToUser delivers payload to the connection registered as targetUserID.
func (r *Router) RouteToUser(ctx context.Context, senderID, targetUserID string, payload json.RawMessage) types.Ack {
	if !r.rateLimiter.Allow(senderID) {
		return types.Fail(types.ReasonRateLimited)
	}

	if targetUserID == "" {
		return types.Fail(types.ReasonUserNotFound)
	}

	entry, err := r.registry.FindByUserID(ctx, targetUserID)
	if errors.Is(err, registry.ErrNotFound) {
		return types.Fail(types.ReasonUserNotFound)
	}
	if err != nil {
		r.logger.Error("user lookup failed", logging.Conn(senderID), logging.User(targetUserID), logging.Err(err))
		return types.Fail(types.ReasonInternal)
	}

	if !entry.Conn.IsAlive() {
		return types.Fail(types.ReasonUserNotFound)
	}

	return r.deliver(entry, senderID, payload)
}

// deliver runs outside any registry lock.
func (r *Router) deliver(entry registry.Entry, senderID string, payload json.RawMessage) types.Ack {
	if payload == nil {
		payload = json.RawMessage("null")
	}

	if err := entry.Conn.Send(types.EventReceiveMessage, payload); err != nil {
		r.logger.Warn("delivery failed",
			logging.Conn(senderID),
			logging.User(entry.UserID),
			logging.Role(string(entry.Role)),
			logging.Err(err))
		return types.Fail(types.ReasonDeliveryFailed)
	}

	return types.OK()
}
