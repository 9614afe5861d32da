package transport

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kalambet/printdesk/internal/orchestrator"
)

// Router sends through the web-chat hub when the user is connected there and
// through the webhook otherwise. With neither available the reply is logged.
type Router struct {
	hub     *Hub
	webhook orchestrator.Sender
}

// NewRouter creates a Router. Either argument may be nil.
func NewRouter(hub *Hub, webhook orchestrator.Sender) *Router {
	return &Router{hub: hub, webhook: webhook}
}

// SetHub attaches the hub once it exists.
func (r *Router) SetHub(hub *Hub) { r.hub = hub }

// Send implements orchestrator.Sender.
func (r *Router) Send(ctx context.Context, userID, text string) error {
	if r.hub != nil {
		err := r.hub.Send(ctx, userID, text)
		if err == nil || !errors.Is(err, ErrNotConnected) {
			return err
		}
	}
	if r.webhook != nil {
		return r.webhook.Send(ctx, userID, text)
	}
	slog.Info("reply without transport", "user_id", userID, "text", text)
	return nil
}
