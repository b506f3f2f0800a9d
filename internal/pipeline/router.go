package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tinywideclouds/go-bunny-service/internal/metrics"
)

// PushHandler handles conversation push events.
type PushHandler interface {
	HandlePush(ctx context.Context, ev ConversationPush)
}

// SocialHandler handles social relay events.
type SocialHandler interface {
	HandleSocial(ctx context.Context, ev SocialRelay)
}

// Router decodes queue messages and hands each to exactly one handler.
type Router struct {
	kinds   map[string]Kind
	push    PushHandler
	social  SocialHandler
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRouter binds pushQueue to conversation pushes and socialQueue to social relays.
func NewRouter(pushQueue, socialQueue string, push PushHandler, social SocialHandler, m *metrics.Metrics, logger *slog.Logger) *Router {
	return &Router{
		kinds: map[string]Kind{
			pushQueue:   KindConversationPush,
			socialQueue: KindSocialRelay,
		},
		push:    push,
		social:  social,
		metrics: m,
		logger:  logger.With("component", "Router"),
	}
}

// Route always returns; the caller acknowledges the delivery afterwards
// whatever happened here. Malformed messages are dropped, not redelivered.
func (r *Router) Route(ctx context.Context, queue string, body []byte) {
	kind, ok := r.kinds[queue]
	if !ok {
		r.logger.Warn("Message from unknown queue dropped", "queue", queue)
		r.metrics.Delivery(queue, "unroutable")
		return
	}

	ev, err := DecodeEvent(kind, body)
	if err != nil {
		if errors.Is(err, ErrIncomplete) {
			r.logger.Info("The message received is not a valid event; dropping", "queue", queue, "kind", kind, "err", err)
		} else {
			r.logger.Warn("Malformed message dropped", "queue", queue, "kind", kind, "err", err)
		}
		r.metrics.Delivery(queue, "dropped")
		return
	}

	switch ev := ev.(type) {
	case ConversationPush:
		r.push.HandlePush(ctx, ev)
	case SocialRelay:
		r.social.HandleSocial(ctx, ev)
	default:
		r.logger.Error("No handler for event kind", "queue", queue, "kind", ev.Kind())
		r.metrics.Delivery(queue, "unroutable")
		return
	}
	r.metrics.Delivery(queue, "handled")
}
