package pipeline

import (
	"context"
	"log/slog"

	"github.com/tinywideclouds/go-bunny-service/pkg/dispatch"
)

// Notifier is the fan-out stage the push processor hands its tokens to.
type Notifier interface {
	Dispatch(ctx context.Context, tokens []dispatch.DeviceToken, payload dispatch.Payload)
}

// PushProcessor resolves a conversation's devices and notifies them.
type PushProcessor struct {
	resolver dispatch.Resolver
	notifier Notifier
	logger   *slog.Logger
}

func NewPushProcessor(resolver dispatch.Resolver, notifier Notifier, logger *slog.Logger) *PushProcessor {
	return &PushProcessor{
		resolver: resolver,
		notifier: notifier,
		logger:   logger.With("component", "PushProcessor"),
	}
}

// HandlePush looks up the tokens fresh for every message; nothing is cached.
func (p *PushProcessor) HandlePush(ctx context.Context, ev ConversationPush) {
	procLogger := p.logger.With("conversation", ev.Conversation, "server_id", ev.ServerID)

	res := p.resolver.Resolve(ctx, ev.ServerID, ev.Conversation)
	if !res.OK {
		procLogger.Info("Could not resolve conversation devices; skipping push", "status", res.StatusCode)
		return
	}

	// The sender is not filtered out of the recipients.
	tokens := DeviceTokens(res.Recipients)
	if len(tokens) == 0 {
		procLogger.Info("No devices registered for conversation; dropping notification.")
		return
	}

	p.notifier.Dispatch(ctx, tokens, dispatch.Payload{
		Conversation: ev.Conversation,
		Username:     ev.Username,
		DisplayName:  ev.DisplayName,
		Message:      ev.Message,
	})
}

// DeviceTokens keeps the recipients whose platform tag is known.
func DeviceTokens(recipients []dispatch.Recipient) []dispatch.DeviceToken {
	tokens := make([]dispatch.DeviceToken, 0, len(recipients))
	for _, r := range recipients {
		platform, ok := dispatch.ParsePlatform(r.Platform)
		if !ok || r.Token == "" {
			continue
		}
		tokens = append(tokens, dispatch.DeviceToken{Platform: platform, Token: r.Token})
	}
	return tokens
}

// SocialRelayer republishes relayed statuses as directory activities.
type SocialRelayer struct {
	poster dispatch.ActivityPoster
	logger *slog.Logger
}

func NewSocialRelayer(poster dispatch.ActivityPoster, logger *slog.Logger) *SocialRelayer {
	return &SocialRelayer{
		poster: poster,
		logger: logger.With("component", "SocialRelayer"),
	}
}

func (s *SocialRelayer) HandleSocial(ctx context.Context, ev SocialRelay) {
	if err := s.poster.PostActivity(ctx, ev.ServerID, ev.Username, ev.Message, ev.Context); err != nil {
		s.logger.Warn("Social relay failed", "server_id", ev.ServerID, "username", ev.Username, "err", err)
		return
	}
	s.logger.Info("Social status relayed", "server_id", ev.ServerID, "username", ev.Username)
}
