// Package fcm provides the Android push gateway backed by Firebase Cloud Messaging.
package fcm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-bunny-service/pkg/dispatch"
)

// DefaultCollapseKey groups undelivered conversation pushes on the device.
const DefaultCollapseKey = "max.conversation"

// maxMulticastTokens is the SDK's limit on tokens per MulticastMessage.
const maxMulticastTokens = 500

// MessagingClient defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type MessagingClient interface {
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type tokenFate int

const (
	fateFailed tokenFate = iota
	fateInvalid
	fateAuth
)

type Dispatcher struct {
	client      MessagingClient
	collapseKey string
	classify    func(error) tokenFate
	logger      *slog.Logger
}

// NewDispatcher accepts the concrete client but stores it as the interface.
// Note: *messaging.Client automatically satisfies this interface.
func NewDispatcher(client MessagingClient, collapseKey string, logger *slog.Logger) *Dispatcher {
	if collapseKey == "" {
		collapseKey = DefaultCollapseKey
	}
	return &Dispatcher{
		client:      client,
		collapseKey: collapseKey,
		classify:    classifyTokenError,
		logger:      logger.With("component", "FCMDispatcher"),
	}
}

// Send delivers the payload in multicast requests of at most maxMulticastTokens
// and merges the per-chunk responses. A chunk whose request fails lands its
// tokens in Failed; the call is a transport error only when every chunk failed.
// Credential rejection on any chunk ends the send.
func (d *Dispatcher) Send(ctx context.Context, tokens []string, p dispatch.Payload) dispatch.Result {
	body, err := p.Encode()
	if err != nil {
		return dispatch.Result{Outcome: dispatch.OutcomeTransportError, Err: fmt.Errorf("failed to encode payload: %w", err)}
	}

	res := dispatch.Result{
		Succeeded: make(map[string]string, len(tokens)),
		Failed:    make(map[string]string),
	}
	var (
		chunks, lostChunks int
		lastErr            error
	)
	for start := 0; start < len(tokens); start += maxMulticastTokens {
		chunk := tokens[start:min(start+maxMulticastTokens, len(tokens))]
		chunks++

		br, err := d.client.SendEachForMulticast(ctx, d.message(chunk, body))
		if err == nil && br == nil {
			err = errors.New("fcm returned an empty batch response")
		}
		if err != nil {
			if isAuthError(err) {
				return dispatch.Result{Outcome: dispatch.OutcomeAuthRejected, Err: fmt.Errorf("fcm credentials rejected: %w", err)}
			}
			d.logger.Warn("FCM multicast chunk failed", "tokens", len(chunk), "err", err)
			for _, token := range chunk {
				res.Failed[token] = err.Error()
			}
			lostChunks++
			lastErr = err
			continue
		}

		if authErr := d.merge(&res, chunk, br); authErr != nil {
			return dispatch.Result{Outcome: dispatch.OutcomeAuthRejected, Err: fmt.Errorf("fcm credentials rejected: %w", authErr)}
		}
	}

	if chunks > 0 && lostChunks == chunks {
		return dispatch.Result{Outcome: dispatch.OutcomeTransportError, Err: fmt.Errorf("fcm transport failed: %w", lastErr)}
	}
	if len(res.Invalid) > 0 || len(res.Failed) > 0 {
		res.Outcome = dispatch.OutcomePartialFailure
	} else {
		res.Outcome = dispatch.OutcomeSuccess
	}
	return res
}

func (d *Dispatcher) message(tokens []string, body string) *messaging.MulticastMessage {
	return &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   map[string]string{"message": body},
		Android: &messaging.AndroidConfig{
			CollapseKey: d.collapseKey,
		},
	}
}

// merge sorts one chunk's responses into res. It returns the error of the first
// response that rejected the credentials.
func (d *Dispatcher) merge(res *dispatch.Result, chunk []string, br *messaging.BatchResponse) error {
	// Responses are ordered like the submitted tokens.
	for idx, resp := range br.Responses {
		if idx >= len(chunk) || resp == nil {
			break
		}
		token := chunk[idx]
		if resp.Success {
			res.Succeeded[token] = resp.MessageID
			continue
		}

		switch d.classify(resp.Error) {
		case fateAuth:
			return resp.Error
		case fateInvalid:
			res.Invalid = append(res.Invalid, token)
		default:
			res.Failed[token] = errorReason(resp.Error)
		}
	}
	return nil
}

func isAuthError(err error) bool {
	return messaging.IsThirdPartyAuthError(err) ||
		errorutils.IsUnauthenticated(err) ||
		errorutils.IsPermissionDenied(err)
}

func classifyTokenError(err error) tokenFate {
	switch {
	case err == nil:
		return fateFailed
	case isAuthError(err):
		return fateAuth
	case messaging.IsUnregistered(err):
		return fateInvalid
	default:
		return fateFailed
	}
}

func errorReason(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
