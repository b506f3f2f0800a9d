// Package apns provides the mobile push gateway backed by the Apple Push Notification Service.
package apns

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/payload"
	"github.com/tinywideclouds/go-bunny-service/pkg/dispatch"
)

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// ErrAuthRejected marks a response that points at our certificate, not at the token.
var ErrAuthRejected = errors.New("apns rejected provider credentials")

type Dispatcher struct {
	client APNSClient
	topic  string // bundle id, sent as apns-topic
	logger *slog.Logger
}

// Config holds the certificate used to open the APNs session.
type Config struct {
	CertificateFile     string
	CertificatePassword string
	BundleID            string
	Sandbox             bool
}

// NewDispatcher loads the certificate and creates a client whose HTTP/2
// session is reused for every send.
func NewDispatcher(cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	if cfg.BundleID == "" {
		return nil, errors.New("apns bundle id is required")
	}
	cert, err := loadCertificate(cfg.CertificateFile, cfg.CertificatePassword)
	if err != nil {
		return nil, fmt.Errorf("failed to load APNs certificate %s: %w", cfg.CertificateFile, err)
	}

	client := apns2.NewClient(cert)
	if cfg.Sandbox {
		client = client.Development()
	} else {
		client = client.Production()
	}

	return &Dispatcher{
		client: client,
		topic:  cfg.BundleID,
		logger: logger.With("component", "APNSDispatcher"),
	}, nil
}

func loadCertificate(path, password string) (tls.Certificate, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		return certificate.FromP12File(path, password)
	default:
		return certificate.FromPemFile(path, password)
	}
}

// Send pushes the payload to each token. APNs has no multicast endpoint, so
// the batch is one request per token over the shared session.
func (d *Dispatcher) Send(ctx context.Context, tokens []string, p dispatch.Payload) dispatch.Result {
	alert, err := p.Encode()
	if err != nil {
		return dispatch.Result{Outcome: dispatch.OutcomeTransportError, Err: fmt.Errorf("failed to encode payload: %w", err)}
	}

	body := payload.NewPayload().
		Alert(alert).
		Badge(1).
		Sound("default")

	res := dispatch.Result{
		Succeeded: make(map[string]string, len(tokens)),
		Failed:    make(map[string]string),
	}
	var lastTransportErr error
	transportFailures := 0

	for _, deviceToken := range tokens {
		notification := &apns2.Notification{
			DeviceToken: deviceToken,
			Topic:       d.topic,
			Payload:     body,
		}

		resp, err := d.client.PushWithContext(ctx, notification)
		if err != nil {
			res.Failed[deviceToken] = err.Error()
			lastTransportErr = err
			transportFailures++
			continue
		}

		if resp.Sent() {
			res.Succeeded[deviceToken] = resp.ApnsID
			continue
		}

		if isCredentialReason(resp.Reason) {
			d.logger.Warn("APNs rejected provider credentials", "reason", resp.Reason, "status", resp.StatusCode)
			return dispatch.Result{
				Outcome: dispatch.OutcomeAuthRejected,
				Err:     fmt.Errorf("%w: %s", ErrAuthRejected, resp.Reason),
			}
		}

		res.Failed[deviceToken] = resp.Reason
	}

	switch {
	case len(tokens) > 0 && transportFailures == len(tokens):
		return dispatch.Result{Outcome: dispatch.OutcomeTransportError, Err: fmt.Errorf("apns transport failed: %w", lastTransportErr)}
	case len(res.Failed) > 0:
		res.Outcome = dispatch.OutcomePartialFailure
	default:
		res.Outcome = dispatch.OutcomeSuccess
	}
	return res
}

func isCredentialReason(reason string) bool {
	switch reason {
	case apns2.ReasonBadCertificate,
		apns2.ReasonBadCertificateEnvironment,
		apns2.ReasonForbidden,
		apns2.ReasonInvalidProviderToken,
		apns2.ReasonExpiredProviderToken,
		apns2.ReasonMissingProviderToken:
		return true
	}
	return false
}
