// Package directory talks to the MAX directory service of each configured scope.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tinywideclouds/go-bunny-service/pkg/dispatch"
	"github.com/tinywideclouds/go-bunny-service/pkg/scope"
)

// oauthScope is the grant every service account request presents.
const oauthScope = "widgetcli"

// StatusUnknownScope is reported when a message names a scope that was never loaded.
const StatusUnknownScope = 0

// Client resolves recipients and posts activities against every loaded scope.
type Client struct {
	scopes     *scope.Table
	httpClient *http.Client
	breakers   map[string]*gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client. No timeout is configured by default.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// NewClient builds one circuit breaker per scope in the table.
func NewClient(scopes *scope.Table, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		scopes:     scopes,
		httpClient: &http.Client{},
		breakers:   make(map[string]*gobreaker.CircuitBreaker, scopes.Len()),
		logger:     logger.With("component", "DirectoryClient"),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, name := range scopes.Names() {
		name := name
		c.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// A 4xx is the caller's problem, not an outage.
			IsSuccessful: func(err error) bool {
				var se *statusError
				if errors.As(err, &se) {
					return se.code < 500
				}
				return err == nil
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn("Directory breaker changed state", "scope", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return c
}

// statusError carries a non-success HTTP status through the breaker.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("directory returned status %d", e.code)
}

// Resolve fetches the push tokens of a conversation from the scope selected by serverID.
// Any failure is reported through Resolution.OK; callers treat it as an empty set.
func (c *Client) Resolve(ctx context.Context, serverID, conversationID string) dispatch.Resolution {
	sc, ok := c.scopes.ForServer(serverID)
	if !ok {
		c.logger.Warn("No scope loaded for server", "server_id", serverID)
		return dispatch.Resolution{StatusCode: StatusUnknownScope}
	}

	endpoint := fmt.Sprintf("%s/conversations/%s/tokens", strings.TrimRight(sc.ServerURL, "/"), url.PathEscape(conversationID))

	out, err := c.breakers[sc.Name].Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		return c.do(req, sc)
	})

	status := statusOf(err)
	if err != nil {
		c.logger.Warn("Directory token lookup failed", "scope", sc.Name, "conversation", conversationID, "status", status, "err", err)
		return dispatch.Resolution{StatusCode: status}
	}

	var recipients []dispatch.Recipient
	if err := json.Unmarshal(out.([]byte), &recipients); err != nil {
		c.logger.Warn("Directory returned malformed token list", "scope", sc.Name, "conversation", conversationID, "err", err)
		return dispatch.Resolution{StatusCode: http.StatusOK}
	}

	return dispatch.Resolution{OK: true, StatusCode: http.StatusOK, Recipients: recipients}
}

type activityObject struct {
	ObjectType string `json:"objectType"`
	Content    string `json:"content"`
}

type activityContext struct {
	ObjectType string `json:"objectType"`
	URL        string `json:"url"`
}

type activityRequest struct {
	Object    activityObject    `json:"object"`
	Contexts  []activityContext `json:"contexts,omitempty"`
	Generator string            `json:"generator"`
}

// PostActivity publishes text as a note activity of username, optionally inside contextURL.
func (c *Client) PostActivity(ctx context.Context, serverID, username, text, contextURL string) error {
	sc, ok := c.scopes.ForServer(serverID)
	if !ok {
		return fmt.Errorf("no scope loaded for server %q", serverID)
	}

	activity := activityRequest{
		Object:    activityObject{ObjectType: "note", Content: text},
		Generator: "Twitter",
	}
	if contextURL != "" {
		activity.Contexts = []activityContext{{ObjectType: "context", URL: contextURL}}
	}
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	endpoint := fmt.Sprintf("%s/people/%s/activities", strings.TrimRight(sc.ServerURL, "/"), url.PathEscape(username))

	_, err = c.breakers[sc.Name].Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.do(req, sc)
	})
	if err != nil {
		return fmt.Errorf("failed to post activity for %s on %s: %w", username, sc.Name, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, sc scope.Scope) ([]byte, error) {
	req.Header.Set("X-Oauth-Token", sc.Token)
	req.Header.Set("X-Oauth-Username", sc.Username)
	req.Header.Set("X-Oauth-Scope", oauthScope)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{code: resp.StatusCode}
	}
	return body, nil
}

func statusOf(err error) int {
	var se *statusError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &se):
		return se.code
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
