// Package dispatch contains the public contracts shared by the resolver,
// the push gateways and the notification dispatcher.
package dispatch

import (
	"context"
	"encoding/json"
	"strings"
)

// Platform identifies a push gateway family.
type Platform string

const (
	PlatformMobile  Platform = "mobile"
	PlatformAndroid Platform = "android"
)

// Platforms lists every platform in dispatch order.
var Platforms = []Platform{PlatformMobile, PlatformAndroid}

// ParsePlatform maps a directory platform tag onto a known platform.
// Unknown tags report false and must be excluded from dispatch.
func ParsePlatform(tag string) (Platform, bool) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "ios", "mobile":
		return PlatformMobile, true
	case "android":
		return PlatformAndroid, true
	default:
		return "", false
	}
}

// DeviceToken is a push token tagged with the platform that can deliver to it.
type DeviceToken struct {
	Platform Platform
	Token    string
}

// Payload is the normalized notification body, identical for every platform.
type Payload struct {
	Conversation string `json:"conversation"`
	Username     string `json:"username"`
	DisplayName  string `json:"displayName"`
	Message      string `json:"message"`
}

// Encode renders the payload as the JSON string sent to gateways.
func (p Payload) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Recipient is one record returned by the directory service.
type Recipient struct {
	Username string `json:"username"`
	Platform string `json:"platform"`
	Token    string `json:"token"`
}

// Resolution is the result of a directory lookup. When OK is false the
// recipient set must be treated as empty.
type Resolution struct {
	OK         bool
	StatusCode int
	Recipients []Recipient
}

// Resolver looks up the device tokens of a conversation within a server scope.
type Resolver interface {
	Resolve(ctx context.Context, serverID, conversationID string) Resolution
}

// ActivityPoster publishes a relayed social status into the directory service.
type ActivityPoster interface {
	PostActivity(ctx context.Context, serverID, username, text, contextURL string) error
}

// Outcome classifies a single gateway call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePartialFailure
	OutcomeAuthRejected
	OutcomeTransportError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePartialFailure:
		return "partial_failure"
	case OutcomeAuthRejected:
		return "auth_rejected"
	case OutcomeTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Result is returned by a gateway for one batched send.
//
// Succeeded, Invalid and Failed partition the submitted tokens; a token the
// gateway response never mentions may be absent from all three.
// Invalid holds tokens whose destination no longer exists.
// Failed maps a token to the reason it was permanently rejected.
// Err is set for AuthRejected and TransportError.
type Result struct {
	Outcome   Outcome
	Succeeded map[string]string
	Invalid   []string
	Failed    map[string]string
	Err       error
}

// Gateway sends one batched notification to a single push platform.
type Gateway interface {
	Send(ctx context.Context, tokens []string, payload Payload) Result
}
