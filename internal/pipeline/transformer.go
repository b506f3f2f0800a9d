// Package pipeline contains the message routing and notification fan-out components.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrIncomplete marks a message that decoded but lacks the identity its kind requires.
var ErrIncomplete = errors.New("message is missing a required field")

// ErrUnroutable marks a message from a queue that has no registered kind.
var ErrUnroutable = errors.New("no event kind registered for queue")

// Kind selects how a queue's messages are decoded and handled.
type Kind int

const (
	KindConversationPush Kind = iota
	KindSocialRelay
)

func (k Kind) String() string {
	switch k {
	case KindConversationPush:
		return "conversation_push"
	case KindSocialRelay:
		return "social_relay"
	default:
		return "unknown"
	}
}

// Event is the closed set of decoded queue messages. Only this package
// can add variants.
type Event interface {
	Kind() Kind
	isEvent()
}

// ConversationPush asks for a push notification to every device of a conversation.
type ConversationPush struct {
	Conversation string `json:"conversation"`
	ServerID     string `json:"server_id"`
	Username     string `json:"username"`
	DisplayName  string `json:"displayName"`
	Message      string `json:"message"`
}

func (ConversationPush) Kind() Kind { return KindConversationPush }
func (ConversationPush) isEvent()   {}

// SocialRelay carries a status from an external social network to be
// republished as an activity of Username.
type SocialRelay struct {
	ServerID string `json:"server_id"`
	Username string `json:"username"`
	Message  string `json:"message"`
	Context  string `json:"context"`
}

func (SocialRelay) Kind() Kind { return KindSocialRelay }
func (SocialRelay) isEvent()   {}

// DecodeEvent unmarshals body as the event kind k and checks its required fields.
func DecodeEvent(k Kind, body []byte) (Event, error) {
	switch k {
	case KindConversationPush:
		var ev ConversationPush
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversation push: %w", err)
		}
		if ev.Conversation == "" {
			return nil, fmt.Errorf("%w: conversation", ErrIncomplete)
		}
		if ev.ServerID == "" {
			return nil, fmt.Errorf("%w: server_id", ErrIncomplete)
		}
		return ev, nil

	case KindSocialRelay:
		var ev SocialRelay
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal social relay: %w", err)
		}
		if ev.Username == "" {
			return nil, fmt.Errorf("%w: username", ErrIncomplete)
		}
		if ev.ServerID == "" {
			return nil, fmt.Errorf("%w: server_id", ErrIncomplete)
		}
		return ev, nil
	}
	return nil, fmt.Errorf("%w: kind %d", ErrUnroutable, k)
}
