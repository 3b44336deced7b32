// Package pubsub broadcasts group-scoped chat events over Watermill.
package pubsub

import (
	"encoding/json"
	"fmt"

	"github.com/zulandar/groupchat/internal/models"
)

// Event types published on a group topic.
const (
	EventTyping      = "typing"
	EventMessageSent = "message_sent"
)

// Event is a channel event. Typing events carry User; message_sent events
// carry Message and its Author.
type Event struct {
	Type    string          `json:"type"`
	User    *models.Account `json:"user,omitempty"`
	Message *models.Message `json:"message,omitempty"`
	Author  *models.Account `json:"author,omitempty"`
}

// Typing builds a transient typing indicator for user.
func Typing(user *models.Account) Event {
	return Event{Type: EventTyping, User: user}
}

// MessageSent builds a message_sent event. The author is embedded in both
// the event and the message so subscribers can render either shape.
func MessageSent(msg *models.Message, author *models.Account) Event {
	return Event{Type: EventMessageSent, Message: msg, Author: author}
}

// GroupTopic returns the topic name scoped to a group.
func GroupTopic(groupID uint) string {
	return fmt.Sprintf("chat.%d", groupID)
}

// DecodeEvent unmarshals an event payload.
func DecodeEvent(payload []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, fmt.Errorf("pubsub: decode event: %w", err)
	}
	if evt.Type == "" {
		return Event{}, fmt.Errorf("pubsub: decode event: missing type")
	}
	return evt, nil
}
