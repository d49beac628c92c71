package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Origin identifies who authored a message.
type Origin string

const (
	OriginUser      Origin = "user"
	OriginAssistant Origin = "assistant"
)

// Status is the lifecycle state of a message.
type Status string

const (
	StatusFinal    Status = "final"
	StatusThinking Status = "thinking"
)

// Message is a single entry of the user-visible conversation. It is a value:
// once placed in a Log it never changes.
type Message struct {
	ID        string
	Text      string
	Origin    Origin
	Status    Status
	CreatedAt time.Time
}

// NewMessage returns a message with a fresh ID. CreatedAt is stamped by the
// Log when the message is inserted.
func NewMessage(origin Origin, status Status, text string) Message {
	return Message{
		ID:     uuid.NewString(),
		Text:   text,
		Origin: origin,
		Status: status,
	}
}

// UserMessage returns a final message authored by the user.
func UserMessage(text string) Message {
	return NewMessage(OriginUser, StatusFinal, text)
}

// AssistantMessage returns a final message authored by the assistant.
func AssistantMessage(text string) Message {
	return NewMessage(OriginAssistant, StatusFinal, text)
}

// ThinkingPlaceholder returns the transient assistant entry shown while a
// reply is pending.
func ThinkingPlaceholder() Message {
	return NewMessage(OriginAssistant, StatusThinking, "")
}

// IsThinking reports whether m is an unresolved placeholder.
func (m Message) IsThinking() bool {
	return m.Status == StatusThinking
}

// FromUser reports whether m was authored by the user.
func (m Message) FromUser() bool {
	return m.Origin == OriginUser
}
