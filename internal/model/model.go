// Package model defines the completion-service contract the conversation core
// depends on.
package model

import (
	"context"
	"errors"

	ctxpkg "github.com/stupiduntilnot/rpgchat/internal/context"
)

// ErrContextOverflow reports that the accumulated transcript exceeds what the
// service can process. Providers wrap it; callers test with errors.Is.
var ErrContextOverflow = errors.New("context window exceeded")

// CompletionResponse is the common response model for model providers.
type CompletionResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Provider is the stateless model abstraction sessions are built on.
type Provider interface {
	ChatCompletion(ctx context.Context, messages []ctxpkg.Message) (CompletionResponse, error)
}

// Session is a stateful exchange with the completion service. It owns its
// transcript.
type Session interface {
	// Respond sends text in the context of the session's transcript and
	// returns the reply.
	Respond(ctx context.Context, text string) (string, error)

	// Transcript returns a copy of the session's turn history.
	Transcript() []ctxpkg.Message
}

// SessionStarter begins new sessions, optionally seeded with a transcript.
type SessionStarter interface {
	StartSession(seed []ctxpkg.Message) Session
}

// IsContextOverflow reports whether err is the ContextOverflow failure kind.
func IsContextOverflow(err error) bool {
	return errors.Is(err, ErrContextOverflow)
}
