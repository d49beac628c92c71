// Package session implements the stateful completion service on top of a
// stateless model.Provider.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	ctxpkg "github.com/stupiduntilnot/rpgchat/internal/context"
	modelpkg "github.com/stupiduntilnot/rpgchat/internal/model"
)

// Config controls how sessions are seeded and budgeted.
type Config struct {
	// Instructions seed every fresh session as a system entry. Empty means no
	// system entry.
	Instructions string
	// ContextWindowTokens is the local budget checked before each request.
	// Zero disables the check and leaves overflow detection to the provider.
	ContextWindowTokens int
}

// Service starts sessions that share one provider and one token estimator.
type Service struct {
	provider  modelpkg.Provider
	cfg       Config
	estimator *ctxpkg.CharEstimator
	assembler ctxpkg.Assembler
	logger    zerolog.Logger
}

// NewService returns a Service backed by provider.
func NewService(provider modelpkg.Provider, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		provider:  provider,
		cfg:       cfg,
		estimator: ctxpkg.NewCharEstimator(),
		assembler: &ctxpkg.StandardAssembler{},
		logger:    logger.With().Str("component", "session").Logger(),
	}
}

// StartSession begins a session. A nil or empty seed yields a fresh session
// holding only the configured instructions; otherwise the session continues
// from a copy of seed.
func (s *Service) StartSession(seed []ctxpkg.Message) modelpkg.Session {
	var transcript []ctxpkg.Message
	switch {
	case len(seed) > 0:
		transcript = make([]ctxpkg.Message, len(seed))
		copy(transcript, seed)
	case s.cfg.Instructions != "":
		transcript = []ctxpkg.Message{{Role: ctxpkg.RoleSystem, Content: s.cfg.Instructions}}
	default:
		transcript = []ctxpkg.Message{}
	}
	s.logger.Debug().Int("seed_len", len(seed)).Int("transcript_len", len(transcript)).Msg("session started")
	return &Session{svc: s, transcript: transcript}
}

// Session is one exchange with the provider. Respond calls are serialized.
type Session struct {
	svc *Service

	mu         sync.Mutex
	transcript []ctxpkg.Message
}

// Respond sends text with the session's transcript. On success the user turn
// and the reply are appended to the transcript; on failure it is unchanged.
func (s *Session) Respond(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := s.svc.assembler.Assemble(s.transcript, text)
	estimated := s.svc.estimator.EstimateTokens(messages)
	if limit := s.svc.cfg.ContextWindowTokens; limit > 0 && estimated > limit {
		s.svc.logger.Warn().
			Int("estimated_tokens", estimated).
			Int("limit", limit).
			Msg("request exceeds local context budget")
		return "", fmt.Errorf("estimated %d tokens over limit %d: %w", estimated, limit, modelpkg.ErrContextOverflow)
	}

	resp, err := s.svc.provider.ChatCompletion(ctx, messages)
	if err != nil {
		return "", err
	}
	s.svc.estimator.RecordUsage(messages, resp.InputTokens)
	s.svc.logger.Debug().
		Int("estimated_tokens", estimated).
		Int("input_tokens", resp.InputTokens).
		Int("output_tokens", resp.OutputTokens).
		Msg("completion received")

	s.transcript = append(messages, ctxpkg.Message{Role: ctxpkg.RoleAssistant, Content: resp.Content})
	return resp.Content, nil
}

// Transcript returns a copy of the turn history.
func (s *Session) Transcript() []ctxpkg.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ctxpkg.Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}
