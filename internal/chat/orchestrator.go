// Package chat drives the request/response cycle between the conversation
// log and the completion service.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	ctxpkg "github.com/stupiduntilnot/rpgchat/internal/context"
	"github.com/stupiduntilnot/rpgchat/internal/control"
	"github.com/stupiduntilnot/rpgchat/internal/conversation"
	"github.com/stupiduntilnot/rpgchat/internal/db"
	"github.com/stupiduntilnot/rpgchat/internal/metrics"
	modelpkg "github.com/stupiduntilnot/rpgchat/internal/model"
)

// ContextDroppedNotice is appended after the transcript had to be condensed.
const ContextDroppedNotice = "The conversation grew too long for the model, so earlier messages were dropped from its memory."

// ErrorPrefix starts every entry that reports a service failure.
const ErrorPrefix = "An error occurred: "

// ErrorText renders a service failure as a conversation entry.
func ErrorText(err error) string {
	return ErrorPrefix + err.Error()
}

// Recorder receives journal events. *db.Journal implements it.
type Recorder interface {
	Record(parentID *int64, eventType string, payload map[string]any) int64
}

type nopRecorder struct{}

func (nopRecorder) Record(*int64, string, map[string]any) int64 { return 0 }

// Options configures an Orchestrator. All fields are optional.
type Options struct {
	Logger     zerolog.Logger
	Journal    Recorder
	Metrics    *metrics.Metrics
	Compressor ctxpkg.Compressor
	Breaker    *control.CircuitBreaker
	// RequestTimeout bounds each completion request. Zero means no bound
	// beyond the caller's context.
	RequestTimeout time.Duration
	// ResetSessionOnClear starts a fresh service session when the
	// conversation is cleared.
	ResetSessionOnClear bool
	Clock               func() time.Time
}

// Orchestrator owns the completion session and is the only writer of the
// conversation log.
type Orchestrator struct {
	log     *conversation.Log
	starter modelpkg.SessionStarter
	opts    Options
	logger  zerolog.Logger

	// turnMu serializes whole turns, so at most one placeholder exists and
	// the session is never used from two turns at once.
	turnMu sync.Mutex

	// mu guards session and generation, and is held across every log
	// mutation the orchestrator makes.
	mu         sync.Mutex
	session    modelpkg.Session
	generation uint64
}

// New starts the first session and returns an orchestrator writing to log.
func New(log *conversation.Log, starter modelpkg.SessionStarter, opts Options) *Orchestrator {
	if opts.Journal == nil {
		opts.Journal = nopRecorder{}
	}
	if opts.Compressor == nil {
		opts.Compressor = &ctxpkg.FirstLastCompressor{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	o := &Orchestrator{
		log:     log,
		starter: starter,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "chat").Logger(),
	}
	o.session = o.startSession(nil, nil, "initial")
	return o
}

// Submit sends text to the completion service and records the exchange in
// the log. Blank text is ignored. Service failures are recorded as log
// entries; the returned error is non-nil only when the log rejected a
// mutation.
func (o *Orchestrator) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.opts.Metrics.SubmitStarted()
	defer o.opts.Metrics.SubmitFinished()

	submittedID := o.opts.Journal.Record(nil, db.EventConversationSubmitted, map[string]any{
		"text_len": len([]rune(text)),
	})
	parent := idRef(submittedID)

	o.mu.Lock()
	generation := o.generation
	session := o.session
	user := conversation.UserMessage(text)
	if err := o.log.Append(user); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("append user message: %w", err)
	}
	if err := o.log.Append(conversation.ThinkingPlaceholder()); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("append thinking placeholder: %w", err)
	}
	o.mu.Unlock()

	o.logger.Debug().Str("message_id", user.ID).Msg("submitted")

	if b := o.opts.Breaker; b != nil && !b.Allow(o.opts.Clock()) {
		return o.resolveCircuitOpen(generation, parent, b.OpenedClass())
	}

	transcriptEntries := len(session.Transcript())
	turnID := o.opts.Journal.Record(parent, db.EventTurnStarted, map[string]any{
		"transcript_entries": transcriptEntries,
	})

	reqCtx := ctx
	if o.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, o.opts.RequestTimeout)
		defer cancel()
	}
	started := o.opts.Clock()
	reply, respErr := session.Respond(reqCtx, text)
	latency := o.opts.Clock().Sub(started)

	outcome, err := o.resolve(generation, session, idRef(turnID), reply, respErr, latency)
	o.opts.Journal.Record(idRef(turnID), db.EventTurnCompleted, map[string]any{
		"outcome":    outcome,
		"latency_ms": latency.Milliseconds(),
	})
	return err
}

// resolve applies the service result to the log. It returns the outcome
// label used for metrics.
func (o *Orchestrator) resolve(generation uint64, session modelpkg.Session, turn *int64, reply string, respErr error, latency time.Duration) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if generation != o.generation {
		o.logger.Info().Msg("reply arrived after clear; discarded")
		o.opts.Journal.Record(turn, db.EventReplyDiscarded, nil)
		o.opts.Metrics.RecordReply(metrics.OutcomeDiscarded, latency)
		return metrics.OutcomeDiscarded, nil
	}

	switch {
	case respErr == nil:
		if err := o.log.ReplaceTrailingThinking(conversation.AssistantMessage(reply)); err != nil {
			return metrics.OutcomeReply, fmt.Errorf("deliver reply: %w", err)
		}
		o.recordSuccess(turn)
		o.opts.Journal.Record(turn, db.EventReplyDelivered, map[string]any{
			"reply_len": len([]rune(reply)),
		})
		o.opts.Metrics.RecordReply(metrics.OutcomeReply, latency)
		o.logger.Debug().Int64("latency_ms", latency.Milliseconds()).Msg("reply delivered")
		return metrics.OutcomeReply, nil

	case modelpkg.IsContextOverflow(respErr):
		if err := o.recoverOverflow(session, turn, respErr); err != nil {
			return metrics.OutcomeOverflow, err
		}
		o.opts.Metrics.RecordReply(metrics.OutcomeOverflow, latency)
		return metrics.OutcomeOverflow, nil

	default:
		class := control.ClassifyError(respErr)
		o.recordFailure(turn, class)
		if err := o.log.ReplaceTrailingThinking(conversation.AssistantMessage(ErrorText(respErr))); err != nil {
			return metrics.OutcomeError, fmt.Errorf("record service error: %w", err)
		}
		o.opts.Journal.Record(turn, db.EventReplyFailed, map[string]any{
			"error_class": class,
			"error":       respErr.Error(),
		})
		o.opts.Metrics.RecordReply(metrics.OutcomeError, latency)
		o.logger.Warn().Err(respErr).Str("error_class", class).Msg("completion failed")
		return metrics.OutcomeError, nil
	}
}

// recoverOverflow drops the placeholder, condenses the failed session's
// transcript into a new session and tells the user. Caller holds o.mu.
func (o *Orchestrator) recoverOverflow(failed modelpkg.Session, turn *int64, cause error) error {
	if _, err := o.log.RemoveTrailingThinking(); err != nil {
		return fmt.Errorf("remove thinking placeholder: %w", err)
	}
	o.opts.Journal.Record(turn, db.EventContextOverflow, map[string]any{
		"error": cause.Error(),
	})

	transcript := failed.Transcript()
	condensed := o.opts.Compressor.Compress(transcript)
	o.opts.Journal.Record(turn, db.EventTranscriptCondensed, map[string]any{
		"transcript_entries": len(transcript),
		"condensed_entries":  len(condensed),
	})
	o.opts.Metrics.RecordCondensation(len(transcript) - len(condensed))
	o.session = o.startSession(turn, condensed, "overflow")

	o.logger.Info().
		Int("transcript_entries", len(transcript)).
		Int("condensed_entries", len(condensed)).
		Msg("context overflow; transcript condensed")

	if err := o.log.Append(conversation.AssistantMessage(ContextDroppedNotice)); err != nil {
		return fmt.Errorf("append overflow notice: %w", err)
	}
	return nil
}

func (o *Orchestrator) resolveCircuitOpen(generation uint64, parent *int64, class string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if generation != o.generation {
		o.opts.Journal.Record(parent, db.EventReplyDiscarded, nil)
		o.opts.Metrics.RecordReply(metrics.OutcomeDiscarded, 0)
		return nil
	}
	cause := fmt.Errorf("the completion service is unavailable after repeated %s failures; try again shortly", class)
	if err := o.log.ReplaceTrailingThinking(conversation.AssistantMessage(ErrorText(cause))); err != nil {
		return fmt.Errorf("record circuit open: %w", err)
	}
	o.opts.Journal.Record(parent, db.EventReplyFailed, map[string]any{
		"error_class": "circuit_open",
		"error":       cause.Error(),
	})
	o.opts.Metrics.RecordReply(metrics.OutcomeCircuitOpen, 0)
	o.logger.Warn().Str("opened_class", class).Msg("circuit open; request not sent")
	return nil
}

func (o *Orchestrator) recordSuccess(turn *int64) {
	if o.opts.Breaker == nil {
		return
	}
	if o.opts.Breaker.RecordSuccess() {
		o.opts.Journal.Record(turn, db.EventCircuitClosed, nil)
		o.logger.Info().Msg("circuit closed")
	}
}

func (o *Orchestrator) recordFailure(turn *int64, class string) {
	if o.opts.Breaker == nil || !control.CountsTowardCircuit(class) {
		return
	}
	if o.opts.Breaker.RecordFailure(class, o.opts.Clock()) {
		o.opts.Journal.Record(turn, db.EventCircuitOpened, map[string]any{
			"error_class": class,
			"cooldown_ms": o.opts.Breaker.Cooldown.Milliseconds(),
		})
		o.logger.Warn().Str("error_class", class).Msg("circuit opened")
	}
}

// Clear empties the log and, when configured, replaces the session. A reply
// still pending when Clear runs is discarded on arrival.
func (o *Orchestrator) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.generation++
	o.log.Clear()
	clearedID := o.opts.Journal.Record(nil, db.EventConversationCleared, map[string]any{
		"reset_session": o.opts.ResetSessionOnClear,
	})
	if o.opts.ResetSessionOnClear {
		o.session = o.startSession(idRef(clearedID), nil, "clear")
	}
	o.logger.Info().Bool("reset_session", o.opts.ResetSessionOnClear).Msg("conversation cleared")
}

func (o *Orchestrator) startSession(parent *int64, seed []ctxpkg.Message, reason string) modelpkg.Session {
	s := o.starter.StartSession(seed)
	o.opts.Journal.Record(parent, db.EventSessionStarted, map[string]any{
		"reason":       reason,
		"seed_entries": len(seed),
	})
	return s
}

func idRef(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
