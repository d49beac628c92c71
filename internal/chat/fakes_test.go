package chat

import (
	"context"
	"sync"

	ctxpkg "github.com/stupiduntilnot/rpgchat/internal/context"
	modelpkg "github.com/stupiduntilnot/rpgchat/internal/model"
)

type respondFunc func(ctx context.Context, text string) (string, error)

type fakeSession struct {
	mu         sync.Mutex
	transcript []ctxpkg.Message
	respond    respondFunc
	calls      []string
}

func (s *fakeSession) Respond(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, text)
	respond := s.respond
	s.mu.Unlock()

	reply, err := respond(ctx, text)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.transcript = append(s.transcript,
		ctxpkg.Message{Role: ctxpkg.RoleUser, Content: text},
		ctxpkg.Message{Role: ctxpkg.RoleAssistant, Content: reply},
	)
	s.mu.Unlock()
	return reply, nil
}

func (s *fakeSession) Transcript() []ctxpkg.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ctxpkg.Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

func (s *fakeSession) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// fakeStarter hands out sessions that share one respond function. Fresh
// sessions start with a system entry.
type fakeStarter struct {
	mu       sync.Mutex
	respond  respondFunc
	seeds    [][]ctxpkg.Message
	sessions []*fakeSession
}

func newFakeStarter(respond respondFunc) *fakeStarter {
	return &fakeStarter{respond: respond}
}

func (f *fakeStarter) StartSession(seed []ctxpkg.Message) modelpkg.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeds = append(f.seeds, seed)

	transcript := []ctxpkg.Message{{Role: ctxpkg.RoleSystem, Content: "instructions"}}
	if len(seed) > 0 {
		transcript = append([]ctxpkg.Message(nil), seed...)
	}
	s := &fakeSession{transcript: transcript, respond: f.respond}
	f.sessions = append(f.sessions, s)
	return s
}

func (f *fakeStarter) Seeds() [][]ctxpkg.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]ctxpkg.Message(nil), f.seeds...)
}

func (f *fakeStarter) Session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

func (f *fakeStarter) Latest() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[len(f.sessions)-1]
}

type recordedEvent struct {
	id      int64
	parent  *int64
	kind    string
	payload map[string]any
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *fakeRecorder) Record(parentID *int64, eventType string, payload map[string]any) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := int64(len(r.events) + 1)
	r.events = append(r.events, recordedEvent{id: id, parent: parentID, kind: eventType, payload: payload})
	return id
}

func (r *fakeRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.kind)
	}
	return out
}

func (r *fakeRecorder) Find(kind string) (recordedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.kind == kind {
			return e, true
		}
	}
	return recordedEvent{}, false
}

func replyWith(text string) respondFunc {
	return func(context.Context, string) (string, error) { return text, nil }
}

func failWith(err error) respondFunc {
	return func(context.Context, string) (string, error) { return "", err }
}
