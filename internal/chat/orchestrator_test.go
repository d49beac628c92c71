package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	ctxpkg "github.com/stupiduntilnot/rpgchat/internal/context"
	"github.com/stupiduntilnot/rpgchat/internal/control"
	"github.com/stupiduntilnot/rpgchat/internal/conversation"
	"github.com/stupiduntilnot/rpgchat/internal/db"
	"github.com/stupiduntilnot/rpgchat/internal/dummy"
	"github.com/stupiduntilnot/rpgchat/internal/metrics"
	modelpkg "github.com/stupiduntilnot/rpgchat/internal/model"
	"github.com/stupiduntilnot/rpgchat/internal/session"
)

func newOrchestrator(t *testing.T, starter modelpkg.SessionStarter, opts Options) (*Orchestrator, *conversation.Log) {
	t.Helper()
	opts.Logger = zerolog.Nop()
	log := conversation.NewLog()
	return New(log, starter, opts), log
}

func assertNoThinking(t *testing.T, snap []conversation.Message) {
	t.Helper()
	for i, m := range snap {
		if m.IsThinking() {
			t.Fatalf("unexpected thinking message at %d: %+v", i, snap)
		}
	}
}

func TestSubmit_Success(t *testing.T) {
	starter := newFakeStarter(replyWith("hi there"))
	o, log := newOrchestrator(t, starter, Options{})

	if err := o.Submit(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}

	snap := log.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 messages, got %+v", snap)
	}
	if !snap[0].FromUser() || snap[0].Text != "hello" || snap[0].Status != conversation.StatusFinal {
		t.Errorf("unexpected user message: %+v", snap[0])
	}
	if snap[1].FromUser() || snap[1].Text != "hi there" || snap[1].Status != conversation.StatusFinal {
		t.Errorf("unexpected reply: %+v", snap[1])
	}
	if calls := starter.Latest().Calls(); len(calls) != 1 || calls[0] != "hello" {
		t.Errorf("unexpected service calls: %v", calls)
	}
}

func TestSubmit_BlankIsNoop(t *testing.T) {
	starter := newFakeStarter(replyWith("never"))
	rec := &fakeRecorder{}
	o, log := newOrchestrator(t, starter, Options{Journal: rec})
	before := len(rec.Types())

	for _, text := range []string{"", "   ", "\n\t"} {
		if err := o.Submit(context.Background(), text); err != nil {
			t.Fatalf("Submit(%q): %v", text, err)
		}
	}
	if log.Len() != 0 {
		t.Fatalf("expected empty log, got %d", log.Len())
	}
	if calls := starter.Latest().Calls(); len(calls) != 0 {
		t.Fatalf("expected no service calls, got %v", calls)
	}
	if len(rec.Types()) != before {
		t.Fatalf("blank submit recorded events: %v", rec.Types())
	}
}

func TestSubmit_OtherFailureBecomesErrorEntry(t *testing.T) {
	starter := newFakeStarter(failWith(errors.New("timeout")))
	o, log := newOrchestrator(t, starter, Options{})

	if err := o.Submit(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	snap := log.Snapshot()
	assertNoThinking(t, snap)
	if len(snap) != 2 {
		t.Fatalf("expected 2 messages, got %+v", snap)
	}
	last := snap[1]
	if last.FromUser() || !strings.Contains(last.Text, "timeout") {
		t.Fatalf("expected error entry mentioning timeout, got %+v", last)
	}
	if !strings.HasPrefix(last.Text, "An error occurred: ") {
		t.Fatalf("unexpected error text %q", last.Text)
	}
}

func TestSubmit_OverflowCondensesAndStartsNewSession(t *testing.T) {
	var mu sync.Mutex
	overflow := false
	starter := newFakeStarter(func(_ context.Context, text string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if overflow {
			return "", fmt.Errorf("service: %w", modelpkg.ErrContextOverflow)
		}
		return "re: " + text, nil
	})
	o, log := newOrchestrator(t, starter, Options{})

	for _, text := range []string{"one", "two"} {
		if err := o.Submit(context.Background(), text); err != nil {
			t.Fatal(err)
		}
	}
	failed := starter.Latest()
	atFailure := failed.Transcript()

	mu.Lock()
	overflow = true
	mu.Unlock()
	if err := o.Submit(context.Background(), "long context"); err != nil {
		t.Fatal(err)
	}

	snap := log.Snapshot()
	assertNoThinking(t, snap)
	if len(snap) != 6 {
		t.Fatalf("expected 6 messages, got %+v", snap)
	}
	if snap[4].Text != "long context" || !snap[4].FromUser() {
		t.Errorf("expected user message kept, got %+v", snap[4])
	}
	if snap[5].Text != ContextDroppedNotice || snap[5].FromUser() {
		t.Errorf("expected notice last, got %+v", snap[5])
	}

	seeds := starter.Seeds()
	if len(seeds) != 2 {
		t.Fatalf("expected a second session, got %d starts", len(seeds))
	}
	want := (&ctxpkg.FirstLastCompressor{}).Compress(atFailure)
	got := seeds[1]
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected seed %+v, got %+v", want, got)
	}
	if got[0].Role != ctxpkg.RoleSystem || got[1].Content != "re: two" {
		t.Fatalf("unexpected condensed transcript %+v", got)
	}

	// The next turn goes to the new session.
	mu.Lock()
	overflow = false
	mu.Unlock()
	if err := o.Submit(context.Background(), "three"); err != nil {
		t.Fatal(err)
	}
	if starter.Latest() == failed {
		t.Fatal("expected the failed session to be replaced")
	}
	if calls := starter.Latest().Calls(); len(calls) != 1 || calls[0] != "three" {
		t.Fatalf("unexpected calls on new session: %v", calls)
	}
	if calls := failed.Calls(); len(calls) != 3 {
		t.Fatalf("failed session should not be used again, calls=%v", calls)
	}
}

func TestSubmit_UserCountMatchesSubmits(t *testing.T) {
	n := 0
	var mu sync.Mutex
	starter := newFakeStarter(func(context.Context, string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		switch n % 3 {
		case 0:
			return "", modelpkg.ErrContextOverflow
		case 1:
			return "ok", nil
		default:
			return "", errors.New("boom")
		}
	})
	o, log := newOrchestrator(t, starter, Options{})

	inputs := []string{"a", " ", "b", "c", "", "d", "e", "f", "g"}
	want := 0
	for _, text := range inputs {
		if strings.TrimSpace(text) != "" {
			want++
		}
		if err := o.Submit(context.Background(), text); err != nil {
			t.Fatal(err)
		}
	}

	users := 0
	for _, m := range log.Snapshot() {
		if m.FromUser() {
			users++
		}
	}
	if users != want {
		t.Fatalf("expected %d user messages, got %d", want, users)
	}
}

func TestSubmit_ConcurrentSnapshotsKeepThinkingInvariant(t *testing.T) {
	starter := newFakeStarter(func(context.Context, string) (string, error) {
		time.Sleep(time.Millisecond)
		return "ok", nil
	})
	o, log := newOrchestrator(t, starter, Options{})
	sub := log.Subscribe()
	defer sub.Close()

	const submits = 10
	var wg sync.WaitGroup
	for i := 0; i < submits; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := o.Submit(context.Background(), fmt.Sprintf("msg %d", i)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	check := func(snap []conversation.Message) {
		thinking := 0
		for i, m := range snap {
			if m.IsThinking() {
				thinking++
				if i != len(snap)-1 {
					t.Fatalf("thinking not last in %+v", snap)
				}
			}
		}
		if thinking > 1 {
			t.Fatalf("more than one thinking message: %+v", snap)
		}
	}

loop:
	for {
		select {
		case snap := <-sub.C():
			check(snap)
		case <-done:
			break loop
		}
	}

	final := log.Snapshot()
	check(final)
	assertNoThinking(t, final)
	if len(final) != 2*submits {
		t.Fatalf("expected %d messages, got %d", 2*submits, len(final))
	}
	// Each reply directly follows its own question.
	for i := 0; i < len(final); i += 2 {
		if !final[i].FromUser() || final[i+1].FromUser() {
			t.Fatalf("unexpected pairing at %d: %+v", i, final[i:i+2])
		}
	}
}

func TestClear_EmptiesLogAndResetsSession(t *testing.T) {
	starter := newFakeStarter(replyWith("ok"))
	o, log := newOrchestrator(t, starter, Options{ResetSessionOnClear: true})
	o.Submit(context.Background(), "hello")

	o.Clear()
	if snap := log.Snapshot(); len(snap) != 0 {
		t.Fatalf("expected empty log, got %+v", snap)
	}
	if seeds := starter.Seeds(); len(seeds) != 2 || len(seeds[1]) != 0 {
		t.Fatalf("expected a fresh unseeded session, got %+v", seeds)
	}

	o.Clear()
	if log.Len() != 0 {
		t.Fatal("expected clear on empty log to stay empty")
	}
}

func TestClear_KeepsSessionWhenNotResetting(t *testing.T) {
	starter := newFakeStarter(replyWith("ok"))
	o, log := newOrchestrator(t, starter, Options{ResetSessionOnClear: false})
	o.Submit(context.Background(), "hello")
	o.Clear()

	if log.Len() != 0 {
		t.Fatalf("expected empty log, got %d", log.Len())
	}
	if seeds := starter.Seeds(); len(seeds) != 1 {
		t.Fatalf("expected no new session, got %d starts", len(seeds))
	}
	o.Submit(context.Background(), "again")
	if calls := starter.Latest().Calls(); len(calls) != 2 {
		t.Fatalf("expected the same session to be reused, calls=%v", calls)
	}
}

func TestClear_DiscardsPendingReply(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	starter := newFakeStarter(func(context.Context, string) (string, error) {
		close(started)
		<-release
		return "late", nil
	})
	rec := &fakeRecorder{}
	o, log := newOrchestrator(t, starter, Options{Journal: rec, ResetSessionOnClear: true})

	errc := make(chan error, 1)
	go func() { errc <- o.Submit(context.Background(), "slow") }()

	<-started
	if snap := log.Snapshot(); len(snap) != 2 || !snap[1].IsThinking() {
		t.Fatalf("expected pending placeholder, got %+v", snap)
	}
	o.Clear()
	close(release)

	if err := <-errc; err != nil {
		t.Fatalf("expected discarded reply without error, got %v", err)
	}
	if log.Len() != 0 {
		t.Fatalf("expected log to stay empty, got %+v", log.Snapshot())
	}
	if _, ok := rec.Find(db.EventReplyDiscarded); !ok {
		t.Fatalf("expected %s event, got %v", db.EventReplyDiscarded, rec.Types())
	}
}

func TestSubmit_InvariantViolationSurfaces(t *testing.T) {
	starter := newFakeStarter(replyWith("ok"))
	o, log := newOrchestrator(t, starter, Options{})
	if err := log.Append(conversation.ThinkingPlaceholder()); err != nil {
		t.Fatal(err)
	}

	err := o.Submit(context.Background(), "hello")
	if !errors.Is(err, conversation.ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	if calls := starter.Latest().Calls(); len(calls) != 0 {
		t.Fatalf("expected no service call, got %v", calls)
	}
	if log.Len() != 1 {
		t.Fatalf("log changed after rejected submit: %+v", log.Snapshot())
	}
}

func TestSubmit_RequestTimeout(t *testing.T) {
	starter := newFakeStarter(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	o, log := newOrchestrator(t, starter, Options{RequestTimeout: 20 * time.Millisecond})

	if err := o.Submit(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	snap := log.Snapshot()
	assertNoThinking(t, snap)
	if !strings.Contains(snap[len(snap)-1].Text, context.DeadlineExceeded.Error()) {
		t.Fatalf("expected deadline error entry, got %+v", snap[len(snap)-1])
	}
}

func TestSubmit_CircuitOpenSkipsService(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	starter := newFakeStarter(failWith(errors.New("upstream 503")))
	rec := &fakeRecorder{}
	breaker := control.NewCircuitBreaker(1, time.Minute)
	o, log := newOrchestrator(t, starter, Options{
		Journal: rec,
		Breaker: breaker,
		Clock:   func() time.Time { return now },
	})

	o.Submit(context.Background(), "first")
	if breaker.State() != control.CircuitOpen {
		t.Fatalf("expected open circuit, got %s", breaker.State())
	}
	if _, ok := rec.Find(db.EventCircuitOpened); !ok {
		t.Fatalf("expected %s event, got %v", db.EventCircuitOpened, rec.Types())
	}

	o.Submit(context.Background(), "second")
	if calls := starter.Latest().Calls(); len(calls) != 1 {
		t.Fatalf("expected the service to be skipped, calls=%v", calls)
	}
	snap := log.Snapshot()
	assertNoThinking(t, snap)
	if len(snap) != 4 || !strings.Contains(snap[3].Text, "unavailable") {
		t.Fatalf("expected circuit error entry, got %+v", snap)
	}
}

func TestSubmit_OverflowDoesNotTripCircuit(t *testing.T) {
	starter := newFakeStarter(failWith(modelpkg.ErrContextOverflow))
	breaker := control.NewCircuitBreaker(1, time.Minute)
	o, _ := newOrchestrator(t, starter, Options{Breaker: breaker})
	o.Submit(context.Background(), "x")
	if breaker.State() != control.CircuitClosed {
		t.Fatalf("overflow must not open the circuit, got %s", breaker.State())
	}
}

func TestSubmit_JournalsTurn(t *testing.T) {
	starter := newFakeStarter(replyWith("ok"))
	rec := &fakeRecorder{}
	o, _ := newOrchestrator(t, starter, Options{Journal: rec})
	o.Submit(context.Background(), "hello")

	want := []string{
		db.EventSessionStarted,
		db.EventConversationSubmitted,
		db.EventTurnStarted,
		db.EventReplyDelivered,
		db.EventTurnCompleted,
	}
	got := rec.Types()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected events:\n got %v\nwant %v", got, want)
	}
	submitted, _ := rec.Find(db.EventConversationSubmitted)
	turn, _ := rec.Find(db.EventTurnStarted)
	if turn.parent == nil || *turn.parent != submitted.id {
		t.Fatalf("turn.started should hang off conversation.submitted")
	}
	completed, _ := rec.Find(db.EventTurnCompleted)
	if completed.payload["outcome"] != metrics.OutcomeReply {
		t.Fatalf("unexpected outcome %v", completed.payload["outcome"])
	}
}

func TestSubmit_Metrics(t *testing.T) {
	var mu sync.Mutex
	results := []error{nil, errors.New("boom"), modelpkg.ErrContextOverflow}
	starter := newFakeStarter(func(context.Context, string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		err := results[0]
		results = results[1:]
		return "ok", err
	})
	m := metrics.New(prometheus.NewRegistry())
	o, _ := newOrchestrator(t, starter, Options{Metrics: m})

	for _, text := range []string{"a", "b", "c"} {
		o.Submit(context.Background(), text)
	}

	if got := testutil.ToFloat64(m.SubmitsTotal); got != 3 {
		t.Fatalf("expected 3 submits, got %v", got)
	}
	if got := testutil.ToFloat64(m.SubmitsInFlight); got != 0 {
		t.Fatalf("expected nothing in flight, got %v", got)
	}
	for _, outcome := range []string{metrics.OutcomeReply, metrics.OutcomeError, metrics.OutcomeOverflow} {
		if got := testutil.ToFloat64(m.RepliesTotal.WithLabelValues(outcome)); got != 1 {
			t.Fatalf("expected one %s reply, got %v", outcome, got)
		}
	}
	if got := testutil.ToFloat64(m.CondensationsTotal); got != 1 {
		t.Fatalf("expected one condensation, got %v", got)
	}
	// [system, a, ok] condensed to [system, ok].
	if got := testutil.ToFloat64(m.CondensedEntriesDroppedTotal); got != 1 {
		t.Fatalf("expected one dropped entry, got %v", got)
	}
}

func TestSubmit_WithSessionServiceRecoversFromLocalOverflow(t *testing.T) {
	provider, err := dummy.NewProvider("dummy", "echo")
	if err != nil {
		t.Fatal(err)
	}
	svc := session.NewService(provider, session.Config{
		Instructions:        "sys",
		ContextWindowTokens: 40,
	}, zerolog.Nop())
	o, log := newOrchestrator(t, svc, Options{})

	o.Submit(context.Background(), "hello")
	o.Submit(context.Background(), strings.Repeat("very long text ", 30))
	o.Submit(context.Background(), "hi")

	snap := log.Snapshot()
	assertNoThinking(t, snap)
	texts := make([]string, 0, len(snap))
	for _, m := range snap {
		texts = append(texts, m.Text)
	}
	if len(snap) != 6 {
		t.Fatalf("expected 6 messages, got %q", texts)
	}
	if texts[1] != "Received: hello" || texts[3] != ContextDroppedNotice || texts[5] != "Received: hi" {
		t.Fatalf("unexpected conversation %q", texts)
	}
	// Only the successful turns reached the provider.
	if provider.Calls() != 2 {
		t.Fatalf("expected 2 provider calls, got %d", provider.Calls())
	}
}
