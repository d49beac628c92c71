// Package dummy provides a scripted model provider for local runs and tests.
//
// A script is a comma-separated list of actions consumed one per call; the
// last action repeats once the script is exhausted:
//
//	echo          reply "Received: <last user message>"
//	ok            reply "dummy-ok"
//	msg:TEXT      reply TEXT
//	msgb64:B64    reply the base64-decoded text
//	err:CLASS     fail with a provider error
//	overflow      fail with model.ErrContextOverflow
//	sleep:MS      wait MS milliseconds, then take the next action
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	ctxpkg "github.com/stupiduntilnot/rpgchat/internal/context"
	modelpkg "github.com/stupiduntilnot/rpgchat/internal/model"
)

type action struct {
	kind string
	arg  string
}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "echo"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		switch {
		case token == "ok", token == "echo", token == "overflow":
			actions = append(actions, action{kind: token})
		case strings.HasPrefix(token, "err:"):
			actions = append(actions, action{kind: "err", arg: strings.TrimPrefix(token, "err:")})
		case strings.HasPrefix(token, "sleep:"):
			ms := strings.TrimPrefix(token, "sleep:")
			if _, err := strconv.Atoi(ms); err != nil {
				return nil, fmt.Errorf("invalid dummy sleep duration: %s", token)
			}
			actions = append(actions, action{kind: "sleep", arg: ms})
		case strings.HasPrefix(token, "msg:"):
			actions = append(actions, action{kind: "msg", arg: strings.TrimPrefix(token, "msg:")})
		case strings.HasPrefix(token, "msgb64:"):
			actions = append(actions, action{kind: "msgb64", arg: strings.TrimPrefix(token, "msgb64:")})
		default:
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "echo"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

// Provider replays a script of canned responses.
type Provider struct {
	mu     sync.Mutex
	model  string
	script *scriptRunner
	calls  int
}

// NewProvider parses script and returns a provider that follows it.
func NewProvider(model, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{model: model, script: runner}, nil
}

// Calls returns how many completions were requested.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *Provider) ChatCompletion(ctx context.Context, messages []ctxpkg.Message) (modelpkg.CompletionResponse, error) {
	p.mu.Lock()
	p.calls++
	a := p.script.next()
	for a.kind == "sleep" {
		ms, _ := strconv.Atoi(a.arg)
		next := p.script.next()
		p.mu.Unlock()
		if err := sleep(ctx, time.Duration(ms)*time.Millisecond); err != nil {
			return modelpkg.CompletionResponse{}, fmt.Errorf("dummy provider interrupted: %w", err)
		}
		p.mu.Lock()
		if next.kind == "sleep" && next == a {
			// A trailing sleep repeats forever; answer instead of looping.
			next = action{kind: "ok", arg: "dummy-after-sleep"}
		}
		a = next
	}
	p.mu.Unlock()

	// Usage is approximated at four characters per token.
	input := 0
	for _, m := range messages {
		input += len([]rune(m.Content)) + len(m.Role)
	}
	usage := func(content string) modelpkg.CompletionResponse {
		return modelpkg.CompletionResponse{
			Content:      content,
			InputTokens:  input/4 + 1,
			OutputTokens: len([]rune(content))/4 + 1,
		}
	}

	switch a.kind {
	case "echo":
		return usage(fmt.Sprintf("Received: %s", lastUserContent(messages))), nil
	case "ok":
		return usage(emptyAs(a.arg, "dummy-ok")), nil
	case "msg":
		return usage(a.arg), nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return modelpkg.CompletionResponse{}, fmt.Errorf("dummy provider msgb64 decode failed: %w", err)
		}
		return usage(string(raw)), nil
	case "err":
		return modelpkg.CompletionResponse{}, fmt.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api"))
	case "overflow":
		return modelpkg.CompletionResponse{}, fmt.Errorf("dummy provider: %w", modelpkg.ErrContextOverflow)
	default:
		return usage("dummy-ok"), nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func lastUserContent(messages []ctxpkg.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == ctxpkg.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
