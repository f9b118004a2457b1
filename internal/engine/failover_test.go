package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakeEngine is a named Engine whose behaviour is set per test.
type fakeEngine struct {
	name   string
	calls  int
	models []string
	run    func(emit func(Message) error) error
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Run(_ context.Context, req Request, emit func(Message) error) error {
	f.calls++
	f.models = append(f.models, req.Model)
	return f.run(emit)
}

func failing(msg string) func(func(Message) error) error {
	return func(func(Message) error) error { return errors.New(msg) }
}

func succeeding(text string) func(func(Message) error) error {
	return func(emit func(Message) error) error {
		return emit(Message{Kind: KindResult, Text: text})
	}
}

func runText(t *testing.T, e Engine) (string, error) {
	t.Helper()
	var text string
	err := e.Run(context.Background(), Request{}, func(m Message) error {
		text = m.Text
		return nil
	})
	return text, err
}

func TestFailover_PrimarySucceeds(t *testing.T) {
	primary := &fakeEngine{name: "primary", run: succeeding("primary")}
	fallback := &fakeEngine{name: "fallback", run: succeeding("fallback")}

	fe := NewFailoverEngine(primary, []Engine{fallback}, 5, time.Minute)
	text, err := runText(t, fe)
	if err != nil || text != "primary" {
		t.Fatalf("text=%q err=%v", text, err)
	}
	if fallback.calls != 0 {
		t.Fatal("fallback should not run")
	}
}

func TestFailover_FallbackBeforeFirstMessage(t *testing.T) {
	primary := &fakeEngine{name: "primary", run: failing("HTTP 503 overloaded")}
	fallback := &fakeEngine{name: "fallback", run: succeeding("fallback")}

	fe := NewFailoverEngine(primary, []Engine{fallback}, 5, time.Minute)
	text, err := runText(t, fe)
	if err != nil || text != "fallback" {
		t.Fatalf("text=%q err=%v", text, err)
	}
}

func TestFailover_FallbackUsesOwnModel(t *testing.T) {
	primary := &fakeEngine{name: "primary", run: failing("HTTP 503 overloaded")}
	fallback := &fakeEngine{name: "fallback", run: succeeding("fallback")}

	fe := NewFailoverEngine(primary, []Engine{fallback}, 5, time.Minute)
	err := fe.Run(context.Background(), Request{Model: "claude-opus-4-1"}, func(Message) error { return nil })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(primary.models) != 1 || primary.models[0] != "claude-opus-4-1" {
		t.Fatalf("primary models = %v", primary.models)
	}
	if len(fallback.models) != 1 || fallback.models[0] != "" {
		t.Fatalf("fallback models = %v, want its default", fallback.models)
	}
}

func TestFailover_NoFallbackAfterEmitting(t *testing.T) {
	primary := &fakeEngine{name: "primary", run: func(emit func(Message) error) error {
		_ = emit(Message{Kind: KindThinking, Text: "partial"})
		return errors.New("stream reset")
	}}
	fallback := &fakeEngine{name: "fallback", run: succeeding("fallback")}

	fe := NewFailoverEngine(primary, []Engine{fallback}, 5, time.Minute)
	_, err := runText(t, fe)
	if err == nil || !strings.Contains(err.Error(), "stream reset") {
		t.Fatalf("expected primary error, got %v", err)
	}
	if fallback.calls != 0 {
		t.Fatal("fallback must not run after a partial stream")
	}
}

func TestFailover_ContextOverflowStops(t *testing.T) {
	primary := &fakeEngine{name: "primary", run: failing("context_length_exceeded")}
	fallback := &fakeEngine{name: "fallback", run: succeeding("fallback")}

	fe := NewFailoverEngine(primary, []Engine{fallback}, 5, time.Minute)
	if _, err := runText(t, fe); err == nil {
		t.Fatal("expected context overflow error")
	}
	if fallback.calls != 0 {
		t.Fatal("fallback should not run on context overflow")
	}
}

func TestFailover_BreakerTripsAndResets(t *testing.T) {
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	primary := &fakeEngine{name: "primary", run: failing("HTTP 500")}
	fallback := &fakeEngine{name: "fallback", run: succeeding("fallback")}

	fe := NewFailoverEngine(primary, []Engine{fallback}, 2, time.Minute)
	fe.now = func() time.Time { return clock }

	for i := 0; i < 2; i++ {
		if _, err := runText(t, fe); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if primary.calls != 2 {
		t.Fatalf("primary calls = %d", primary.calls)
	}

	// Tripped: primary is skipped.
	if _, err := runText(t, fe); err != nil {
		t.Fatalf("run: %v", err)
	}
	if primary.calls != 2 {
		t.Fatalf("tripped primary was called: %d", primary.calls)
	}

	clock = clock.Add(2 * time.Minute)
	primary.run = succeeding("primary")
	text, err := runText(t, fe)
	if err != nil || text != "primary" {
		t.Fatalf("after cooldown text=%q err=%v", text, err)
	}
}

func TestFailover_AllFail(t *testing.T) {
	primary := &fakeEngine{name: "primary", run: failing("p down")}
	fallback := &fakeEngine{name: "fallback", run: failing("f down")}

	fe := NewFailoverEngine(primary, []Engine{fallback}, 5, time.Minute)
	_, err := runText(t, fe)
	if err == nil || !strings.Contains(err.Error(), "f down") {
		t.Fatalf("expected last error, got %v", err)
	}
	if fe.Name() != fmt.Sprintf("failover/%s", "primary") {
		t.Fatalf("name = %q", fe.Name())
	}
}
