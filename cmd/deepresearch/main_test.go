package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"slices"
	"strings"
	"testing"

	"github.com/basket/deep-research/internal/config"
	"github.com/basket/deep-research/internal/engine"
	"github.com/basket/deep-research/internal/otel"
	"github.com/basket/deep-research/internal/tools"
)

func TestParseServeArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    serveMode
		wantErr bool
	}{
		{name: "no args means run", args: nil, want: serveRun},
		{name: "double dash help", args: []string{"--help"}, want: serveHelp},
		{name: "single dash help", args: []string{"-h"}, want: serveHelp},
		{name: "help token", args: []string{"help"}, want: serveHelp},
		{name: "unexpected arg", args: []string{"extra"}, want: serveRun, wantErr: true},
		{name: "too many args", args: []string{"--help", "extra"}, want: serveRun, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseServeArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("mode mismatch: got %v want %v", got, tt.want)
			}
		})
	}
}

func TestPrintServeUsage(t *testing.T) {
	var buf bytes.Buffer
	printServeUsage(&buf)
	if !strings.Contains(buf.String(), "usage: deepresearch serve [--help]") {
		t.Fatalf("usage output missing serve usage: %q", buf.String())
	}
}

func TestSplitOrigins(t *testing.T) {
	got := splitOrigins(" http://localhost:3000, https://app.example ,,")
	want := []string{"http://localhost:3000", "https://app.example"}
	if !slices.Equal(got, want) {
		t.Fatalf("origins = %v, want %v", got, want)
	}
	if got := splitOrigins(""); got != nil {
		t.Fatalf("empty origins = %v", got)
	}
}

func TestIsAddrInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	_, err = net.Listen("tcp", ln.Addr().String())
	if err == nil {
		t.Fatal("second listen on the same port succeeded")
	}
	if !isAddrInUse(err) {
		t.Fatalf("isAddrInUse(%v) = false", err)
	}
	if isAddrInUse(errors.New("permission denied")) {
		t.Fatal("unrelated error reported as address in use")
	}
}

func TestPortOccupantHint_NoLsof(t *testing.T) {
	orig := execCommandFunc
	t.Cleanup(func() { execCommandFunc = orig })
	execCommandFunc = newExecCommandStub("false")

	hint := portOccupantHint("127.0.0.1:3001")
	if !strings.Contains(hint, "Port 3001 is already in use") {
		t.Fatalf("hint = %q", hint)
	}
	if hint := portOccupantHint("not-an-addr"); !strings.Contains(hint, "not-an-addr") {
		t.Fatalf("hint = %q", hint)
	}
}

func TestStartupFailure_WrapsReasonCode(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	cause := errors.New("disk full")

	err := startupFailure(logger, "E_STORE_OPEN", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want wrapped cause", err)
	}
	if !strings.Contains(buf.String(), `"reason_code":"E_STORE_OPEN"`) {
		t.Fatalf("log = %q", buf.String())
	}
}

func TestBuildEngine_Scripted(t *testing.T) {
	cfg := config.Config{}
	cfg.LLM.Provider = "scripted"
	toolset, err := tools.NewRegistry(tools.Config{}, nil, nil)
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng, model := buildEngine(context.Background(), cfg, toolset, nil, otel.Discard(), logger)
	if model != "scripted" || eng.Name() != "scripted" {
		t.Fatalf("engine = %s model = %s", eng.Name(), model)
	}

	ctx := tools.WithJobQuery(context.Background(), "kelp forests")
	var msgs []engine.Message
	if err := eng.Run(ctx, engine.Request{}, func(m engine.Message) error {
		msgs = append(msgs, m)
		return nil
	}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(msgs) == 0 || msgs[len(msgs)-1].Kind != engine.KindResult {
		t.Fatalf("messages = %+v", msgs)
	}
	if !strings.Contains(msgs[0].Text, "kelp forests") {
		t.Fatalf("first message = %q, want the job query", msgs[0].Text)
	}
}

func newExecCommandStub(name string) func(string, ...string) *exec.Cmd {
	return func(string, ...string) *exec.Cmd {
		return exec.Command(name)
	}
}
