package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// ScriptedEngine replays a fixed message list. It backs tests and the
// "scripted" provider for offline runs.
type ScriptedEngine struct {
	Messages []Message
	// Delay is slept before each message.
	Delay time.Duration
	// Err, when set, is returned after every message has been emitted.
	Err error

	mu       sync.Mutex
	requests []Request
}

func NewScriptedEngine(msgs ...Message) *ScriptedEngine {
	return &ScriptedEngine{Messages: msgs}
}

func (s *ScriptedEngine) Name() string { return "scripted" }

func (s *ScriptedEngine) Run(ctx context.Context, req Request, emit func(Message) error) error {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	for _, msg := range s.Messages {
		if s.Delay > 0 {
			timer := time.NewTimer(s.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return context.Cause(ctx)
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if err := emit(msg); err != nil {
			return err
		}
	}
	return s.Err
}

// Requests returns every request Run has received.
func (s *ScriptedEngine) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// DemoScript is the message list used by the scripted provider when no
// script is configured: one search, one report, one result.
func DemoScript(query string) []Message {
	searchIn := mustJSON(map[string]any{"query": query, "maxResults": 3})
	searchOut := mustJSON(map[string]any{
		"query": query,
		"results": []map[string]any{
			{"title": "Overview of " + query, "url": "https://example.org/overview", "snippet": "An overview.", "score": 0.9},
		},
		"totalFound":  1,
		"searchDepth": "basic",
	})
	reportOut := mustJSON(map[string]any{
		"markdown": "# " + query + "\n\nScripted findings.",
		"stats":    map[string]any{"wordCount": 3},
		"metadata": map[string]any{"title": query},
	})
	return []Message{
		{Kind: KindThinking, Text: "Planning searches for: " + query},
		{Kind: KindToolUse, ToolName: "web_search", ToolUseID: "toolu_1", Input: searchIn},
		{Kind: KindToolResult, ToolName: "web_search", ToolUseID: "toolu_1", Output: searchOut},
		{Kind: KindToolUse, ToolName: "report_writer", ToolUseID: "toolu_2", Input: mustJSON(map[string]any{"title": query})},
		{Kind: KindToolResult, ToolName: "report_writer", ToolUseID: "toolu_2", Output: reportOut},
		{Kind: KindResult, Text: "Research complete.", StopReason: StopEndTurn, Turns: 3, Usage: &Usage{}},
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
