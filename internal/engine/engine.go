// Package engine defines the reasoning-engine contract that research jobs
// drive, and its implementations.
package engine

import (
	"context"
	"encoding/json"
)

// Kind classifies one message of an engine run.
type Kind string

const (
	KindAssistant  Kind = "assistant"
	KindThinking   Kind = "thinking"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindResult     Kind = "result"
	KindError      Kind = "error"
)

// Stop reasons carried by the final result message.
const (
	StopEndTurn   = "end_turn"
	StopMaxTurns  = "max_turns"
	StopMaxBudget = "max_budget"
)

// Usage is the spend accumulated by a run so far.
type Usage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalTokens  int     `json:"totalTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// Message is one item of the engine's output stream. Tool-result messages
// carry the name of the tool that produced them.
type Message struct {
	Kind       Kind            `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolUseID  string          `json:"toolUseId,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	StopReason string          `json:"stopReason,omitempty"`
	Turns      int             `json:"turns,omitempty"`
}

// Request describes one engine run.
type Request struct {
	SystemPrompt string
	Prompt       string
	Tools        []string
	Model        string
	MaxTurns     int
	MaxBudgetUSD float64
}

// Engine runs a request and calls emit for every message, in order. A non-nil
// error from emit aborts the run and is returned unchanged.
type Engine interface {
	Name() string
	Run(ctx context.Context, req Request, emit func(Message) error) error
}

// DefaultMaxTurns bounds a run when the request leaves MaxTurns unset.
const DefaultMaxTurns = 50
