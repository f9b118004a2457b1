package bus

// Event types carried over the streaming boundary.
const (
	TypeStatus      = "status"
	TypeProgress    = "progress"
	TypeAgentUpdate = "agent-update"
	TypeThinking    = "thinking"
	TypeToolUse     = "tool_use"
	TypeToolResult  = "tool_result"
	TypeResult      = "result"
	TypeError       = "error"
)

// ProgressPayload is the data of a progress event emitted by a stage tracker.
type ProgressPayload struct {
	SessionID string `json:"sessionId"`
	Stage     string `json:"stage"`
	Progress  int    `json:"progress"`
	Message   string `json:"message"`
}

// StatusPayload is the data of a status event describing a job's state.
type StatusPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Message   string `json:"message,omitempty"`
}

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
	Progress  int    `json:"progress"`
}
