package invoker

import "encoding/json"

// Frame types recognized on the agent's NDJSON stream. Unknown types are
// ignored so agents can extend the protocol without breaking callers.
const (
	FrameClaudeJSON = "claude_json"
	FrameError      = "error"
	FrameAborted    = "aborted"
	FrameDone       = "done"
)

// ChatRequest is the body POSTed to {endpoint}/api/chat.
type ChatRequest struct {
	Message          string          `json:"message"`
	RequestID        string          `json:"requestId"`
	WorkingDirectory string          `json:"workingDirectory,omitempty"`
	ClaudeAuth       json.RawMessage `json:"claudeAuth,omitempty"`
}

// Frame is one NDJSON line of the agent's response stream.
type Frame struct {
	Type    string            `json:"type"`
	Message *AssistantMessage `json:"message,omitempty"` // claude_json payload
	Error   string            `json:"error,omitempty"`   // error payload
}

// AssistantMessage is the assistant-style message embedded in a claude_json
// frame.
type AssistantMessage struct {
	Role      string         `json:"role,omitempty"`
	Content   []ContentBlock `json:"content"`
	SessionID string         `json:"session_id,omitempty"`
}

// ContentBlock is one fragment of an assistant message; only text blocks
// contribute to the aggregated result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextFrame builds a claude_json frame carrying one text fragment.
func TextFrame(text, sessionID string) Frame {
	return Frame{
		Type: FrameClaudeJSON,
		Message: &AssistantMessage{
			Role:      "assistant",
			Content:   []ContentBlock{{Type: "text", Text: text}},
			SessionID: sessionID,
		},
	}
}
