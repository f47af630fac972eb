package api

import "encoding/json"

// ChatMessage is one entry of a chat request's message list.
type ChatMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// ChatRequest is the POST /chat body. Only the last message's content is
// sent upstream; earlier messages ride along for client-shape
// compatibility. Thread context lives in the child, not in the request.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	ThreadID string        `json:"thread_id,omitempty"`
	Model    string        `json:"model,omitempty"`
	Stream   *bool         `json:"stream,omitempty"`
	UserID   string        `json:"user_id,omitempty"`
}

// Prompt returns the last message's content, empty when there is none.
func (r *ChatRequest) Prompt() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Content
}

// Streaming reports the stream flag, defaulting to true when absent.
func (r *ChatRequest) Streaming() bool {
	return r.Stream == nil || *r.Stream
}

// ChatResponse is the non-streaming /chat envelope: the concatenated
// agent message plus every notification observed during the turn.
type ChatResponse struct {
	ThreadID string            `json:"thread_id"`
	Message  string            `json:"message"`
	Events   []json.RawMessage `json:"events"`
}

// ThreadInfo is one normalized /threads entry. Timestamps pass through
// in the upstream's format.
type ThreadInfo struct {
	ThreadID  string          `json:"thread_id"`
	Preview   string          `json:"preview"`
	CreatedAt json.RawMessage `json:"created_at,omitempty"`
	UpdatedAt json.RawMessage `json:"updated_at,omitempty"`
}

// ThreadsResponse is the /threads page.
type ThreadsResponse struct {
	Threads    []ThreadInfo `json:"threads"`
	NextCursor string       `json:"next_cursor"`
}

// HistoryResponse is the /history body for one thread.
type HistoryResponse struct {
	ThreadID  string          `json:"thread_id"`
	Preview   string          `json:"preview"`
	Turns     json.RawMessage `json:"turns"`
	CreatedAt json.RawMessage `json:"created_at,omitempty"`
}

// StatusResponse reports upstream availability for /status.
type StatusResponse struct {
	Status           string `json:"status"`
	CodexAvailable   bool   `json:"codex_available"`
	CodexVersion     string `json:"codex_version,omitempty"`
	APIKeyConfigured bool   `json:"api_key_configured"`
	ActiveSessions   int    `json:"active_sessions"`
	MaxSessions      int    `json:"max_sessions"`
}

// RootResponse is the GET / service descriptor.
type RootResponse struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}
