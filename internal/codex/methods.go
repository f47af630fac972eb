package codex

import "encoding/json"

// Request methods implemented by codex app-server.
const (
	methodInitialize   = "initialize"
	methodLoginStart   = "account/login/start"
	methodThreadStart  = "thread/start"
	methodThreadResume = "thread/resume"
	methodThreadList   = "thread/list"
	methodThreadRead   = "thread/read"
	methodTurnStart    = "turn/start"
)

// notifyInitialized is sent by the client after a successful initialize.
const notifyInitialized = "initialized"

// Notification methods emitted by the child during a turn.
const (
	NoteTurnStarted       = "turn/started"
	NoteTurnCompleted     = "turn/completed"
	NoteTurnFailed        = "turn/failed"
	NoteItemStarted       = "item/started"
	NoteItemCompleted     = "item/completed"
	NoteAgentMessageDelta = "item/agentMessage/delta"
	NoteError             = "error"
)

// IsTerminal reports whether a notification method ends a turn. Both the
// slash and dot spellings are accepted; older app-server builds emitted
// the dotted form.
func IsTerminal(method string) bool {
	switch method {
	case "turn/completed", "turn.completed", "turn/failed", "turn.failed":
		return true
	}
	return false
}

// IsFailure reports whether a terminal notification represents a failed
// turn.
func IsFailure(method string) bool {
	return method == "turn/failed" || method == "turn.failed"
}

type clientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title"`
	Version string `json:"version"`
}

type initializeParams struct {
	ClientInfo clientInfo `json:"clientInfo"`
}

type loginParams struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey"`
}

type threadStartParams struct {
	ApprovalPolicy string `json:"approvalPolicy"`
	Model          string `json:"model,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
}

type threadRef struct {
	ID string `json:"id"`
}

type threadStartResult struct {
	Thread threadRef `json:"thread"`
}

type threadResumeParams struct {
	ThreadID string `json:"threadId"`
}

type threadListParams struct {
	Limit   int    `json:"limit"`
	SortKey string `json:"sortKey"`
	Cursor  string `json:"cursor,omitempty"`
}

// ThreadSummary is one entry of a thread/list page. Timestamps pass
// through unmodified; the upstream owns their format.
type ThreadSummary struct {
	ID        string          `json:"id"`
	Preview   string          `json:"preview"`
	CreatedAt json.RawMessage `json:"createdAt,omitempty"`
	UpdatedAt json.RawMessage `json:"updatedAt,omitempty"`
}

// ThreadPage is a thread/list result.
type ThreadPage struct {
	Data       []ThreadSummary `json:"data"`
	NextCursor string          `json:"nextCursor"`
}

type threadReadParams struct {
	ThreadID     string `json:"threadId"`
	IncludeTurns bool   `json:"includeTurns"`
}

// ThreadDetail is a thread/read result with its turns attached. Turns are
// opaque to the gateway beyond preview derivation.
type ThreadDetail struct {
	ID        string          `json:"id"`
	Preview   string          `json:"preview"`
	Turns     json.RawMessage `json:"turns"`
	CreatedAt json.RawMessage `json:"createdAt,omitempty"`
}

type threadReadResult struct {
	Thread ThreadDetail `json:"thread"`
}

type inputItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type turnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []inputItem `json:"input"`
	Model    string      `json:"model,omitempty"`
}
