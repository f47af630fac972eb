package rpc

import (
	"encoding/json"
	"fmt"
)

// request is an outgoing JSON-RPC 2.0 request or notification.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"` // nil for notifications
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is an incoming JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// serverReply is the response shape written back for server-initiated
// requests the gateway does not implement.
type serverReply struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Error   *RPCError `json:"error"`
}

// incoming is the superset shape used to classify a stdout line before
// handing it to the response or notification path.
type incoming struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object returned by the child.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

const codeMethodNotFound = -32601

// Envelope is one server-originated notification as read off the wire.
// Raw preserves the exact line so stream consumers can re-emit it
// verbatim.
type Envelope struct {
	Method string
	Params json.RawMessage
	Raw    json.RawMessage
}

// threadParams covers both dialects of thread identification seen in
// app-server notifications.
type threadParams struct {
	ThreadID       string `json:"threadId"`
	ConversationID string `json:"conversationId"`
}

// ThreadID extracts the thread identifier from the notification params,
// accepting both the threadId and conversationId spellings. Empty when
// the notification carries neither.
func (e *Envelope) ThreadID() string {
	if len(e.Params) == 0 {
		return ""
	}
	var p threadParams
	if err := json.Unmarshal(e.Params, &p); err != nil {
		return ""
	}
	if p.ThreadID != "" {
		return p.ThreadID
	}
	return p.ConversationID
}

// MatchThread returns a predicate selecting notifications for one thread.
func MatchThread(threadID string) func(*Envelope) bool {
	return func(e *Envelope) bool {
		return e.ThreadID() == threadID
	}
}
