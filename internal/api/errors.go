// Package api is the HTTP surface of the gateway: chat turn
// orchestration, thread queries, status, and the middleware stack.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/rpc"
	"github.com/HyphaGroup/portcullis/internal/session"
)

// Kind classifies an error for the HTTP boundary.
type Kind int

const (
	KindValidation Kind = iota // 400
	KindAuth                   // 401
	KindForbidden              // 403
	KindNotFound               // 404
	KindCapacity               // 503
	KindUpstream               // 502
	KindTimeout                // 504
	KindInternal               // 500
)

func (k Kind) status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindCapacity:
		return http.StatusServiceUnavailable
	case KindUpstream:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a taxonomy kind and the client-facing detail string.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.cause)
	}
	return e.Detail
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Errf builds an Error with a formatted detail message.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// classify maps an error from the session layer to an HTTP status and
// the detail string sent to the client.
func classify(err error) (int, string) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind.status(), apiErr.Detail
	}

	switch {
	case errors.Is(err, session.ErrThreadNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrCapacity),
		errors.Is(err, session.ErrUnavailable),
		errors.Is(err, session.ErrShutdown):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, session.ErrTurnTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, err.Error()
	}

	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		return http.StatusBadGateway, err.Error()
	}

	// Everything else reaching this path crossed the child boundary:
	// spawn failures, handshake failures, transport death mid-call.
	return http.StatusBadGateway, err.Error()
}

// writeJSON writes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response: %v", err)
	}
}

// writeDetail writes the {"detail": ...} error body every failure uses.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeError classifies err and writes its error body. Server-side
// failures are logged with the request context.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := classify(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "status", status, "error", err)
	} else {
		logger.InfoContext(r.Context(), "request rejected", "status", status, "error", err)
	}
	writeDetail(w, status, detail)
}
