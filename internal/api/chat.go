package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/HyphaGroup/portcullis/internal/audit"
	"github.com/HyphaGroup/portcullis/internal/auth"
	"github.com/HyphaGroup/portcullis/internal/codex"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/HyphaGroup/portcullis/internal/session"
	"github.com/HyphaGroup/portcullis/internal/validation"
)

// handleChat runs one chat turn: resolve the session, start the turn,
// then either stream the notifications as SSE or aggregate them into a
// single JSON envelope.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt()) == "" {
		writeDetail(w, http.StatusBadRequest, "Empty message")
		return
	}
	if req.ThreadID != "" {
		if err := validation.ValidateThreadID(req.ThreadID); err != nil {
			writeDetail(w, http.StatusBadRequest, "Invalid thread_id")
			return
		}
	}
	if err := validation.ValidateModel(req.Model); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid model")
		return
	}

	// A non-flushable writer cannot stream; fail before spending a turn.
	streaming := req.Streaming()
	var flusher http.Flusher
	if streaming {
		f, ok := canStream(w)
		if !ok {
			writeDetail(w, http.StatusInternalServerError, "Streaming unsupported by server")
			return
		}
		flusher = f
	}

	userID := auth.UserIDFromContext(r.Context())
	lease, err := s.sessions.Acquire(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer lease.Release()

	start := time.Now()
	handle, err := lease.Session().RunTurn(r.Context(), req.ThreadID, req.Prompt(), req.Model)
	if err != nil {
		if errors.Is(err, session.ErrThreadNotFound) {
			writeDetail(w, http.StatusNotFound, "Thread not found: "+req.ThreadID)
			return
		}
		writeError(w, r, err)
		return
	}
	defer handle.Close()

	ctx := context.WithValue(r.Context(), logger.ContextKeyThreadID, handle.ThreadID())
	logger.InfoContext(ctx, "turn started", "stream", streaming)

	var turnErr error
	if streaming {
		turnErr = s.streamTurn(ctx, newStreamWriter(w, flusher), handle)
	} else {
		turnErr = s.collectTurn(ctx, w, r, handle)
	}
	audit.LogTurn(ctx, userID, handle.ThreadID(), time.Since(start), turnErr)
}

// streamTurn relays the turn's notifications as SSE frames. The first
// frame names the thread, every upstream notification is forwarded
// verbatim, and the stream always ends with [DONE] unless the client is
// gone. The returned error is the turn's failure, not a delivery error.
func (s *Server) streamTurn(ctx context.Context, sw *streamWriter, h *session.TurnHandle) error {
	metrics.RecordStreamOpen()
	defer metrics.RecordStreamClose()

	if err := sw.sendJSON(map[string]string{"type": "session", "thread_id": h.ThreadID()}); err != nil {
		return nil
	}

	sawTerminal := false
	for {
		select {
		case env, ok := <-h.Events():
			if !ok {
				// The terminal frame already told the client how the turn
				// ended; synthesize an error frame only when it never came.
				err := h.Err()
				if err != nil && !sawTerminal {
					_ = sw.sendJSON(map[string]string{"type": "error", "message": err.Error()})
					logger.WarnContext(ctx, "stream ended early", "error", err)
				}
				sw.done()
				return err
			}
			if err := sw.send(env.Raw); err != nil {
				logger.InfoContext(ctx, "client disconnected mid-stream")
				return nil
			}
			if codex.IsTerminal(env.Method) {
				sawTerminal = true
			}
		case <-ctx.Done():
			logger.InfoContext(ctx, "client disconnected mid-stream")
			return nil
		}
	}
}

// collectTurn drains the whole turn and responds with the aggregated
// envelope: the concatenated agent message plus every notification.
func (s *Server) collectTurn(ctx context.Context, w http.ResponseWriter, r *http.Request, h *session.TurnHandle) error {
	events := make([]json.RawMessage, 0, 8)
	var message strings.Builder

	for {
		select {
		case env, ok := <-h.Events():
			if !ok {
				if err := h.Err(); err != nil {
					writeError(w, r, err)
					return err
				}
				logger.InfoContext(ctx, "turn completed", "events", len(events))
				writeJSON(w, http.StatusOK, ChatResponse{
					ThreadID: h.ThreadID(),
					Message:  message.String(),
					Events:   events,
				})
				return nil
			}
			events = append(events, env.Raw)
			if text, ok := codex.AgentMessageText(env); ok {
				message.WriteString(text)
			}
		case <-ctx.Done():
			// Client gone; abandon the handle, the upstream turn finishes
			// on its own.
			h.Close()
			logger.InfoContext(ctx, "client disconnected before turn completed")
			return nil
		}
	}
}
