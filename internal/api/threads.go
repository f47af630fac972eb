package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/HyphaGroup/portcullis/internal/auth"
	"github.com/HyphaGroup/portcullis/internal/codex"
	"github.com/HyphaGroup/portcullis/internal/session"
	"github.com/HyphaGroup/portcullis/internal/validation"
)

const (
	defaultThreadLimit = 50
	maxThreadLimit     = 200
)

// handleThreads lists the user's conversations with previews.
func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := defaultThreadLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxThreadLimit {
		limit = maxThreadLimit
	}
	cursor := r.URL.Query().Get("cursor")

	userID := auth.UserIDFromContext(r.Context())
	lease, err := s.sessions.Acquire(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer lease.Release()

	page, err := lease.Session().Threads(r.Context(), limit, cursor)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := ThreadsResponse{
		Threads:    make([]ThreadInfo, 0, len(page.Data)),
		NextCursor: page.NextCursor,
	}
	for _, t := range page.Data {
		resp.Threads = append(resp.Threads, ThreadInfo{
			ThreadID:  t.ID,
			Preview:   t.Preview,
			CreatedAt: t.CreatedAt,
			UpdatedAt: t.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHistory returns one conversation with its full turn list.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		writeDetail(w, http.StatusBadRequest, "thread_id is required")
		return
	}
	if err := validation.ValidateThreadID(threadID); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid thread_id")
		return
	}

	userID := auth.UserIDFromContext(r.Context())
	lease, err := s.sessions.Acquire(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer lease.Release()

	detail, err := lease.Session().History(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, session.ErrThreadNotFound) {
			writeDetail(w, http.StatusNotFound, "Thread not found: "+threadID)
			return
		}
		writeError(w, r, err)
		return
	}

	// Prefer a preview derived from the turns themselves; the upstream's
	// own preview field is the fallback.
	preview := codex.PreviewFromTurns(detail.Turns)
	if preview == "" {
		preview = detail.Preview
	}

	turns := detail.Turns
	if len(turns) == 0 {
		turns = json.RawMessage("[]")
	}

	id := detail.ID
	if id == "" {
		id = threadID
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		ThreadID:  id,
		Preview:   preview,
		Turns:     turns,
		CreatedAt: detail.CreatedAt,
	})
}
