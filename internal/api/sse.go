package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// streamWriter frames server-sent events over a flushable response
// writer. Every frame is flushed immediately so the client sees tokens
// as they arrive.
type streamWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

// newStreamWriter sets the SSE headers and commits the 200. The caller
// must have checked flushability via canStream first.
func newStreamWriter(w http.ResponseWriter, f http.Flusher) *streamWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &streamWriter{w: w, f: f}
}

// canStream reports whether the response writer supports flushing.
func canStream(w http.ResponseWriter) (http.Flusher, bool) {
	f, ok := w.(http.Flusher)
	return f, ok
}

// send writes one data frame. An error means the client is gone.
func (s *streamWriter) send(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// sendJSON marshals v into one data frame.
func (s *streamWriter) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.send(payload)
}

// done writes the terminal [DONE] frame.
func (s *streamWriter) done() {
	_, _ = io.WriteString(s.w, "data: [DONE]\n\n")
	s.f.Flush()
}
