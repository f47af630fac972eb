package api

import (
	"net/http"
	"time"

	"github.com/HyphaGroup/portcullis/internal/codex"
)

// versionCacheTTL keeps /status cheap: the subprocess probe runs at most
// once per window.
const versionCacheTTL = 15 * time.Second

// codexVersion probes `codex --version`, caching the outcome briefly.
func (s *Server) codexVersion(r *http.Request) (string, error) {
	s.probeMu.Lock()
	defer s.probeMu.Unlock()

	if !s.probeAt.IsZero() && time.Since(s.probeAt) < versionCacheTTL {
		return s.probeVersion, s.probeErr
	}

	binary, err := s.cfg.ResolveBinary()
	if err != nil {
		s.probeVersion, s.probeErr = "", err
	} else {
		s.probeVersion, s.probeErr = codex.Version(r.Context(), binary)
	}
	s.probeAt = time.Now()
	return s.probeVersion, s.probeErr
}

// handleStatus reports upstream availability: ok when the binary runs
// and an API key is configured, unavailable when neither holds, degraded
// otherwise.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	version, err := s.codexVersion(r)
	available := err == nil
	keyConfigured := s.cfg.Codex.APIKey != ""

	status := "degraded"
	switch {
	case available && keyConfigured:
		status = "ok"
	case !available && !keyConfigured:
		status = "unavailable"
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Status:           status,
		CodexAvailable:   available,
		CodexVersion:     version,
		APIKeyConfigured: keyConfigured,
		ActiveSessions:   s.sessions.Count(),
		MaxSessions:      s.sessions.MaxSessions(),
	})
}
