package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/HyphaGroup/portcullis/internal/audit"
	"github.com/HyphaGroup/portcullis/internal/config"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/validation"
)

// TokenIntrospector validates bearer tokens. *Introspector is the
// Keycloak-backed implementation.
type TokenIntrospector interface {
	Introspect(ctx context.Context, token string) (*Introspection, error)
}

// IdentityStore checks that a user id belongs to a token subject.
// *UserStore is the SQLite-backed implementation.
type IdentityStore interface {
	VerifyIdentity(ctx context.Context, subject, userID string) error
}

// Authenticator resolves the caller identity for every request.
type Authenticator struct {
	method        string
	allowOverride bool
	introspector  TokenIntrospector
	users         IdentityStore
}

// NewAuthenticator wires an authenticator from the security config.
// introspector and users may be nil when the method is "none".
func NewAuthenticator(sec *config.SecuritySection, introspector TokenIntrospector, users IdentityStore) *Authenticator {
	return &Authenticator{
		method:        sec.Method,
		allowOverride: sec.UserIDOverrideAllowed(),
		introspector:  introspector,
		users:         users,
	}
}

// Middleware authenticates the request and stores the resolved Identity
// in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, status, msg := a.resolve(r)
		if identity == nil {
			audit.LogDenied(r.Context(), RequestedUserID(r), status, msg)
			jsonDetail(w, msg, status)
			return
		}

		ctx := WithIdentity(r.Context(), identity)
		ctx = context.WithValue(ctx, logger.ContextKeyUserID, identity.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolve returns the identity, or nil with an HTTP status and message
// when the request must be rejected.
func (a *Authenticator) resolve(r *http.Request) (*Identity, int, string) {
	requested := RequestedUserID(r)

	if a.method != config.SecurityKeycloak {
		if a.allowOverride && requested != "" {
			if err := validation.ValidateUserID(requested); err != nil {
				logger.WarnContext(r.Context(), "rejected user id", "user_id", requested, "error", err)
				return nil, http.StatusBadRequest, "Invalid user_id"
			}
			return &Identity{UserID: requested}, 0, ""
		}
		return &Identity{UserID: DefaultUserID}, 0, ""
	}

	token := bearerToken(r)
	if token == "" {
		return nil, http.StatusUnauthorized, "Authentication required (Bearer token)"
	}

	intro, err := a.introspector.Introspect(r.Context(), token)
	if err != nil {
		logger.WarnContext(r.Context(), "token introspection failed", "error", err)
		return nil, http.StatusServiceUnavailable, "Authorization service unavailable"
	}
	if !intro.Active || intro.Subject == "" {
		logger.InfoContext(r.Context(), "rejected inactive token", "token", maskToken(token))
		return nil, http.StatusUnauthorized, "Invalid or expired token"
	}

	if requested == "" {
		return nil, http.StatusBadRequest, "user_id is required"
	}
	if err := validation.ValidateUserID(requested); err != nil {
		logger.WarnContext(r.Context(), "rejected user id", "user_id", requested, "error", err)
		return nil, http.StatusBadRequest, "Invalid user_id"
	}

	if err := a.users.VerifyIdentity(r.Context(), intro.Subject, requested); err != nil {
		if errors.Is(err, ErrIdentityMismatch) {
			logger.WarnContext(r.Context(), "user id does not match token subject",
				"user_id", requested, "subject", intro.Subject)
			return nil, http.StatusForbidden, "User not found in system or ID mismatch"
		}
		logger.ErrorContext(r.Context(), "user directory lookup failed", "error", err)
		return nil, http.StatusServiceUnavailable, "Authorization service unavailable"
	}

	return &Identity{UserID: requested, Subject: intro.Subject}, 0, ""
}

// RequestedUserID extracts the caller-supplied user id from, in priority
// order, a user_id body field, the X-User-Id header, and the user_id
// query parameter. The body is buffered and restored so handlers can
// read it again.
func RequestedUserID(r *http.Request) string {
	if id := bodyUserID(r); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.Header.Get("X-User-Id")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

func bodyUserID(r *http.Request) string {
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return ""
	}
	if ct := r.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		return ""
	}

	body, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var probe struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return strings.TrimSpace(probe.UserID)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

// jsonDetail writes the {"detail": ...} error shape used across the API.
func jsonDetail(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": message})
}

func maskToken(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:8] + "..." + token[len(token)-4:]
}
