package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Introspection is the subset of the RFC 7662 response we act on.
type Introspection struct {
	Active   bool   `json:"active"`
	Subject  string `json:"sub"`
	Username string `json:"preferred_username"`
}

// Introspector validates bearer tokens against a Keycloak token
// introspection endpoint.
type Introspector struct {
	endpoint     string
	clientID     string
	clientSecret string
	client       *http.Client
}

// NewIntrospector creates an introspection client for the given endpoint.
// The client credentials authenticate this service to Keycloak.
func NewIntrospector(endpoint, clientID, clientSecret string) *Introspector {
	return &Introspector{
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Introspect posts the token to the introspection endpoint and returns
// its state. A returned error means the endpoint could not be consulted,
// not that the token is invalid.
func (i *Introspector) Introspect(ctx context.Context, token string) (*Introspection, error) {
	form := url.Values{}
	form.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(i.clientID, i.clientSecret)

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection endpoint returned %d", resp.StatusCode)
	}

	var result Introspection
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode introspection response: %w", err)
	}

	return &result, nil
}
