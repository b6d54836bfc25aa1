// Package auth checks relay credentials on WebSocket upgrades and HTTP
// publishes.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/heimdall-vision/signal-relay/internal/config"
)

const (
	HeaderAPIKey = "X-API-Key"
	QueryAPIKey  = "apiKey"
)

type Verifier interface {
	Verify(credential string) error
}

// NewVerifier returns the verifier for the configured mode, or nil when
// authentication is disabled.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone, "":
		return nil, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

var ErrMissingCredentials = errors.New("auth: missing credentials")

// CredentialFromRequest extracts the API key from the X-API-Key header or, for
// browsers that cannot set headers on a WebSocket upgrade, the apiKey query
// parameter. The header wins when both are present.
func CredentialFromRequest(r *http.Request) (string, error) {
	if v := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); v != "" {
		return v, nil
	}
	if v := r.URL.Query().Get(QueryAPIKey); v != "" {
		return v, nil
	}
	return "", ErrMissingCredentials
}

// Authenticate verifies the request's credential. A nil verifier accepts
// everything.
func Authenticate(v Verifier, r *http.Request) error {
	if v == nil {
		return nil
	}
	cred, err := CredentialFromRequest(r)
	if err != nil {
		return err
	}
	return v.Verify(cred)
}
