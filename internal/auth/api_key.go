package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// APIKeyVerifier checks the key a peer or publisher presents against the
// relay's configured API key.
//
// Expected is compared after trimming surrounding whitespace, matching how
// CredentialFromRequest trims the presented key. A blank Expected never
// matches: config rejects api_key mode without a key, and a verifier built
// any other way must not turn into an open relay.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(key string) error {
	want := strings.TrimSpace(v.Expected)
	if want == "" {
		return ErrInvalidCredentials
	}
	// ConstantTimeCompare returns early on a length mismatch, which leaks only
	// the key length.
	if subtle.ConstantTimeCompare([]byte(key), []byte(want)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
