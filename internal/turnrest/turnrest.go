// Package turnrest mints coturn-compatible TURN REST credentials
// (draft-uberti-behave-turn-rest, coturn "use-auth-secret"):
//
//	username   = <unix_expiry>:<prefix>:<session>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The TURN server recomputes the HMAC with the same secret, so the relay never
// has to share long-lived TURN passwords with browsers.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	Clock clock.Clock
	// NewSessionID defaults to a dashless UUIDv4.
	NewSessionID func() string
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

type Minter struct {
	secret []byte
	ttl    int64
	prefix string
	clock  clock.Clock
	newID  func() string
}

func New(cfg Config) (*Minter, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if cfg.TTL < time.Second {
		return nil, errors.New("turnrest: ttl must be at least 1s")
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	return &Minter{
		secret: []byte(cfg.SharedSecret),
		ttl:    int64(cfg.TTL / time.Second),
		prefix: cfg.UsernamePrefix,
		clock:  cfg.Clock,
		newID:  cfg.NewSessionID,
	}, nil
}

// Mint returns credentials for sessionID that expire TTL from now (UTC).
func (m *Minter) Mint(sessionID string) (Credentials, error) {
	if sessionID == "" {
		return Credentials{}, errors.New("turnrest: session id is required")
	}
	if strings.Contains(sessionID, ":") {
		return Credentials{}, errors.New("turnrest: session id must not contain ':'")
	}
	expiry := m.clock.Now().UTC().Unix() + m.ttl
	username := fmt.Sprintf("%d:%s:%s", expiry, m.prefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: sign(m.secret, username),
		Expires:    time.Unix(expiry, 0).UTC(),
	}, nil
}

// Apply mints one credential pair and fills it into every TURN entry that
// has no static credentials. STUN entries and TURN entries with their own
// credentials are returned unchanged.
func (m *Minter) Apply(servers []webrtc.ICEServer) ([]webrtc.ICEServer, Credentials, error) {
	creds, err := m.Mint(m.newID())
	if err != nil {
		return nil, Credentials{}, err
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, s := range servers {
		out[i] = s
		if HasTURNURL(s) && s.Username == "" {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out, creds, nil
}

func HasTURNURL(s webrtc.ICEServer) bool {
	for _, raw := range s.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
