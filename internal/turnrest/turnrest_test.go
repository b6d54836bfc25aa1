package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
)

func newTestMinter(t *testing.T, ttl time.Duration) *Minter {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	m, err := New(Config{
		SharedSecret:   "shared-secret",
		TTL:            ttl,
		UsernamePrefix: "heimdall",
		Clock:          clk,
		NewSessionID:   func() string { return "sess1" },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func expectedCredential(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestMint_DeterministicWithFixedTime(t *testing.T) {
	m := newTestMinter(t, time.Hour)

	creds, err := m.Mint("session123")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	wantUsername := "1700003600:heimdall:session123"
	if creds.Username != wantUsername {
		t.Fatalf("Username=%q, want %q", creds.Username, wantUsername)
	}
	if want := expectedCredential("shared-secret", wantUsername); creds.Credential != want {
		t.Fatalf("Credential=%q, want %q", creds.Credential, want)
	}
	if !creds.Expires.Equal(time.Unix(1_700_003_600, 0)) {
		t.Fatalf("Expires=%v, want 1700003600", creds.Expires.Unix())
	}
}

func TestMint_RejectsBadSessionIDs(t *testing.T) {
	m := newTestMinter(t, time.Minute)
	for _, id := range []string{"", "a:b"} {
		if _, err := m.Mint(id); err == nil {
			t.Fatalf("Mint(%q) succeeded", id)
		}
	}
}

func TestNew_Validates(t *testing.T) {
	bad := []Config{
		{TTL: time.Hour, UsernamePrefix: "p"},
		{SharedSecret: "s", TTL: 0, UsernamePrefix: "p"},
		{SharedSecret: "s", TTL: time.Hour},
		{SharedSecret: "s", TTL: time.Hour, UsernamePrefix: "a:b"},
	}
	for i, cfg := range bad {
		if _, err := New(cfg); err == nil {
			t.Fatalf("config %d accepted: %+v", i, cfg)
		}
	}
}

func TestApply_FillsOnlyCredentiallessTURN(t *testing.T) {
	m := newTestMinter(t, 10*time.Minute)
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"TURN:turn.example.com:3478"}},
		{URLs: []string{"turns:static.example.com:5349"}, Username: "u", Credential: "p"},
	}

	out, creds, err := m.Apply(servers)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if creds.Username != "1700000600:heimdall:sess1" {
		t.Fatalf("Username=%q", creds.Username)
	}
	if out[0].Username != "" || out[0].Credential != nil {
		t.Fatalf("stun entry changed: %#v", out[0])
	}
	if out[1].Username != creds.Username || out[1].Credential != creds.Credential {
		t.Fatalf("turn entry=%#v, want minted credentials", out[1])
	}
	if out[2].Username != "u" || out[2].Credential != "p" {
		t.Fatalf("static turn entry changed: %#v", out[2])
	}
	if servers[1].Username != "" {
		t.Fatalf("input slice was modified")
	}
}
