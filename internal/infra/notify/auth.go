// Package notify implements the per-user status push channel: short-lived
// signed session credentials and a websocket hub that fans status events out
// to the owning user's connections.
package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidCredential covers malformed, tampered, and expired session tokens.
var ErrInvalidCredential = errors.New("invalid session credential")

// SessionCredential authorizes one user to open a status channel connection.
type SessionCredential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionSigner mints and validates the signed credentials that gate the
// status channel. Tokens are HMAC-SHA256 over the user ID and expiry, so the
// push endpoint can authorize connections without a database round trip.
type SessionSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewSessionSigner creates a signer with the given shared secret and token
// lifetime.
func NewSessionSigner(secret []byte, ttl time.Duration) (*SessionSigner, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes, got %d", len(secret))
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive")
	}
	return &SessionSigner{secret: secret, ttl: ttl}, nil
}

func (s *SessionSigner) sign(userID uuid.UUID, expiry int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%d", userID, expiry)
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue mints a credential for the user.
func (s *SessionSigner) Issue(userID uuid.UUID) SessionCredential {
	expiresAt := time.Now().Add(s.ttl)
	expiry := expiresAt.Unix()

	raw := fmt.Sprintf("%s|%d|%s", userID, expiry, s.sign(userID, expiry))
	return SessionCredential{
		Token:     base64.RawURLEncoding.EncodeToString([]byte(raw)),
		ExpiresAt: expiresAt,
	}
}

// Validate checks a token and returns the user it authorizes.
func (s *SessionSigner) Validate(token string) (uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return uuid.Nil, ErrInvalidCredential
	}

	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return uuid.Nil, ErrInvalidCredential
	}

	userID, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, ErrInvalidCredential
	}
	expiry, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return uuid.Nil, ErrInvalidCredential
	}

	expected := s.sign(userID, expiry)
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return uuid.Nil, ErrInvalidCredential
	}
	if time.Now().Unix() > expiry {
		return uuid.Nil, ErrInvalidCredential
	}

	return userID, nil
}
