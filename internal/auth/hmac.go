package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// MaxClockSkew bounds how far a signed timestamp may drift from now
const MaxClockSkew = 5 * time.Minute

// PayloadSigner signs and verifies provider payloads with a shared secret.
// Outbound approval dispatches are signed so providers can trust them, and
// signed callbacks are accepted as an alternative to the static callback key.
type PayloadSigner struct {
	keyID  string
	secret string
}

// NewPayloadSigner creates a signer for one shared secret
func NewPayloadSigner(keyID, secret string) *PayloadSigner {
	return &PayloadSigner{
		keyID:  keyID,
		secret: secret,
	}
}

// Sign generates the signature for a payload.
// Signature is calculated as HMAC-SHA256(body + timestamp + keyID).
func (s *PayloadSigner) Sign(body []byte, timestamp int64) (string, error) {
	if s.secret == "" {
		return "", fmt.Errorf("signing secret not set")
	}

	message := string(body) + strconv.FormatInt(timestamp, 10) + s.keyID

	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a signature produced by Sign, rejecting timestamps more than
// MaxClockSkew away from now
func (s *PayloadSigner) Verify(body []byte, timestamp int64, signature string, now time.Time) error {
	if s.secret == "" {
		return fmt.Errorf("signing secret not set")
	}

	skew := now.Sub(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return fmt.Errorf("timestamp outside acceptable range")
	}

	expected, err := s.Sign(body, timestamp)
	if err != nil {
		return fmt.Errorf("failed to generate expected signature: %w", err)
	}

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return fmt.Errorf("signature validation failed")
	}

	return nil
}

// KeyID returns the identifier sent alongside signatures
func (s *PayloadSigner) KeyID() string {
	return s.keyID
}

// Enabled reports whether a secret is configured
func (s *PayloadSigner) Enabled() bool {
	return s != nil && s.secret != ""
}
