package kc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidSignature = errors.New("invalid link signature")
	ErrTamperedLink     = errors.New("link has been tampered with")
	ErrExpiredSignature = errors.New("link signature has expired")
	ErrInvalidFormat    = errors.New("invalid link format")
)

const (
	// DefaultSignatureExpiry matches DefaultExportTTL.
	DefaultSignatureExpiry = DefaultExportTTL

	// MaxClockSkew is the tolerance for signatures from the future.
	MaxClockSkew = 5 * time.Minute
)

// LinkSigner signs export IDs so download links cannot be guessed or
// reused after they expire.
type LinkSigner struct {
	secretKey       []byte
	signatureExpiry time.Duration
	now             func() time.Time
}

// NewLinkSigner creates a signer with a random 256-bit key.
func NewLinkSigner() (*LinkSigner, error) {
	secretKey := make([]byte, 32)
	if _, err := rand.Read(secretKey); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	return NewLinkSignerWithKey(secretKey)
}

// NewLinkSignerWithKey creates a signer with the given key.
func NewLinkSignerWithKey(secretKey []byte) (*LinkSigner, error) {
	if len(secretKey) == 0 {
		return nil, errors.New("secret key cannot be empty")
	}
	key := make([]byte, len(secretKey))
	copy(key, secretKey)
	return &LinkSigner{
		secretKey:       key,
		signatureExpiry: DefaultSignatureExpiry,
		now:             time.Now,
	}, nil
}

// SetSignatureExpiry sets how long a signed link stays valid.
func (s *LinkSigner) SetSignatureExpiry(d time.Duration) {
	s.signatureExpiry = d
}

func (s *LinkSigner) mac(payload string) []byte {
	h := hmac.New(sha256.New, s.secretKey)
	h.Write([]byte(payload))
	return h.Sum(nil)
}

// Sign returns "id|unix.signature" for the given ID.
func (s *LinkSigner) Sign(id string) string {
	payload := fmt.Sprintf("%s|%d", id, s.now().Unix())
	return payload + "." + base64.RawURLEncoding.EncodeToString(s.mac(payload))
}

// Verify checks a token produced by Sign and returns the ID it carries.
func (s *LinkSigner) Verify(token string) (string, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok || payload == "" || sig == "" {
		return "", ErrInvalidFormat
	}

	decoded, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64 encoding", ErrInvalidSignature)
	}
	if !hmac.Equal(decoded, s.mac(payload)) {
		return "", ErrTamperedLink
	}

	id, ts, ok := strings.Cut(payload, "|")
	if !ok || id == "" {
		return "", ErrInvalidFormat
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: invalid timestamp", ErrInvalidFormat)
	}

	signedAt := time.Unix(unix, 0)
	now := s.now()
	if now.Sub(signedAt) > s.signatureExpiry+MaxClockSkew {
		return "", ErrExpiredSignature
	}
	if signedAt.Sub(now) > MaxClockSkew {
		return "", ErrInvalidSignature
	}
	return id, nil
}
