// Package signedtoken encodes a string plus metadata into an opaque,
// URL-safe token that cannot be read or altered without the process secret.
//
// Tokens are XChaCha20-Poly1305 sealed JSON. Decode never panics; any
// malformed, truncated, tampered or expired token decodes to (nil, false)
// and callers fall back to a safe default.
package signedtoken

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ExpiresKey is the metadata key holding a unix-seconds expiry.
const ExpiresKey = "exp"

var (
	ErrEmptySecret = errors.New("signedtoken: secret is required")

	encoding = base64.RawURLEncoding
)

// Payload is the decoded content of a token.
type Payload struct {
	Original string            `json:"o"`
	Metadata map[string]string `json:"m,omitempty"`
}

// Codec seals and opens tokens with a key derived from one secret.
type Codec struct {
	aead cipher.AEAD
	now  func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// New derives the sealing key from secret with HKDF-SHA256.
func New(secret string, opts ...Option) (*Codec, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("broadcast-engine/signedtoken/v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("signedtoken: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("signedtoken: init cipher: %w", err)
	}
	c := &Codec{aead: aead, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Encode seals original and metadata. Metadata may be nil.
func (c *Codec) Encode(original string, metadata map[string]string) (string, error) {
	plain, err := json.Marshal(Payload{Original: original, Metadata: metadata})
	if err != nil {
		return "", fmt.Errorf("signedtoken: marshal payload: %w", err)
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("signedtoken: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plain, nil)
	return encoding.EncodeToString(sealed), nil
}

// EncodeWithExpiry is Encode plus an ExpiresKey entry ttl from now. The
// caller's metadata map is not modified.
func (c *Codec) EncodeWithExpiry(original string, metadata map[string]string, ttl time.Duration) (string, error) {
	md := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md[ExpiresKey] = strconv.FormatInt(c.now().Add(ttl).Unix(), 10)
	return c.Encode(original, md)
}

// Decode opens a token. It returns false for anything that is not a valid,
// unexpired token produced by a Codec with the same secret.
func (c *Codec) Decode(token string) (p *Payload, ok bool) {
	defer func() {
		if recover() != nil {
			p, ok = nil, false
		}
	}()

	raw, err := encoding.DecodeString(token)
	if err != nil || len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		return nil, false
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, false
	}
	var out Payload
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, false
	}
	if exp, has := out.Metadata[ExpiresKey]; has {
		ts, err := strconv.ParseInt(exp, 10, 64)
		if err != nil || !c.now().Before(time.Unix(ts, 0)) {
			return nil, false
		}
	}
	return &out, true
}
