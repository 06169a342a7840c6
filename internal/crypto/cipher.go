package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kenneth/stossymoji/internal/cache"
)

// NameCipher encrypts short emoji names into URL-safe tokens under a key
// derived from a credential pair. It is safe for concurrent use.
type NameCipher struct {
	creds     Credentials
	algorithm string
	keyCache  cache.Cache
}

// Option configures a NameCipher.
type Option func(*NameCipher)

// WithAlgorithm selects the AEAD. Tokens carry no algorithm header, so every
// reader and writer of a store must agree on it.
func WithAlgorithm(algorithm string) Option {
	return func(c *NameCipher) {
		c.algorithm = strings.TrimSpace(algorithm)
	}
}

// WithKeyCache stores derived keys in kc, keyed by credential fingerprint.
func WithKeyCache(kc cache.Cache) Option {
	return func(c *NameCipher) {
		c.keyCache = kc
	}
}

// NewNameCipher creates a cipher for the given credentials.
func NewNameCipher(creds Credentials, opts ...Option) (*NameCipher, error) {
	creds = NewCredentials(creds.StoreID, creds.SecretToken)
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	c := &NameCipher{
		creds:     creds,
		algorithm: AlgorithmAES256GCM,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.algorithm == "" {
		c.algorithm = AlgorithmAES256GCM
	}
	if !IsSupportedAlgorithm(c.algorithm) {
		return nil, fmt.Errorf("unsupported algorithm: %s", c.algorithm)
	}

	return c, nil
}

// Algorithm returns the AEAD in use.
func (c *NameCipher) Algorithm() string {
	return c.algorithm
}

// Credentials returns the credential pair the cipher was built with.
func (c *NameCipher) Credentials() Credentials {
	return c.creds
}

func (c *NameCipher) aead() (AEADCipher, error) {
	return createAEADCipher(c.algorithm, c.deriveKeyCached())
}

// Encrypt seals plaintext under a fresh random nonce and returns
// urlsafe-base64(nonce || ciphertext || tag).
func (c *NameCipher) Encrypt(plaintext string) (string, error) {
	if !utf8.ValidString(plaintext) {
		return "", ErrEncoding
	}

	aead, err := c.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encodeToken(sealed), nil
}

// Decrypt opens a token produced by Encrypt with the same credentials.
func (c *NameCipher) Decrypt(token string) (string, error) {
	raw, err := decodeToken(token)
	if err != nil {
		return "", err
	}
	if len(raw) < nonceSize+tagSize {
		return "", fmt.Errorf("%w: token too short (%d bytes)", ErrInvalidCiphertext, len(raw))
	}

	aead, err := c.aead()
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrInvalidCiphertext)
	}
	if !utf8.Valid(plaintext) {
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", ErrInvalidCiphertext)
	}

	return string(plaintext), nil
}

// DecryptOrFallback is the display-name path used by listing and rendering.
// On any decrypt failure it returns the token unchanged and ok=false.
func (c *NameCipher) DecryptOrFallback(token string) (name string, ok bool) {
	name, err := c.Decrypt(token)
	if err != nil {
		return token, false
	}
	return name, true
}

func encodeToken(b []byte) string {
	s := base64.StdEncoding.EncodeToString(b)
	s = strings.ReplaceAll(s, "+", "-")
	s = strings.ReplaceAll(s, "/", "_")
	return strings.TrimRight(s, "=")
}

func decodeToken(token string) ([]byte, error) {
	s := strings.TrimRight(strings.TrimSpace(token), "=")
	if s == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidCiphertext)
	}

	s = strings.ReplaceAll(s, "-", "+")
	s = strings.ReplaceAll(s, "_", "/")
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return raw, nil
}
