package crypto

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/stossymoji/internal/cache"
)

func newTestCipher(t *testing.T, storeID, token string, opts ...Option) *NameCipher {
	t.Helper()
	c, err := NewNameCipher(Credentials{StoreID: storeID, SecretToken: token}, opts...)
	require.NoError(t, err)
	return c
}

func TestNewNameCipher_RejectsEmptyCredentials(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
	}{
		{"both empty", Credentials{}},
		{"empty store", Credentials{SecretToken: "tok"}},
		{"empty token", Credentials{StoreID: "abc"}},
		{"whitespace token", Credentials{StoreID: "abc", SecretToken: "   "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNameCipher(tt.creds)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestNewNameCipher_UnsupportedAlgorithm(t *testing.T) {
	_, err := NewNameCipher(Credentials{StoreID: "a", SecretToken: "b"}, WithAlgorithm("ROT13"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestDeriveKey_MatchesConstruction(t *testing.T) {
	creds := Credentials{StoreID: "abc123", SecretToken: "tok_xyz"}

	// "tok_xyz" reversed is "zyx_kot".
	password := "abc123_token_" + base64.StdEncoding.EncodeToString([]byte("zyx_kot"))
	want := sha256.Sum256([]byte(password))

	got := DeriveKey(creds)
	assert.Equal(t, want[:], got)
	assert.Len(t, got, keySize)
	assert.Equal(t, got, DeriveKey(creds), "derivation must be deterministic")
	assert.NotEqual(t, got, DeriveKey(Credentials{StoreID: "abc124", SecretToken: "tok_xyz"}))
}

func TestNameCipher_RoundTrip(t *testing.T) {
	names := []string{"fire", "a", "party-parrot", "ünïcödé", "🔥-emoji", strings.Repeat("x", 200), ""}

	for _, alg := range SupportedAlgorithms() {
		c := newTestCipher(t, "abc123", "tok_xyz", WithAlgorithm(alg))
		for _, name := range names {
			token, err := c.Encrypt(name)
			require.NoError(t, err)

			assert.NotContains(t, token, "+")
			assert.NotContains(t, token, "/")
			assert.NotContains(t, token, "=")

			got, err := c.Decrypt(token)
			require.NoError(t, err, "%s: %q", alg, name)
			assert.Equal(t, name, got)
		}
	}
}

func TestNameCipher_FreshNoncePerCall(t *testing.T) {
	c := newTestCipher(t, "abc123", "tok_xyz")

	a, err := c.Encrypt("fire")
	require.NoError(t, err)
	b, err := c.Encrypt("fire")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestNameCipher_CrossCredentialFailure(t *testing.T) {
	a := newTestCipher(t, "abc123", "tok_xyz")
	others := []*NameCipher{
		newTestCipher(t, "abc123", "tok_xyy"),
		newTestCipher(t, "abc124", "tok_xyz"),
		newTestCipher(t, "abc123", "tok_xyz", WithAlgorithm(AlgorithmChaCha20Poly1305)),
	}

	for _, name := range []string{"fire", "wave", "x"} {
		token, err := a.Encrypt(name)
		require.NoError(t, err)

		for _, b := range others {
			_, err := b.Decrypt(token)
			assert.ErrorIs(t, err, ErrInvalidCiphertext)
		}
	}
}

func TestNameCipher_Scenario(t *testing.T) {
	c := newTestCipher(t, "abc123", "tok_xyz")

	token, err := c.Encrypt("fire")
	require.NoError(t, err)

	again := newTestCipher(t, " abc123 ", "tok_xyz\n")
	name, err := again.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, "fire", name)
}

func TestNameCipher_DecryptRejectsMalformed(t *testing.T) {
	c := newTestCipher(t, "abc123", "tok_xyz")

	token, err := c.Encrypt("fire")
	require.NoError(t, err)

	raw, err := decodeToken(token)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := encodeToken(raw)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not base64", "!!!not*base64!!!"},
		{"impossible length", "abcde"},
		{"too short", "AbCd123"},
		{"tampered tag", tampered},
		{"truncated", token[:len(token)-4]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.token)
			assert.True(t, errors.Is(err, ErrInvalidCiphertext), "got %v", err)
		})
	}
}

func TestNameCipher_DecryptAcceptsPaddedToken(t *testing.T) {
	c := newTestCipher(t, "abc123", "tok_xyz")

	token, err := c.Encrypt("fire")
	require.NoError(t, err)
	if rem := len(token) % 4; rem != 0 {
		token += strings.Repeat("=", 4-rem)
	}

	name, err := c.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, "fire", name)
}

func TestNameCipher_EncryptRejectsInvalidUTF8(t *testing.T) {
	c := newTestCipher(t, "abc123", "tok_xyz")

	_, err := c.Encrypt(string([]byte{0xff, 0xfe, 'a'}))
	assert.ErrorIs(t, err, ErrEncoding)
}

func TestNameCipher_DecryptOrFallback(t *testing.T) {
	c := newTestCipher(t, "abc123", "tok_xyz")

	token, err := c.Encrypt("fire")
	require.NoError(t, err)

	name, ok := c.DecryptOrFallback(token)
	assert.True(t, ok)
	assert.Equal(t, "fire", name)

	name, ok = c.DecryptOrFallback("AbCd123")
	assert.False(t, ok)
	assert.Equal(t, "AbCd123", name)
}

func TestNameCipher_KeyCache(t *testing.T) {
	kc := cache.NewMemoryCache(4096, 16, time.Hour)
	c := newTestCipher(t, "abc123", "tok_xyz", WithKeyCache(kc))

	token, err := c.Encrypt("fire")
	require.NoError(t, err)
	_, err = c.Decrypt(token)
	require.NoError(t, err)

	stats := kc.Stats()
	assert.Equal(t, 1, stats.Items)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Hits)

	entry, ok := kc.Get(context.Background(), keyCacheNamespace, c.Credentials().Fingerprint())
	require.True(t, ok)
	assert.Equal(t, DeriveKey(c.Credentials()), entry.Data)
	assert.NotContains(t, c.Credentials().Fingerprint(), "tok_xyz")

	c.InvalidateKeyCache()
	assert.Equal(t, 0, kc.Stats().Items)

	name, err := c.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, "fire", name)
}

func TestNameCipher_SharedCacheSeparatesCredentials(t *testing.T) {
	kc := cache.NewMemoryCache(4096, 16, time.Hour)
	a := newTestCipher(t, "abc123", "tok_xyz", WithKeyCache(kc))
	b := newTestCipher(t, "abc123", "tok_other", WithKeyCache(kc))

	token, err := a.Encrypt("fire")
	require.NoError(t, err)
	_, err = b.Encrypt("warm")
	require.NoError(t, err)

	_, err = b.Decrypt(token)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
	assert.Equal(t, 2, kc.Stats().Items)
}

func TestNameCipher_ConcurrentUse(t *testing.T) {
	c := newTestCipher(t, "abc123", "tok_xyz", WithKeyCache(cache.NewMemoryCache(4096, 16, time.Hour)))

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := c.Encrypt("fire")
			if err != nil {
				errs <- err
				return
			}
			if name, err := c.Decrypt(token); err != nil || name != "fire" {
				errs <- errors.New("round trip failed")
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
