package crypto

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
)

const (
	passwordSeparator = "_token_"

	// keyCacheNamespace groups derived keys in a shared cache.
	keyCacheNamespace = "derived-key"
)

// DeriveKey builds the 32-byte name key from a credential pair.
//
// The password is storeID + "_token_" + base64(reverse(token bytes)) and the
// key is a single SHA-256 of it. There is no salt and no iteration count: the
// scheme obfuscates names from casual URL inspection and every stored object
// key depends on this exact derivation.
func DeriveKey(creds Credentials) []byte {
	token := []byte(creds.SecretToken)
	reversed := make([]byte, len(token))
	for i, b := range token {
		reversed[len(token)-1-i] = b
	}

	password := creds.StoreID + passwordSeparator + base64.StdEncoding.EncodeToString(reversed)
	sum := sha256.Sum256([]byte(password))
	return sum[:]
}

// deriveKeyCached consults the configured cache before deriving.
func (c *NameCipher) deriveKeyCached() []byte {
	if c.keyCache == nil {
		return DeriveKey(c.creds)
	}

	ctx := context.Background()
	fp := c.creds.Fingerprint()
	if entry, ok := c.keyCache.Get(ctx, keyCacheNamespace, fp); ok && len(entry.Data) == keySize {
		return entry.Data
	}

	key := DeriveKey(c.creds)
	// A failed Set only costs a recomputation next time.
	_ = c.keyCache.Set(ctx, keyCacheNamespace, fp, key, map[string]string{"store": c.creds.StoreID}, 0)
	return key
}

// InvalidateKeyCache drops every derived key held by the cipher's cache.
func (c *NameCipher) InvalidateKeyCache() {
	if c.keyCache == nil {
		return
	}
	_ = c.keyCache.Clear(context.Background())
}
