package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// StoreIDPrefix is prepended to bare store ids to form the full store identifier.
const StoreIDPrefix = "store_"

// Credentials are the two externally supplied strings that scope the blob
// store and seed the name cipher key.
type Credentials struct {
	StoreID     string
	SecretToken string
}

// NewCredentials returns credentials with surrounding whitespace trimmed.
func NewCredentials(storeID, secretToken string) Credentials {
	return Credentials{
		StoreID:     strings.TrimSpace(storeID),
		SecretToken: strings.TrimSpace(secretToken),
	}
}

// Validate returns ErrInvalidCredentials unless both fields are non-empty.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.StoreID) == "" || strings.TrimSpace(c.SecretToken) == "" {
		return ErrInvalidCredentials
	}
	return nil
}

// StoreIdentifier returns the store id with StoreIDPrefix applied once.
func (c Credentials) StoreIdentifier() string {
	id := strings.TrimSpace(c.StoreID)
	if id == "" || strings.HasPrefix(id, StoreIDPrefix) {
		return id
	}
	return StoreIDPrefix + id
}

// Fingerprint identifies a credential pair without revealing it. It is used
// as the derived-key cache key.
func (c Credentials) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(c.StoreID))
	h.Write([]byte{0})
	h.Write([]byte(c.SecretToken))
	return hex.EncodeToString(h.Sum(nil))
}

// Equal reports whether two credential pairs are the same after trimming.
func (c Credentials) Equal(other Credentials) bool {
	a := NewCredentials(c.StoreID, c.SecretToken)
	b := NewCredentials(other.StoreID, other.SecretToken)
	return a == b
}

// String never prints the token.
func (c Credentials) String() string {
	if c.SecretToken == "" {
		return "Credentials{StoreID: " + c.StoreID + ", SecretToken: <empty>}"
	}
	return "Credentials{StoreID: " + c.StoreID + ", SecretToken: [REDACTED]}"
}
