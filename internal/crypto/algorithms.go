package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AlgorithmAES256GCM is the default name cipher.
	AlgorithmAES256GCM = "AES256-GCM"
	// AlgorithmChaCha20Poly1305 is the opt-in alternative for hosts without AES hardware.
	AlgorithmChaCha20Poly1305 = "ChaCha20-Poly1305"

	keySize   = 32 // 256 bits, the SHA-256 output
	nonceSize = 12 // 96 bits, shared by both AEADs
	tagSize   = 16 // 128 bits authentication tag
)

// AEADCipher is a cipher.AEAD that knows its algorithm name.
type AEADCipher interface {
	cipher.AEAD
	Algorithm() string
}

type namedAEAD struct {
	cipher.AEAD
	name string
}

func (n namedAEAD) Algorithm() string { return n.name }

// aeadConstructors is ordered: the first entry is the default.
var aeadConstructors = []struct {
	name string
	new  func(key []byte) (cipher.AEAD, error)
}{
	{AlgorithmAES256GCM, newAESGCM},
	{AlgorithmChaCha20Poly1305, chacha20poly1305.New},
}

// SupportedAlgorithms lists the algorithm names accepted by WithAlgorithm.
func SupportedAlgorithms() []string {
	names := make([]string, len(aeadConstructors))
	for i, c := range aeadConstructors {
		names[i] = c.name
	}
	return names
}

// IsSupportedAlgorithm reports whether name is a known algorithm. An empty
// name is accepted and means the default.
func IsSupportedAlgorithm(name string) bool {
	name = strings.TrimSpace(name)
	return name == "" || slices.Contains(SupportedAlgorithms(), name)
}

// createAEADCipher keys the named algorithm. Both take a 256-bit key.
func createAEADCipher(algorithm string, key []byte) (AEADCipher, error) {
	if algorithm == "" {
		algorithm = aeadConstructors[0].name
	}
	for _, c := range aeadConstructors {
		if c.name != algorithm {
			continue
		}
		if len(key) != keySize {
			return nil, fmt.Errorf("%s needs a %d-byte key, got %d", algorithm, keySize, len(key))
		}
		aead, err := c.new(key)
		if err != nil {
			return nil, fmt.Errorf("%s init: %w", algorithm, err)
		}
		return namedAEAD{AEAD: aead, name: algorithm}, nil
	}
	return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
