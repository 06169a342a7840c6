package crypto

import "errors"

var (
	// ErrInvalidCredentials is returned when either the store id or the
	// secret token is empty. It is raised before any crypto or network call.
	ErrInvalidCredentials = errors.New("invalid credentials: store id and token are required")

	// ErrInvalidCiphertext is returned when a token is not URL-safe base64,
	// is too short, or fails authentication under the current key.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrEncoding is returned when a plaintext name is not valid UTF-8.
	ErrEncoding = errors.New("plaintext is not valid UTF-8")
)
