// Package credentials implements the opaque transform between stored
// credential ciphertext and the plaintext used at exchange call time.
// Ciphertext values carry the tag "enc:v1:" followed by a base64url token.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Prefix tags encrypted values in the store.
const Prefix = "enc:v1:"

var (
	// ErrPlaintextRejected is returned by DecryptMaybe when the value is not
	// ciphertext and plaintext credentials are not permitted.
	ErrPlaintextRejected = errors.New("plaintext credential rejected")

	// ErrMalformedToken is returned when an enc:v1 token cannot be decoded.
	ErrMalformedToken = errors.New("malformed credential token")
)

// Codec encrypts and decrypts credential values with AES-256-GCM.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives the AEAD from the configured key material. Any non-empty
// key string is accepted; it is hashed to the 32 bytes AES-256 needs.
func NewCodec(key string) (*Codec, error) {
	if key == "" {
		return nil, fmt.Errorf("credentials key must not be empty")
	}

	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt returns the enc:v1 form of a plaintext value. Empty input encrypts
// to empty, so optional fields (passphrase) stay optional.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecryptMaybe resolves a stored value to plaintext. Ciphertext is decrypted;
// a plaintext value is returned verbatim unless requireEncrypted is set, in
// which case it is rejected.
func (c *Codec) DecryptMaybe(value string, requireEncrypted bool) (string, error) {
	if value == "" {
		return "", nil
	}

	if !strings.HasPrefix(value, Prefix) {
		if requireEncrypted {
			return "", ErrPlaintextRejected
		}
		return value, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", ErrMalformedToken
	}

	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether a stored value carries the enc:v1 tag.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}
