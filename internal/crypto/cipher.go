// Package crypto implements the Symmetric Cipher component: authenticated encryption
// over a 32-byte key, used both for TOTP-secret-at-rest encryption and for sealing the
// session cookie. Grounded on the teacher's TOTP AES-GCM helper, generalized to a
// reusable AEAD wrapper with separate ciphertext/nonce outputs per the component
// contract.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrAuthenticationFailed is returned by Open when the ciphertext or nonce has been
// tampered with, or the key does not match the one used to seal it.
var ErrAuthenticationFailed = errors.New("crypto: authentication failed")

// KeySize is the required key length in bytes (256 bits).
const KeySize = 32

// AEAD seals and opens messages under a single fixed 32-byte key.
type AEAD struct {
	gcm cipher.AEAD
}

// NewAEAD builds an AEAD from a 32-byte key. Returns an error if key is the wrong
// length — this is a startup-time check, not a per-call one.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return &AEAD{gcm: gcm}, nil
}

// ParseKeyHex decodes a hex-encoded key as found in configuration.
func ParseKeyHex(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: key is not valid hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must decode to %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// NonceSize returns the nonce length this AEAD expects, so callers that concatenate
// nonce||ciphertext into a single transport value know where to split it.
func (a *AEAD) NonceSize() int {
	return a.gcm.NonceSize()
}

// Seal encrypts plaintext under a freshly generated random nonce. The nonce is never
// reused under a given key: it is drawn from crypto/rand on every call.
func (a *AEAD) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, a.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	ciphertext = a.gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Open decrypts ciphertext using nonce, returning ErrAuthenticationFailed if the
// authentication tag does not verify.
func (a *AEAD) Open(ciphertext, nonce []byte) ([]byte, error) {
	plaintext, err := a.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
