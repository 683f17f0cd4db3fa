// Package crypto implements the optional end-to-end payload encryption used
// between friends who share a passphrase. A symmetric AES-256-GCM key is
// derived from the passphrase with PBKDF2, and sealed payloads travel as
// base64(nonce || ciphertext) inside ordinary message frames — the relay
// and backend only ever see opaque text. This is payload-level secrecy on
// top of, not instead of, transport security.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultSalt matches the web client so both ends derive the same key
	// from the same passphrase.
	DefaultSalt = "turbo-salt"

	iterations = 100000
	keyLen     = 32
	nonceLen   = 12
)

// DeriveKey derives the shared AES-256 key from a passphrase. An empty salt
// selects DefaultSalt.
func DeriveKey(passphrase, salt string) []byte {
	if salt == "" {
		salt = DefaultSalt
	}
	return pbkdf2.Key([]byte(passphrase), []byte(salt), iterations, keyLen, sha256.New)
}

// Encrypt seals plaintext under the derived key and returns the transport
// form: base64 of a fresh random nonce followed by the ciphertext.
func Encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: new gcm: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a transport-form payload. It returns an error for anything
// that is not a valid sealed payload under this key — wrong passphrase,
// truncation, or tampering all look the same to the caller.
func Decrypt(key []byte, payload string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("crypto: decode payload: %w", err)
	}
	if len(raw) < nonceLen {
		return "", fmt.Errorf("crypto: payload too short")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, raw[:nonceLen], raw[nonceLen:], nil)
	if err != nil {
		return "", fmt.Errorf("crypto: open: %w", err)
	}
	return string(plaintext), nil
}
