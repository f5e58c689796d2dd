package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// envelopePrefix tags vault ciphertext so stored values are self-describing:
// anything without the prefix is known to be legacy plaintext, not a failed
// decryption.
const envelopePrefix = "rgv1:"

// vaultInfo binds derived keys to this use so the same secret configured
// elsewhere yields a different key.
const vaultInfo = "regent token vault v1"

// ErrNotEnvelope is returned by Decrypt when the input does not carry the
// vault envelope prefix. The caller decides how to treat such legacy values;
// the vault never guesses.
var ErrNotEnvelope = errors.New("vault: input is not a vault envelope")

// Vault encrypts credentials for storage at rest. The AES-256-GCM key is
// derived deterministically from the configured secret, so ciphertext
// written before a restart stays readable after it.
type Vault struct {
	aead cipher.AEAD
}

// NewVault derives the vault key from secret and returns a ready vault.
func NewVault(secret string) (*Vault, error) {
	if secret == "" {
		return nil, errors.New("vault: secret must not be empty")
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(vaultInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("vault: deriving key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: creating GCM: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext into a vault envelope. It never falls back to
// returning the plaintext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generating nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return envelopePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a vault envelope. Input without the envelope prefix fails
// with ErrNotEnvelope; a tampered or foreign envelope fails with a
// decryption error.
func (v *Vault) Decrypt(envelope string) (string, error) {
	if !IsEnvelope(envelope) {
		return "", ErrNotEnvelope
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(envelope, envelopePrefix))
	if err != nil {
		return "", fmt.Errorf("vault: decoding envelope: %w", err)
	}
	if len(raw) < v.aead.NonceSize() {
		return "", errors.New("vault: envelope too short")
	}
	nonce, sealed := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("vault: opening envelope: %w", err)
	}
	return string(plaintext), nil
}

// IsEnvelope reports whether s carries the vault envelope prefix.
func IsEnvelope(s string) bool {
	return strings.HasPrefix(s, envelopePrefix)
}
