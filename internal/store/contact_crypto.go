/**
 * @description
 * AES-256-GCM sealing for recipient contacts. Every transfer gets its own
 * encryption key derived from the configured master key via HKDF, bound to
 * the pair (senderWallet, contactHash): decrypting a stored contact requires
 * knowing both, so a leaked ciphertext cannot be opened with the master key
 * alone against the wrong row.
 *
 * @dependencies
 * - crypto/aes, crypto/cipher, crypto/rand, crypto/sha256: Standard Go crypto.
 * - golang.org/x/crypto/hkdf: Per-record key derivation.
 */

package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// ErrEncryptionUnavailable is returned when a write needs to seal a contact
// but no encryption key is configured. This is a configuration error: it is
// never retried.
var ErrEncryptionUnavailable = errors.New("contact encryption key not configured")

// ContactCipher seals and opens recipient contacts.
type ContactCipher struct {
	masterKey []byte
}

// NewContactCipher parses the configured master key. The key may be supplied
// as 64 hex characters or standard base64; it must decode to 32 bytes. An
// empty key yields a cipher whose operations fail with ErrEncryptionUnavailable,
// so construction itself never blocks boot in environments without one.
func NewContactCipher(configuredKey string) (*ContactCipher, error) {
	trimmed := strings.TrimSpace(configuredKey)
	if trimmed == "" {
		return &ContactCipher{}, nil
	}

	var key []byte
	if decoded, err := hex.DecodeString(trimmed); err == nil {
		key = decoded
	} else if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		key = decoded
	} else {
		return nil, fmt.Errorf("contact encryption key is neither hex nor base64")
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("contact encryption key must be 32 bytes, got %d", len(key))
	}
	return &ContactCipher{masterKey: key}, nil
}

// Configured reports whether a master key is present.
func (c *ContactCipher) Configured() bool {
	return len(c.masterKey) == 32
}

func (c *ContactCipher) deriveKey(senderWallet, contactHash string) ([]byte, error) {
	info := []byte(strings.ToLower(senderWallet) + "|" + contactHash)
	reader := hkdf.New(sha256.New, c.masterKey, nil, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive contact key: %w", err)
	}
	return key, nil
}

// Seal encrypts a raw contact. The result is base64(nonce || ciphertext).
func (c *ContactCipher) Seal(contact, senderWallet, contactHash string) (string, error) {
	if !c.Configured() {
		return "", ErrEncryptionUnavailable
	}
	key, err := c.deriveKey(senderWallet, contactHash)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init contact cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("init contact cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(contact), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed contact produced by Seal with the same
// (senderWallet, contactHash) context.
func (c *ContactCipher) Open(encrypted, senderWallet, contactHash string) (string, error) {
	if !c.Configured() {
		return "", ErrEncryptionUnavailable
	}
	key, err := c.deriveKey(senderWallet, contactHash)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("decode sealed contact: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init contact cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("init contact cipher: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("sealed contact too short")
	}

	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("open sealed contact: %w", err)
	}
	return string(plain), nil
}

// HashContact produces the one-way lookup hash for a contact. Contacts are
// lowercased and trimmed first so that display variants of the same address
// hash identically.
func HashContact(contact string) string {
	normalized := strings.ToLower(strings.TrimSpace(contact))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// HashToken hashes claim tokens, session bearer tokens and one-time codes.
// Tokens are compared by hash only; raw values are never persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
