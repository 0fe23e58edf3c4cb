// Package identity encrypts document identifiers and text with AES-256-GCM.
// It is independent of the homomorphic layer: holding the CKKS context lets
// a caller search, holding the identity key lets it read what it found.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	hverr "github.com/opaque/hevec/pkg/errors"
)

const (
	// KeySize is the size of the identity key in bytes.
	KeySize = 32

	// NonceSize is the size of GCM nonces in bytes.
	NonceSize = 12

	encryptionInfo = "hevec identity encryption v1"
	lookupInfo     = "hevec identity lookup v1"
)

var (
	// ErrInvalidKey is returned when the key is not KeySize bytes.
	ErrInvalidKey = errors.New("invalid identity key: must be 32 bytes")

	// ErrDecrypt is returned when a ciphertext fails authentication, either
	// because it was sealed under another key or because it was altered.
	ErrDecrypt = errors.New("identity decryption failed")
)

// Cipher seals identifiers and text and derives their lookup keys.
// It is safe for concurrent use.
type Cipher struct {
	aead        cipher.AEAD
	lookupKey   []byte
	fingerprint string
}

// NewCipher builds a cipher from a raw identity key. Encryption and lookup
// subkeys are derived from it with HKDF-SHA256, so the stored key never
// serves two primitives directly.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, hverr.Wrap(ErrInvalidKey, hverr.CodeIdentityKeyInvalid, "bad identity key length",
			hverr.Field("length", len(key)))
	}

	encKey, err := deriveKey(key, encryptionInfo)
	if err != nil {
		return nil, err
	}
	macKey, err := deriveKey(key, lookupInfo)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Cipher{
		aead:        gcm,
		lookupKey:   macKey,
		fingerprint: Fingerprint(key),
	}, nil
}

// Fingerprint returns the first 8 bytes of the key's SHA-256, hex encoded.
// It identifies a key in logs without exposing it.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return fmt.Sprintf("%x", sum[:8])
}

func deriveKey(master []byte, info string) ([]byte, error) {
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("failed to derive %q subkey: %w", info, err)
	}
	return out, nil
}

// GenerateKey returns a fresh random identity key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext. Output is nonce (12 bytes) || ciphertext || tag.
// Encrypting the same plaintext twice yields different bytes.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, hverr.Wrap(err, hverr.CodeIdentityEncryptFailure, "failed to generate nonce")
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Failures carry the
// identity.decrypt.failure code and match ErrDecrypt.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+c.aead.Overhead() {
		return nil, hverr.Wrap(ErrDecrypt, hverr.CodeIdentityDecryptFailure, "ciphertext too short",
			hverr.Field("length", len(ciphertext)))
	}

	plaintext, err := c.aead.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, hverr.Wrap(ErrDecrypt, hverr.CodeIdentityDecryptFailure, "authentication failed")
	}
	return plaintext, nil
}

// LookupKey returns the deterministic HMAC-SHA256 of a plaintext identifier.
// The ledger keys records by it, so re-adding an identifier replaces the old
// record even though its ciphertext differs.
func (c *Cipher) LookupKey(plaintext []byte) []byte {
	mac := hmac.New(sha256.New, c.lookupKey)
	mac.Write(plaintext)
	return mac.Sum(nil)
}

// KeyFingerprint returns Fingerprint of the key the cipher was built from.
func (c *Cipher) KeyFingerprint() string {
	return c.fingerprint
}
