package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required key length for AES-256-GCM
const KeySize = 32

// keyVersion tags sealed records so a future multi-key rollout can tell
// which key sealed a record. Only one version exists today.
const keyVersion = 0x01

// ErrDecryptionFailure signals stored-data corruption or a key mismatch.
// Callers must treat it as fatal for the record and never fall back to
// partial plaintext.
var ErrDecryptionFailure = errors.New("vault: decryption failure")

// Vault seals and opens team access tokens with AES-256-GCM. The key is
// process-wide configuration loaded once at startup.
type Vault struct {
	key []byte
}

// New creates a vault from a 32-byte key
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Vault{key: k}, nil
}

// NewFromBase64 creates a vault from a base64-encoded key, the form the
// key takes in configuration
func NewFromBase64(encoded string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault: decode key: %w", err)
	}
	return New(key)
}

// Seal encrypts a plaintext token. The returned record is
// base64(version || nonce || ciphertext+tag) with a fresh nonce per call.
func (v *Vault) Seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}

	record := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	record = append(record, keyVersion)
	record = append(record, nonce...)
	record = gcm.Seal(record, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(record), nil
}

// Open decrypts a sealed record. Any tampering, truncation or key mismatch
// returns ErrDecryptionFailure.
func (v *Vault) Open(sealed string) (string, error) {
	record, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrDecryptionFailure
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", ErrDecryptionFailure
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", ErrDecryptionFailure
	}

	if len(record) < 1+gcm.NonceSize() {
		return "", ErrDecryptionFailure
	}

	if record[0] != keyVersion {
		return "", ErrDecryptionFailure
	}

	nonce := record[1 : 1+gcm.NonceSize()]
	ciphertext := record[1+gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailure
	}

	return string(plaintext), nil
}

// GenerateKey returns a fresh random key, base64-encoded for config files
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
