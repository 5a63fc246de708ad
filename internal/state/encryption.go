package state

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

const (
	// EncryptionKeyEnvVar holds the passphrase used to encrypt state documents at rest.
	EncryptionKeyEnvVar = "ORGFORM_STATE_ENCRYPTION_KEY"

	encryptedHeader = "ORGFORM_ENCRYPTED_STATE v1\n"
)

var keySalt = []byte("orgform-state")

// Cipher seals and opens state documents with AES-256-GCM. A nil *Cipher
// leaves plaintext untouched and refuses to open encrypted content.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives an AES-256 key from passphrase with HKDF-SHA256.
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encryption passphrase is empty")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), keySalt, []byte("state-document")), key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// CipherFromEnv returns the cipher configured through EncryptionKeyEnvVar,
// or nil when the variable is unset.
func CipherFromEnv() (*Cipher, error) {
	passphrase := os.Getenv(EncryptionKeyEnvVar)
	if passphrase == "" {
		return nil, nil
	}
	return NewCipher(passphrase)
}

// Seal encrypts content. With a nil receiver content is returned as is.
func (c *Cipher) Seal(content []byte) ([]byte, error) {
	if c == nil {
		return content, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, content, []byte(encryptedHeader))
	out := make([]byte, 0, len(encryptedHeader)+base64.StdEncoding.EncodedLen(len(sealed))+1)
	out = append(out, encryptedHeader...)
	out = append(out, base64.StdEncoding.EncodeToString(sealed)...)
	return append(out, '\n'), nil
}

// Open decrypts content sealed by Seal. Plaintext passes through.
func (c *Cipher) Open(content []byte) ([]byte, error) {
	if !IsEncrypted(content) {
		return content, nil
	}
	if c == nil {
		return nil, fmt.Errorf("state document is encrypted but %s is not set", EncryptionKeyEnvVar)
	}

	encoded := bytes.TrimSpace(content[len(encryptedHeader):])
	sealed := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(sealed, encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted state: %w", err)
	}
	sealed = sealed[:n]

	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(encryptedHeader))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state (wrong key?): %w", err)
	}
	return plaintext, nil
}

// IsEncrypted reports whether content was produced by Seal.
func IsEncrypted(content []byte) bool {
	return bytes.HasPrefix(content, []byte(encryptedHeader))
}
