package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// SchemeGCM is the current encryption scheme tag. Older records may carry
// chains of retired tags ("gcm:cbc:<data>"); Decrypt only trusts the payload
// after the last tag.
const SchemeGCM = "gcm"

var (
	ErrInvalidKeySize     = errors.New("encryption key must be 32 bytes")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Cipher is the symmetric encryption collaborator. Encrypt produces a
// "<scheme>:<ciphertext_b64>" tagged value; Decrypt accepts tagged values,
// including legacy tag chains left over from scheme migrations.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(tagged string) (string, error)
}

// AESGCM implements Cipher with AES-256-GCM and a random nonce prepended to
// the ciphertext.
type AESGCM struct {
	key []byte
}

// NewAESGCM creates a cipher from a 32-byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeySize
	}
	k := make([]byte, 32)
	copy(k, key)
	return &AESGCM{key: k}, nil
}

// Encrypt seals plaintext and returns it tagged with the current scheme.
func (c *AESGCM) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return SchemeGCM + ":" + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a tagged value. Everything before the last ':' is treated as
// scheme-tag history and discarded.
func (c *AESGCM) Decrypt(tagged string) (string, error) {
	payload := tagged
	if i := strings.LastIndexByte(tagged, ':'); i >= 0 {
		payload = tagged[i+1:]
	}

	ciphertext, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(ciphertext) < gcm.NonceSize() {
		return "", ErrCiphertextTooShort
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}
