// Package secrets handles credential encryption at rest and HMAC signing.
//
// Stored secrets are either AES-256-GCM encrypted (tagged with the "$aes$"
// prefix) or plaintext when no encryption key is configured. The prefix
// makes mixed databases detectable on read: a value carrying the tag in a
// keyless process, or failing to decrypt, is surfaced as an error rather
// than silently passed through.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// encPrefix tags values that have been encrypted. Plaintext secrets never
// start with it — Encrypt refuses input that does.
const encPrefix = "$aes$"

var (
	// ErrNoKey is returned when an encrypted value is read by a process
	// that has no encryption key configured.
	ErrNoKey = errors.New("secrets: value is encrypted but no encryption key is configured")

	// ErrBadCiphertext is returned when a tagged value cannot be decoded
	// or fails authentication, typically after a key change without
	// running the encrypt migration.
	ErrBadCiphertext = errors.New("secrets: failed to decrypt value")
)

// Box encrypts and decrypts secret fields with a single symmetric key.
// A Box with no key passes values through as plaintext; this is a supported
// (if discouraged) configuration and is flagged by Encrypted == false.
//
// The zero value is a keyless Box. Create keyed instances with NewBox.
type Box struct {
	key []byte
}

// NewBox derives a Box from the configured encryption secret. Any non-empty
// secret is accepted; it is stretched to a 32-byte AES-256 key with SHA-256.
// An empty secret yields a keyless Box.
func NewBox(secret string) *Box {
	if secret == "" {
		return &Box{}
	}
	sum := sha256.Sum256([]byte(secret))
	return &Box{key: sum[:]}
}

// HasKey reports whether this Box can encrypt.
func (b *Box) HasKey() bool { return len(b.key) == 32 }

// Encrypt seals plaintext with AES-256-GCM and returns the tagged,
// base64-encoded value. With no key configured the input is returned
// unchanged (stored as explicitly-plaintext). Empty input stays empty.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if !b.HasKey() {
		return plaintext, nil
	}
	if strings.HasPrefix(plaintext, encPrefix) {
		return "", fmt.Errorf("secrets: refusing to double-encrypt value")
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", fmt.Errorf("secrets: failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secrets: failed to create GCM: %w", err)
	}

	// A unique nonce per encryption is critical for GCM — never reuse a
	// nonce with the same key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Untagged values are returned as-is (plaintext
// at rest). Tagged values require a key and must authenticate.
func (b *Box) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}
	if !b.HasKey() {
		return "", ErrNoKey
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrBadCiphertext, err)
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", fmt.Errorf("secrets: failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secrets: failed to create GCM: %w", err)
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext shorter than nonce", ErrBadCiphertext)
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrBadCiphertext, err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a stored value carries the encryption tag.
// Used by the scan command to detect mixed databases.
func IsEncrypted(stored string) bool {
	return strings.HasPrefix(stored, encPrefix)
}

// Sign computes the HMAC-SHA256 signature of body with the service secret,
// encoded as unpadded base64url. Webhook payloads and signed public URLs
// both use this form.
func Sign(serviceSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(serviceSecret))
	mac.Write(body)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig is a valid signature of body.
func VerifySignature(serviceSecret string, body []byte, sig string) bool {
	expected := Sign(serviceSecret, body)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// GenerateServiceSecret produces a random service secret, used on first
// start when none is configured.
func GenerateServiceSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("secrets: failed to generate service secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
