// Package crypto seals broker session tokens before they are written to the
// deployments table.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

const (
	keySize   = 32
	nonceSize = 12
	prefix    = "tok"
)

var (
	ErrNoKeys            = errors.New("no session keys configured")
	ErrInvalidCiphertext = errors.New("invalid sealed token")
	ErrUnknownVersion    = errors.New("sealed with unknown key version")
	ErrDecryptionFailed  = errors.New("session token decryption failed")
)

// Vault encrypts tokens with AES-256-GCM under the newest key version and
// decrypts with whichever version a token was sealed under. Sealed form is
// "tok.v<version>.<base64url(nonce|ciphertext)>".
type Vault struct {
	mu      sync.RWMutex
	current int
	aeads   map[int]cipher.AEAD
}

// NewVault builds a vault from version -> key material. Material is either a
// base64 32-byte key or a passphrase, which is stretched with SHA-256.
func NewVault(keys map[int]string) (*Vault, error) {
	v := &Vault{aeads: make(map[int]cipher.AEAD)}
	for ver, material := range keys {
		if material == "" {
			continue
		}
		if ver <= 0 {
			return nil, fmt.Errorf("key version must be positive, got %d", ver)
		}
		aead, err := newAEAD(deriveKey(material))
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", ver, err)
		}
		v.aeads[ver] = aead
		if ver > v.current {
			v.current = ver
		}
	}
	if v.current == 0 {
		return nil, ErrNoKeys
	}
	return v, nil
}

func deriveKey(material string) []byte {
	if raw, err := base64.StdEncoding.DecodeString(material); err == nil && len(raw) == keySize {
		return raw
	}
	sum := sha256.Sum256([]byte(material))
	return sum[:]
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under the current key version.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	v.mu.RLock()
	ver, aead := v.current, v.aeads[v.current]
	v.mu.RUnlock()

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("%s.v%d.%s", prefix, ver, base64.RawURLEncoding.EncodeToString(sealed)), nil
}

// Decrypt opens a token produced by Encrypt.
func (v *Vault) Decrypt(sealed string) (string, error) {
	ver, payload, err := split(sealed)
	if err != nil {
		return "", err
	}
	v.mu.RLock()
	aead, ok := v.aeads[ver]
	v.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrUnknownVersion, ver)
	}

	data, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil || len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	plain, err := aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Rotate re-seals a token under the current key. Tokens already on the
// current version are returned unchanged.
func (v *Vault) Rotate(sealed string) (string, error) {
	ver, _, err := split(sealed)
	if err != nil {
		return "", err
	}
	if ver == v.Version() {
		return sealed, nil
	}
	plain, err := v.Decrypt(sealed)
	if err != nil {
		return "", fmt.Errorf("decrypt for rotation: %w", err)
	}
	return v.Encrypt(plain)
}

// Version is the key version new tokens are sealed with.
func (v *Vault) Version() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// IsSealed reports whether s looks like a vault token.
func IsSealed(s string) bool {
	_, _, err := split(s)
	return err == nil
}

func split(sealed string) (int, string, error) {
	parts := strings.SplitN(sealed, ".", 3)
	if len(parts) != 3 || parts[0] != prefix || !strings.HasPrefix(parts[1], "v") {
		return 0, "", ErrInvalidCiphertext
	}
	ver, err := strconv.Atoi(parts[1][1:])
	if err != nil || ver <= 0 {
		return 0, "", ErrInvalidCiphertext
	}
	return ver, parts[2], nil
}

// GenerateKey returns a random base64 key suitable for NewVault.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
