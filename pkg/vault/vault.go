// Package vault seals provider credentials with AES-256-GCM so that a stored
// credential can be recovered for termination without ever persisting plaintext.
//
// Sealed values are base64(nonce || ciphertext || tag) with a 12-byte nonce and
// a 16-byte tag. The vault holds an ordered key set: the first key seals, every
// key is tried when opening, so keys can be rotated by prepending a new one.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12

	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

// ErrAccessDenied is returned for every failure to open a sealed value.
// The message is deliberately generic.
var ErrAccessDenied = errors.New("VAULT_ACCESS_DENIED: Integrity Check Failed")

// Vault encrypts and decrypts credentials with an ordered key set.
// It is safe for concurrent use and read-only after construction.
type Vault struct {
	mu   sync.RWMutex
	keys []*memguard.LockedBuffer
}

// New parses a key list and returns a vault. Keys are separated by commas,
// semicolons or newlines; each is 64 hex characters or base64 (standard or
// URL alphabet) of exactly 32 bytes. The first key is primary.
func New(raw string) (*Vault, error) {
	materials, err := ParseKeys(raw)
	if err != nil {
		return nil, err
	}

	v := &Vault{keys: make([]*memguard.LockedBuffer, 0, len(materials))}
	for _, m := range materials {
		buf := memguard.NewBufferFromBytes(m)
		buf.Freeze()
		v.keys = append(v.keys, buf)
	}
	return v, nil
}

// ParseKeys decodes a key list into raw key material. Exposed for config validation.
func ParseKeys(raw string) ([][]byte, error) {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '\r'
	})

	var keys [][]byte
	for i, part := range parts {
		cleaned := sanitizeKey(part)
		if cleaned == "" {
			continue
		}
		key, err := decodeKey(cleaned)
		if err != nil {
			return nil, fmt.Errorf("vault key %d: %w", i+1, err)
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return nil, errors.New("no vault keys configured")
	}
	return keys, nil
}

// sanitizeKey strips whitespace, quotes and backticks that commonly leak in
// from environment files and copy-paste.
func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '"', '\'', '`', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
}

func decodeKey(s string) ([]byte, error) {
	if len(s) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		key, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("key must decode to %d bytes, got %d", KeySize, len(key))
		}
		return key, nil
	}

	return nil, errors.New("key is neither 64-char hex nor base64")
}

// GenerateKey returns a fresh random key encoded as base64.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// KeyCount returns the number of keys in the set.
func (v *Vault) KeyCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.keys)
}

// Encrypt seals plaintext with the primary key.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(v.keys) == 0 {
		return "", errors.New("vault is destroyed")
	}

	aead, err := newAEAD(v.keys[0])
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed value, trying every key in order.
// Any failure returns ErrAccessDenied.
func (v *Vault) Decrypt(sealed string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil || len(raw) < NonceSize+1 {
		return "", ErrAccessDenied
	}

	nonce, ciphertext := raw[:NonceSize], raw[NonceSize:]
	for _, key := range v.keys {
		aead, err := newAEAD(key)
		if err != nil {
			continue
		}
		plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
		if err == nil {
			return string(plaintext), nil
		}
	}
	return "", ErrAccessDenied
}

// Destroy wipes all key material. The vault is unusable afterwards.
func (v *Vault) Destroy() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, key := range v.keys {
		key.Destroy()
	}
	v.keys = nil
}

func newAEAD(key *memguard.LockedBuffer) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
