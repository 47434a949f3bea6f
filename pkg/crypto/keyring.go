// Package crypto seals exchange credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	// KeySize is the AES-256 key length.
	KeySize   = 32
	nonceSize = 12

	sealedPrefix = "ENC[v"
	envKeyPrefix = "MASTER_ENCRYPTION_KEY"
	maxVersions  = 10
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrKeyNotFound       = errors.New("encryption key not found")
)

// Keyring holds one AES-GCM key per version. New data is sealed with the
// highest version; older versions stay readable for rotation.
type Keyring struct {
	mu      sync.RWMutex
	current int
	aeads   map[int]cipher.AEAD
}

// NewKeyring builds a keyring from raw 32-byte keys indexed by version.
func NewKeyring(keys map[int][]byte) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrKeyNotFound
	}
	kr := &Keyring{aeads: make(map[int]cipher.AEAD, len(keys))}
	for v, key := range keys {
		if v < 1 {
			return nil, fmt.Errorf("key version %d: must be >= 1", v)
		}
		aead, err := newAEAD(key)
		if err != nil {
			return nil, fmt.Errorf("key version %d: %w", v, err)
		}
		kr.aeads[v] = aead
		if v > kr.current {
			kr.current = v
		}
	}
	return kr, nil
}

// KeyringFromEnv loads MASTER_ENCRYPTION_KEY (v1, required) and
// MASTER_ENCRYPTION_KEY_V2..V10 (optional), each base64 encoded.
func KeyringFromEnv() (*Keyring, error) {
	return keyringFromLookup(os.LookupEnv)
}

func keyringFromLookup(lookup func(string) (string, bool)) (*Keyring, error) {
	keys := make(map[int][]byte)
	for v := 1; v <= maxVersions; v++ {
		name := envKeyPrefix
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", envKeyPrefix, v)
		}
		raw, ok := lookup(name)
		if !ok || strings.TrimSpace(raw) == "" {
			if v == 1 {
				return nil, fmt.Errorf("%s: %w", name, ErrKeyNotFound)
			}
			continue
		}
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		keys[v] = key
	}
	return NewKeyring(keys)
}

// CurrentVersion is the version used by Seal.
func (k *Keyring) CurrentVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// Seal encrypts plaintext as ENC[vN]:base64(nonce||ciphertext).
func (k *Keyring) Seal(plaintext []byte) (string, error) {
	k.mu.RLock()
	v := k.current
	aead := k.aeads[v]
	k.mu.RUnlock()

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, plaintext, nil)
	return fmt.Sprintf("%s%d]:%s", sealedPrefix, v, base64.StdEncoding.EncodeToString(out)), nil
}

// Open decrypts a value produced by Seal with any loaded version.
func (k *Keyring) Open(sealed string) ([]byte, error) {
	v := ParseVersion(sealed)
	if v == 0 {
		return nil, ErrInvalidCiphertext
	}
	k.mu.RLock()
	aead, ok := k.aeads[v]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key version %d not available", v)
	}

	data, err := base64.StdEncoding.DecodeString(sealed[strings.Index(sealed, "]:")+2:])
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}
	plain, err := aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// ParseVersion extracts N from an ENC[vN]: prefix, or 0 when absent.
func ParseVersion(sealed string) int {
	if !strings.HasPrefix(sealed, sealedPrefix) || !strings.Contains(sealed, "]:") {
		return 0
	}
	var v int
	if _, err := fmt.Sscanf(sealed, "ENC[v%d]:", &v); err != nil || v < 1 {
		return 0
	}
	return v
}

// IsSealed reports whether s carries the sealed prefix.
func IsSealed(s string) bool {
	return ParseVersion(s) > 0
}

// GenerateKey returns a random base64-encoded AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
