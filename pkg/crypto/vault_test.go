package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(seed byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

func TestKeyringSealOpen(t *testing.T) {
	kr, err := NewKeyring(map[int][]byte{1: testKey(1)})
	require.NoError(t, err)

	for _, plain := range []string{"", "hello", "中文測試"} {
		sealed, err := kr.Seal([]byte(plain))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(sealed, "ENC[v1]:"))

		got, err := kr.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, plain, string(got))
	}

	a, _ := kr.Seal([]byte("same"))
	b, _ := kr.Seal([]byte("same"))
	assert.NotEqual(t, a, b, "nonce must differ")
}

func TestKeyringRejectsTampering(t *testing.T) {
	kr, err := NewKeyring(map[int][]byte{1: testKey(1)})
	require.NoError(t, err)

	_, err = kr.Open("plain-text")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = kr.Open("ENC[v1]:" + base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	other, err := NewKeyring(map[int][]byte{1: testKey(9)})
	require.NoError(t, err)
	sealed, err := other.Seal([]byte("secret"))
	require.NoError(t, err)
	_, err = kr.Open(sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = NewKeyring(map[int][]byte{1: []byte("short")})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestKeyringFromLookup(t *testing.T) {
	env := map[string]string{
		"MASTER_ENCRYPTION_KEY":    base64.StdEncoding.EncodeToString(testKey(1)),
		"MASTER_ENCRYPTION_KEY_V3": base64.StdEncoding.EncodeToString(testKey(3)),
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	kr, err := keyringFromLookup(lookup)
	require.NoError(t, err)
	assert.Equal(t, 3, kr.CurrentVersion())

	_, err = keyringFromLookup(func(string) (string, bool) { return "", false })
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestVaultRotation(t *testing.T) {
	old, err := NewKeyring(map[int][]byte{1: testKey(1)})
	require.NoError(t, err)
	ref, err := NewVault(old).Seal(Credential{APIKey: "k", APISecret: "s"})
	require.NoError(t, err)
	assert.Equal(t, 1, ParseVersion(ref))

	both, err := NewKeyring(map[int][]byte{1: testKey(1), 2: testKey(2)})
	require.NoError(t, err)
	v := NewVault(both)

	rotated, err := v.Rotate(ref)
	require.NoError(t, err)
	assert.Equal(t, 2, ParseVersion(rotated))

	c, err := v.Open(rotated)
	require.NoError(t, err)
	assert.Equal(t, Credential{APIKey: "k", APISecret: "s"}, c)

	_, err = v.Seal(Credential{APIKey: "k"})
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestVaultEnvReference(t *testing.T) {
	t.Setenv("ALPHA_API_KEY", "key")
	t.Setenv("ALPHA_API_SECRET", "secret")

	v := NewVault(nil)
	c, err := v.Open("env:alpha")
	require.NoError(t, err)
	assert.Equal(t, "key", c.APIKey)
	assert.Equal(t, "secret", c.APISecret)

	_, err = v.Open("env:missing")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = v.Open("ENC[v1]:abc")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	same, err := v.Rotate("env:alpha")
	require.NoError(t, err)
	assert.Equal(t, "env:alpha", same)
}
