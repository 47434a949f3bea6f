package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// EnvRefPrefix marks a credential reference resolved from the environment:
// "env:ALPHA" reads ALPHA_API_KEY and ALPHA_API_SECRET.
const EnvRefPrefix = "env:"

var ErrInvalidCredential = errors.New("invalid credential")

// Credential is an exchange API key pair.
type Credential struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

func (c Credential) validate() error {
	if strings.TrimSpace(c.APIKey) == "" || strings.TrimSpace(c.APISecret) == "" {
		return fmt.Errorf("%w: api key and secret are required", ErrInvalidCredential)
	}
	return nil
}

// Vault turns credentials into opaque references stored on accounts, and back.
type Vault struct {
	keys   *Keyring
	lookup func(string) (string, bool)
}

// NewVault returns a vault sealing with keys. keys may be nil, in which case
// only env: references can be resolved.
func NewVault(keys *Keyring) *Vault {
	return &Vault{keys: keys, lookup: os.LookupEnv}
}

// Seal encrypts c into a credential reference.
func (v *Vault) Seal(c Credential) (string, error) {
	if err := c.validate(); err != nil {
		return "", err
	}
	if v.keys == nil {
		return "", fmt.Errorf("seal credential: %w", ErrKeyNotFound)
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal credential: %w", err)
	}
	return v.keys.Seal(raw)
}

// Open resolves a credential reference.
func (v *Vault) Open(ref string) (Credential, error) {
	ref = strings.TrimSpace(ref)
	if name, ok := strings.CutPrefix(ref, EnvRefPrefix); ok {
		return v.fromEnv(name)
	}
	if v.keys == nil {
		return Credential{}, fmt.Errorf("open credential: %w", ErrKeyNotFound)
	}
	raw, err := v.keys.Open(ref)
	if err != nil {
		return Credential{}, err
	}
	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return c, c.validate()
}

// Rotate re-seals ref with the current key version. env: references are
// returned unchanged.
func (v *Vault) Rotate(ref string) (string, error) {
	if strings.HasPrefix(ref, EnvRefPrefix) {
		return ref, nil
	}
	c, err := v.Open(ref)
	if err != nil {
		return "", fmt.Errorf("open for rotation: %w", err)
	}
	return v.Seal(c)
}

func (v *Vault) fromEnv(name string) (Credential, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return Credential{}, fmt.Errorf("%w: empty env reference", ErrInvalidCredential)
	}
	key, _ := v.lookup(name + "_API_KEY")
	secret, _ := v.lookup(name + "_API_SECRET")
	c := Credential{APIKey: key, APISecret: secret}
	if err := c.validate(); err != nil {
		return Credential{}, fmt.Errorf("env reference %s: %w", name, err)
	}
	return c, nil
}
