package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/ashita-ai/kibitz/internal/model"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// ErrInvalidAPIKey is returned when an API key matches no configured role.
var ErrInvalidAPIKey = errors.New("auth: invalid api key")

// HashAPIKey hashes an API key using Argon2id. The result is
// "base64(salt)$base64(hash)".
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	return encodeHash(salt, deriveKey(apiKey, salt)), nil
}

// VerifyAPIKey checks an API key against a hash produced by HashAPIKey.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	salt, expected, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(expected, deriveKey(apiKey, salt)) == 1, nil
}

func deriveKey(apiKey string, salt []byte) []byte {
	return argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func encodeHash(salt, hash []byte) string {
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(hash)
}

func decodeHash(encoded string) (salt, hash []byte, err error) {
	saltPart, hashPart, ok := strings.Cut(encoded, "$")
	if !ok {
		return nil, nil, fmt.Errorf("auth: invalid hash format")
	}
	if salt, err = base64.StdEncoding.DecodeString(saltPart); err != nil {
		return nil, nil, fmt.Errorf("auth: decode salt: %w", err)
	}
	if hash, err = base64.StdEncoding.DecodeString(hashPart); err != nil {
		return nil, nil, fmt.Errorf("auth: decode hash: %w", err)
	}
	return salt, hash, nil
}

// Keyring maps configured API keys to roles. Only Argon2id hashes of the
// keys are retained.
type Keyring struct {
	entries []keyEntry
}

type keyEntry struct {
	role model.Role
	hash string
}

// NewKeyring hashes the operator and observer keys. Empty keys are skipped;
// a keyring with no keys authenticates nobody.
func NewKeyring(operatorKey, observerKey string) (*Keyring, error) {
	k := &Keyring{}
	for _, e := range []struct {
		role model.Role
		key  string
	}{
		{model.RoleOperator, operatorKey},
		{model.RoleObserver, observerKey},
	} {
		if e.key == "" {
			continue
		}
		hash, err := HashAPIKey(e.key)
		if err != nil {
			return nil, err
		}
		k.entries = append(k.entries, keyEntry{role: e.role, hash: hash})
	}
	return k, nil
}

// Empty reports whether no keys are configured.
func (k *Keyring) Empty() bool {
	return k == nil || len(k.entries) == 0
}

// Authenticate returns the role granted by apiKey. Every configured hash is
// checked so the response time does not reveal which role matched.
func (k *Keyring) Authenticate(apiKey string) (model.Role, error) {
	if k.Empty() || apiKey == "" {
		return "", ErrInvalidAPIKey
	}
	var role model.Role
	for _, e := range k.entries {
		ok, err := VerifyAPIKey(apiKey, e.hash)
		if err != nil {
			return "", err
		}
		if ok && model.RoleRank(e.role) > model.RoleRank(role) {
			role = e.role
		}
	}
	if role == "" {
		return "", ErrInvalidAPIKey
	}
	return role, nil
}
