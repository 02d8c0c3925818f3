package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix starts every API key. The full format is dfk_<id>_<secret>.
const KeyPrefix = "dfk_"

// ErrInvalidAPIKey is returned for unknown or mismatched keys
var ErrInvalidAPIKey = errors.New("invalid API key")

// KeyStore validates API keys against bcrypt hashes held in configuration.
// Successful checks are cached by SHA-256 so bcrypt runs once per key per TTL.
type KeyStore struct {
	hashes map[string]string
	seen   *cache.Cache
}

// NewKeyStore creates a store from key id -> bcrypt hash
func NewKeyStore(hashes map[string]string) *KeyStore {
	h := make(map[string]string, len(hashes))
	for id, hash := range hashes {
		h[id] = hash
	}
	return &KeyStore{hashes: h, seen: cache.New(10*time.Minute, 20*time.Minute)}
}

// Len returns the number of configured keys
func (k *KeyStore) Len() int { return len(k.hashes) }

// Validate checks a presented key and returns its principal
func (k *KeyStore) Validate(apiKey string) (*Principal, error) {
	id, err := keyID(apiKey)
	if err != nil {
		return nil, err
	}
	hash, ok := k.hashes[id]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	digest := sha256.Sum256([]byte(apiKey))
	fingerprint := hex.EncodeToString(digest[:])
	if _, hit := k.seen.Get(fingerprint); !hit {
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)); err != nil {
			return nil, ErrInvalidAPIKey
		}
		k.seen.SetDefault(fingerprint, id)
	}
	return &Principal{Subject: "key:" + id, Scopes: DefaultScopes, Method: MethodAPIKey, KeyID: id}, nil
}

// GenerateAPIKey creates a new key for id and returns it with its bcrypt hash
func GenerateAPIKey(id string) (key, hash string, err error) {
	if id == "" || strings.Contains(id, "_") {
		return "", "", fmt.Errorf("key id must be non-empty and must not contain '_'")
	}
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	key = KeyPrefix + id + "_" + base64.RawURLEncoding.EncodeToString(b)
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return key, string(h), nil
}

func keyID(apiKey string) (string, error) {
	rest, ok := strings.CutPrefix(apiKey, KeyPrefix)
	if !ok {
		return "", ErrInvalidAPIKey
	}
	id, secret, ok := strings.Cut(rest, "_")
	if !ok || id == "" || secret == "" {
		return "", ErrInvalidAPIKey
	}
	return id, nil
}
