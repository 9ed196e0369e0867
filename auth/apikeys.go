package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/truenas/middlewared/datastore"
	"github.com/truenas/middlewared/errors"
)

const (
	apiKeyPrefix = "api_key/"
	nodeKeyPath  = "auth/node_key"
)

// APIKey is a stored key. Only the HMAC of the secret is kept.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Username  string     `json:"username"`
	Roles     []string   `json:"roles"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Revoked   bool       `json:"revoked"`
	Hash      string     `json:"hash,omitempty"`
}

// Expired reports whether the key is past its expiry at now
func (k APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// APIKeys stores keys in the datastore, verifying secrets with HMAC-SHA256
// under a per-node key
type APIKeys struct {
	store   datastore.Store
	nodeKey []byte
	now     func() time.Time
}

// NewAPIKeys creates the key store. A nil nodeKey loads or creates one in
// the datastore.
func NewAPIKeys(ctx context.Context, store datastore.Store, nodeKey []byte) (*APIKeys, error) {
	if len(nodeKey) == 0 {
		var err error
		if nodeKey, err = loadNodeKey(ctx, store); err != nil {
			return nil, err
		}
	}
	return &APIKeys{store: store, nodeKey: nodeKey, now: time.Now}, nil
}

func loadNodeKey(ctx context.Context, store datastore.Store) ([]byte, error) {
	key, err := store.Get(ctx, nodeKeyPath)
	if err == nil {
		return key, nil
	}
	if !datastore.IsNotFound(err) {
		return nil, errors.Wrap(err, "APIKeys", "loadNodeKey", "read node key")
	}
	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.WrapFatal(err, "APIKeys", "loadNodeKey", "generate node key")
	}
	if err := store.Put(ctx, nodeKeyPath, key); err != nil {
		return nil, errors.Wrap(err, "APIKeys", "loadNodeKey", "store node key")
	}
	return key, nil
}

func (k *APIKeys) digest(secret string) string {
	mac := hmac.New(sha256.New, k.nodeKey)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// Create stores a new key and returns it with the raw "id:secret" value,
// which is not retrievable later
func (k *APIKeys) Create(ctx context.Context, name, username string, roles []string, expiresAt *time.Time) (APIKey, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return APIKey{}, "", errors.WrapFatal(err, "APIKeys", "Create", "generate secret")
	}
	secret := hex.EncodeToString(raw)
	key := APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		Username:  username,
		Roles:     roles,
		CreatedAt: k.now().UTC(),
		ExpiresAt: expiresAt,
		Hash:      k.digest(secret),
	}
	if err := datastore.PutJSON(ctx, k.store, apiKeyPrefix+key.ID, key); err != nil {
		return APIKey{}, "", err
	}
	key.Hash = ""
	return key, key.ID + ":" + secret, nil
}

// Verify resolves a raw "id:secret" value. The error is EAUTH for every
// kind of mismatch.
func (k *APIKeys) Verify(ctx context.Context, raw string) (APIKey, error) {
	id, secret, ok := strings.Cut(raw, ":")
	if !ok || id == "" || secret == "" {
		return APIKey{}, errors.AuthFailed("Malformed API key")
	}
	var key APIKey
	if err := datastore.GetJSON(ctx, k.store, apiKeyPrefix+id, &key); err != nil {
		if datastore.IsNotFound(err) {
			return APIKey{}, errors.AuthFailed("Invalid API key")
		}
		return APIKey{}, err
	}
	if !hmac.Equal([]byte(k.digest(secret)), []byte(key.Hash)) {
		return APIKey{}, errors.AuthFailed("Invalid API key")
	}
	if key.Revoked || key.Expired(k.now()) {
		return APIKey{}, errors.AuthFailed("API key is revoked or expired")
	}
	key.Hash = ""
	return key, nil
}

// Query lists keys, optionally restricted to one user
func (k *APIKeys) Query(ctx context.Context, username string) ([]APIKey, error) {
	entries, err := k.store.Query(ctx, apiKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]APIKey, 0, len(entries))
	for _, e := range entries {
		var key APIKey
		if err := json.Unmarshal(e.Value, &key); err != nil {
			return nil, errors.WrapInvalid(err, "APIKeys", "Query", "decode "+e.Key)
		}
		if username != "" && key.Username != username {
			continue
		}
		key.Hash = ""
		out = append(out, key)
	}
	return out, nil
}

// Delete removes a key; ENOENT when absent
func (k *APIKeys) Delete(ctx context.Context, id string) error {
	if _, err := k.store.Get(ctx, apiKeyPrefix+id); err != nil {
		if datastore.IsNotFound(err) {
			return errors.NotFound("API key %s does not exist", id)
		}
		return err
	}
	return k.store.Delete(ctx, apiKeyPrefix+id)
}
