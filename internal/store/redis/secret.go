package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"feedsignal/internal/secret"
)

// SecretStore reads the session credential from a Redis key, so an external
// refresher can rotate it between connection attempts.
type SecretStore struct {
	client *goredis.Client
	key    string
}

// NewSecretStore creates a provider reading key.
func NewSecretStore(client *goredis.Client, key string) *SecretStore {
	return &SecretStore{client: client, key: key}
}

// Secret implements model.SecretProvider.
func (s *SecretStore) Secret(ctx context.Context) (string, error) {
	v, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("%w: redis key %s", secret.ErrNotFound, s.key)
	}
	if err != nil {
		return "", fmt.Errorf("redis: get %s: %w", s.key, err)
	}
	return secret.Sanitize(v), nil
}
