package stores

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PendingTOTPStore holds a freshly generated TOTP secret between enrollment
// start and the first successful code verification. The secret only reaches
// the durable user record after that proof, so an abandoned enrollment
// leaves nothing behind once the TTL fires.
type PendingTOTPStore struct {
	redis redis.UniversalClient
}

func NewPendingTOTPStore(redisClient redis.UniversalClient) *PendingTOTPStore {
	return &PendingTOTPStore{redis: redisClient}
}

func (s *PendingTOTPStore) key(userID string) string {
	return "agpt:" + userID
}

func (s *PendingTOTPStore) Put(ctx context.Context, userID string, secret []byte, ttl time.Duration) error {
	encoded := base64.StdEncoding.EncodeToString(secret)
	if err := s.redis.Set(ctx, s.key(userID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PendingTOTPStore) Get(ctx context.Context, userID string) ([]byte, error) {
	encoded, err := s.redis.Get(ctx, s.key(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt pending secret", ErrUnavailable)
	}
	return secret, nil
}

func (s *PendingTOTPStore) Delete(ctx context.Context, userID string) error {
	if err := s.redis.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
