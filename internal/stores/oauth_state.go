package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// OAuthState is the per-attempt record behind a state nonce. The nonce
// itself is the key; anything needed to resume the flow after the provider
// redirect lives here.
type OAuthState struct {
	RedirectHint string `json:"redirect,omitempty"`
	IssuedAt     int64  `json:"iat"`
}

// OAuthStateStore persists OAuth state nonces with a TTL. A nonce is valid
// for exactly one callback: Consume removes it atomically via GETDEL so two
// concurrent callbacks can never both pass the state check.
type OAuthStateStore struct {
	redis redis.UniversalClient
}

func NewOAuthStateStore(redisClient redis.UniversalClient) *OAuthStateStore {
	return &OAuthStateStore{redis: redisClient}
}

func (s *OAuthStateStore) key(nonce string) string {
	return "agos:" + nonce
}

func (s *OAuthStateStore) Put(ctx context.Context, nonce string, state *OAuthState, ttl time.Duration) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(nonce), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *OAuthStateStore) Consume(ctx context.Context, nonce string) (*OAuthState, error) {
	data, err := s.redis.GetDel(ctx, s.key(nonce)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	state := &OAuthState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("%w: corrupt oauth state", ErrUnavailable)
	}
	return state, nil
}
