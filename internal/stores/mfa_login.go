package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrChallengeExpired = errors.New("login challenge expired")
)

// LoginChallenge is the MFA-pending handle returned by a password login
// against an MFA-enabled account. It freezes the device attributes captured
// at credential check so the eventual session is bound to the same request
// origin.
type LoginChallenge struct {
	UserID      string `json:"uid"`
	Remember    bool   `json:"rem,omitempty"`
	Fingerprint string `json:"fp,omitempty"`
	IP          string `json:"ip,omitempty"`
	UserAgent   string `json:"ua,omitempty"`
	ExpiresAt   int64  `json:"exp"`
	Attempts    int    `json:"att,omitempty"`
}

// LoginChallengeStore persists MFA-pending login handles with a TTL and a
// bounded attempt counter.
type LoginChallengeStore struct {
	redis redis.UniversalClient
}

func NewLoginChallengeStore(redisClient redis.UniversalClient) *LoginChallengeStore {
	return &LoginChallengeStore{redis: redisClient}
}

func (s *LoginChallengeStore) key(token string) string {
	return "agml:" + token
}

func (s *LoginChallengeStore) Save(ctx context.Context, token string, challenge *LoginChallenge, ttl time.Duration) error {
	encoded, err := json.Marshal(challenge)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(token), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *LoginChallengeStore) Get(ctx context.Context, token string) (*LoginChallenge, error) {
	data, err := s.redis.Get(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	challenge := &LoginChallenge{}
	if err := json.Unmarshal(data, challenge); err != nil {
		return nil, fmt.Errorf("%w: corrupt login challenge", ErrUnavailable)
	}
	if time.Now().Unix() > challenge.ExpiresAt {
		_ = s.redis.Del(ctx, s.key(token)).Err()
		return nil, ErrChallengeExpired
	}
	return challenge, nil
}

func (s *LoginChallengeStore) Delete(ctx context.Context, token string) error {
	if err := s.redis.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RecordFailure bumps the attempt counter under WATCH and deletes the
// challenge when maxAttempts is reached. Returns true when the challenge
// was burned.
func (s *LoginChallengeStore) RecordFailure(ctx context.Context, token string, maxAttempts int) (bool, error) {
	const maxRetries = 4
	key := s.key(token)

	for i := 0; i < maxRetries; i++ {
		var exceeded bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			challenge := &LoginChallenge{}
			if err := json.Unmarshal(data, challenge); err != nil {
				return err
			}
			if time.Now().Unix() > challenge.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrChallengeExpired
			}

			challenge.Attempts++
			if maxAttempts > 0 && challenge.Attempts >= maxAttempts {
				exceeded = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			ttl := time.Until(time.Unix(challenge.ExpiresAt, 0))
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrChallengeExpired
			}

			updated, err := json.Marshal(challenge)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return false, ErrNotFound
			case errors.Is(err, ErrChallengeExpired):
				return false, err
			default:
				return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
		return exceeded, nil
	}

	return false, ErrNotFound
}
