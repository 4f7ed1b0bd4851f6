// Package stores contains the Redis-backed ephemeral state used by the
// engine: one-time MFA codes, pending TOTP enrollments, MFA-pending login
// challenges, and OAuth state nonces. Every record carries a TTL so cleanup
// is delegated to Redis expiry rather than to a scheduler.
package stores

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrCodeMismatch     = errors.New("code mismatch")
	ErrAttemptsExceeded = errors.New("attempts exceeded")
	ErrUnavailable      = errors.New("ephemeral store unavailable")
)

type codeRecord struct {
	Hash     string `json:"h"`
	Attempts int    `json:"a"`
}

// CodeStore holds hashed one-time codes keyed by user and channel. Codes
// are single use: a successful Consume deletes the record, a failed one
// burns an attempt.
type CodeStore struct {
	redis redis.UniversalClient
}

func NewCodeStore(redisClient redis.UniversalClient) *CodeStore {
	return &CodeStore{redis: redisClient}
}

func (s *CodeStore) key(userID, channel string) string {
	return "agc:" + userID + ":" + channel
}

// Put stores the code hash, replacing any outstanding code for the same
// user and channel.
func (s *CodeStore) Put(ctx context.Context, userID, channel string, codeHash [32]byte, ttl time.Duration) error {
	record := codeRecord{Hash: hex.EncodeToString(codeHash[:])}
	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(userID, channel), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Consume compares the provided hash against the stored one. A match
// deletes the record; a mismatch increments the attempt counter and deletes
// the record once maxAttempts is reached. The compare-and-update runs under
// WATCH so concurrent verifications cannot double-spend a code.
func (s *CodeStore) Consume(ctx context.Context, userID, channel string, providedHash [32]byte, maxAttempts int) error {
	const maxRetries = 4
	key := s.key(userID, channel)
	provided := hex.EncodeToString(providedHash[:])

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			var record codeRecord
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}

			if subtle.ConstantTimeCompare([]byte(record.Hash), []byte(provided)) == 1 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			record.Attempts++
			if maxAttempts > 0 && record.Attempts >= maxAttempts {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrAttemptsExceeded
			}

			ttl, err := tx.PTTL(ctx, key).Result()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrNotFound
			}

			updated, err := json.Marshal(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			if err != nil {
				return err
			}
			return ErrCodeMismatch
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return ErrNotFound
			case errors.Is(err, ErrCodeMismatch), errors.Is(err, ErrAttemptsExceeded), errors.Is(err, ErrNotFound):
				return err
			default:
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
		return nil
	}

	return ErrNotFound
}

// Delete drops any outstanding code for the user+channel pair.
func (s *CodeStore) Delete(ctx context.Context, userID, channel string) error {
	if err := s.redis.Del(ctx, s.key(userID, channel)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
