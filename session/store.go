package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound is returned when no live record exists for the session
// or token family.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionRevoked is returned when the target session has been revoked.
var ErrSessionRevoked = errors.New("session revoked")

// ErrSessionExpired is returned when the target session is past its expiry.
var ErrSessionExpired = errors.New("session expired")

// ErrSessionCorrupt is returned when a stored record cannot be decoded.
var ErrSessionCorrupt = errors.New("session record corrupt")

// ErrRefreshHashMismatch is returned when the presented refresh secret does
// not hash to the stored value. The script has already revoked the whole
// family by the time the caller sees this.
var ErrRefreshHashMismatch = errors.New("refresh hash mismatch")

// ErrRedisUnavailable wraps transport-level Redis failures.
var ErrRedisUnavailable = errors.New("redis unavailable")

const (
	rotateStatusNotFound int64 = 0
	rotateStatusRevoked  int64 = 1
	rotateStatusExpired  int64 = 2
	rotateStatusMismatch int64 = 3
	rotateStatusRotated  int64 = 4
)

// rotateScript resolves the family index to its session, validates the
// presented refresh hash, and swaps in the successor hash in one atomic
// step. Of N concurrent rotations with the same token exactly one observes
// the old hash; the rest hit the mismatch branch, which revokes the session
// and drops the family index so the whole chain dies with the replay.
const rotateScript = `
local prefix = ARGV[1]
local family_id = ARGV[2]
local provided_hash = ARGV[3]
local next_hash = ARGV[4]
local now_unix = tonumber(ARGV[5])
local next_expires = tonumber(ARGV[6])
local retention_ms = tonumber(ARGV[7])

local family_key = prefix .. "f:" .. family_id
local session_id = redis.call("GET", family_key)
if not session_id then
  return {0}
end

local session_key = prefix .. "s:" .. session_id
local user_id = redis.call("HGET", session_key, "uid")
if not user_id then
  redis.call("DEL", family_key)
  return {0}
end
local user_key = prefix .. "u:" .. user_id

local function revoke(reason)
  redis.call("HSET", session_key, "rv", "1", "rva", tostring(now_unix), "rr", reason)
  redis.call("DEL", family_key)
  redis.call("SREM", user_key, session_id)
  redis.call("PEXPIRE", session_key, retention_ms)
end

if redis.call("HGET", session_key, "rv") == "1" then
  return {1, session_id}
end

local expires_at = tonumber(redis.call("HGET", session_key, "ea") or "0")
if expires_at <= now_unix then
  revoke("expired")
  return {2, session_id}
end

local stored_hash = redis.call("HGET", session_key, "rh")
if stored_hash ~= provided_hash then
  revoke("replay")
  return {3, session_id, user_id}
end

-- Sliding renewal never shortens a longer-lived (remembered) session.
if expires_at > next_expires then
  next_expires = expires_at
end

redis.call("HSET", session_key, "rh", next_hash, "ea", tostring(next_expires))
redis.call("PEXPIRE", session_key, (next_expires - now_unix) * 1000 + retention_ms)
redis.call("PEXPIRE", family_key, (next_expires - now_unix) * 1000)

return {4, session_id, redis.call("HGETALL", session_key)}
`

var rotateLua = redis.NewScript(rotateScript)

// revokeScript flags a session revoked, removes it from the live indexes,
// and rearms its TTL to the audit retention window. Idempotent: an already
// revoked session is left untouched.
const revokeScript = `
local prefix = ARGV[1]
local session_id = ARGV[2]
local reason = ARGV[3]
local now_unix = ARGV[4]
local retention_ms = tonumber(ARGV[5])

local session_key = prefix .. "s:" .. session_id
local user_id = redis.call("HGET", session_key, "uid")
if not user_id then
  return 0
end
if redis.call("HGET", session_key, "rv") == "1" then
  return 1
end

local family_id = redis.call("HGET", session_key, "fid")
redis.call("HSET", session_key, "rv", "1", "rva", now_unix, "rr", reason)
if family_id then
  redis.call("DEL", prefix .. "f:" .. family_id)
end
redis.call("SREM", prefix .. "u:" .. user_id, session_id)
redis.call("PEXPIRE", session_key, retention_ms)
return 1
`

var revokeLua = redis.NewScript(revokeScript)

// Store is the Redis-backed session registry. Each session is a hash under
// prefix+"s:", addressed by a family index key under prefix+"f:" and listed
// in a per-user set under prefix+"u:". Revoked sessions stay readable for
// the retention window.
type Store struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix namespaces all keys; retention controls how long revoked records
// remain readable for audit.
func NewStore(redisClient redis.UniversalClient, prefix string, retention time.Duration) *Store {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Store{
		redis:     redisClient,
		prefix:    prefix + ":",
		retention: retention,
	}
}

func (s *Store) sessionKey(sessionID string) string {
	return s.prefix + "s:" + sessionID
}

func (s *Store) familyKey(familyID string) string {
	return s.prefix + "f:" + familyID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + "u:" + userID
}

// Save persists a new session and wires up its family and user indexes.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	liveTTL := time.Until(time.Unix(sess.ExpiresAt, 0))
	if liveTTL <= 0 {
		return ErrSessionExpired
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.sessionKey(sess.ID), sess.fields())
		pipe.PExpire(ctx, s.sessionKey(sess.ID), liveTTL+s.retention)
		pipe.Set(ctx, s.familyKey(sess.FamilyID), sess.ID, liveTTL)
		pipe.SAdd(ctx, s.userKey(sess.UserID), sess.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get fetches a session by ID, revoked or not. Callers that need a live
// session check Revoked and ExpiresAt themselves.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := s.redis.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return sessionFromFields(sessionID, fields)
}

// Rotate performs the atomic refresh rotation for a token family. On
// success the stored hash is replaced with nextHash, expiry extends to
// nextExpiresAt, and the updated session is returned.
//
// A hash mismatch means the presented token was already spent. The script
// revokes the session and family before returning, so by the time the
// caller sees [ErrRefreshHashMismatch] the replayed chain is already dead;
// the revoked session is returned alongside the error for audit.
func (s *Store) Rotate(
	ctx context.Context,
	familyID string,
	providedHash [32]byte,
	nextHash [32]byte,
	nextExpiresAt int64,
) (*Session, error) {
	result, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{s.familyKey(familyID)},
		s.prefix,
		familyID,
		hex.EncodeToString(providedHash[:]),
		hex.EncodeToString(nextHash[:]),
		time.Now().Unix(),
		nextExpiresAt,
		s.retention.Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", ErrRedisUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return nil, ErrSessionNotFound
	case rotateStatusRevoked:
		return nil, ErrSessionRevoked
	case rotateStatusExpired:
		return nil, ErrSessionExpired
	case rotateStatusMismatch:
		sess := s.sessionFromScript(ctx, parts)
		return sess, ErrRefreshHashMismatch
	case rotateStatusRotated:
		if len(parts) < 3 {
			return nil, fmt.Errorf("%w: missing rotated session payload", ErrRedisUnavailable)
		}
		sessionID, _ := parts[1].(string)
		fields, err := fieldsFromFlatPairs(parts[2])
		if err != nil {
			return nil, err
		}
		sess, err := sessionFromFields(sessionID, fields)
		if err != nil {
			return nil, err
		}
		return sess, nil
	default:
		return nil, fmt.Errorf("%w: unknown rotate script status", ErrRedisUnavailable)
	}
}

func (s *Store) sessionFromScript(ctx context.Context, parts []interface{}) *Session {
	if len(parts) < 2 {
		return nil
	}
	sessionID, ok := parts[1].(string)
	if !ok {
		return nil
	}
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil
	}
	return sess
}

func fieldsFromFlatPairs(raw interface{}) (map[string]string, error) {
	flat, ok := raw.([]interface{})
	if !ok || len(flat)%2 != 0 {
		return nil, fmt.Errorf("%w: invalid session field payload", ErrRedisUnavailable)
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, kok := flat[i].(string)
		v, vok := flat[i+1].(string)
		if !kok || !vok {
			return nil, fmt.Errorf("%w: invalid session field payload", ErrRedisUnavailable)
		}
		fields[k] = v
	}
	return fields, nil
}

// Revoke terminates a single session. Idempotent; revoking an already
// revoked or missing session is not an error.
func (s *Store) Revoke(ctx context.Context, sessionID, reason string) error {
	err := revokeLua.Run(
		ctx,
		s.redis,
		[]string{s.sessionKey(sessionID)},
		s.prefix,
		sessionID,
		reason,
		time.Now().Unix(),
		s.retention.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// RevokeFamily terminates the session owning the given token family.
func (s *Store) RevokeFamily(ctx context.Context, familyID, reason string) error {
	sessionID, err := s.redis.Get(ctx, s.familyKey(familyID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return s.Revoke(ctx, sessionID, reason)
}

// RevokeAllForUser terminates every live session of a user, optionally
// sparing one (the caller's own). Returns the number of sessions revoked.
func (s *Store) RevokeAllForUser(ctx context.Context, userID, exceptSessionID, reason string) (int, error) {
	sessionIDs, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	revoked := 0
	for _, sessionID := range sessionIDs {
		if sessionID == exceptSessionID {
			continue
		}
		if err := s.Revoke(ctx, sessionID, reason); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// ListActive returns the live (unrevoked, unexpired) sessions of a user.
func (s *Store) ListActive(ctx context.Context, userID string) ([]*Session, error) {
	sessionIDs, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Session{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(sessionIDs) == 0 {
		return []*Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(sessionIDs))
	for i, sid := range sessionIDs {
		cmds[i] = pipe.HGetAll(ctx, s.sessionKey(sid))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	nowUnix := time.Now().Unix()
	sessions := make([]*Session, 0, len(sessionIDs))
	for i, cmd := range cmds {
		fields, cmdErr := cmd.Result()
		if cmdErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, cmdErr)
		}
		sess, decErr := sessionFromFields(sessionIDs[i], fields)
		if decErr != nil {
			// Index entry outlived the record; drop it.
			if errors.Is(decErr, ErrSessionNotFound) {
				_ = s.redis.SRem(ctx, s.userKey(userID), sessionIDs[i]).Err()
				continue
			}
			return nil, decErr
		}
		if sess.Revoked || sess.ExpiresAt <= nowUnix {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// ActiveSessionCount returns the number of indexed sessions for a user.
func (s *Store) ActiveSessionCount(ctx context.Context, userID string) (int, error) {
	count, err := s.redis.SCard(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(count), nil
}

// SweepExpired scans the registry and revokes sessions that are past
// expiry but not yet flagged. Redis TTLs make this a safety net rather
// than the primary cleanup path; run it from a maintenance loop, not a
// request hot path. Returns the number of sessions swept.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	var (
		cursor uint64
		swept  int
	)
	pattern := s.prefix + "s:*"
	nowUnix := time.Now().Unix()

	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return swept, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}

		for _, key := range keys {
			sessionID := key[len(s.prefix)+2:]
			sess, err := s.Get(ctx, sessionID)
			if err != nil {
				if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionCorrupt) {
					continue
				}
				return swept, err
			}
			if sess.Revoked || sess.ExpiresAt > nowUnix {
				continue
			}
			if err := s.Revoke(ctx, sessionID, ReasonExpired); err != nil {
				return swept, err
			}
			swept++
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return swept, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}
