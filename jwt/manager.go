// Package jwt issues and verifies the stateless access tokens that pair
// with the Redis-backed refresh sessions.
package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the access-token signature algorithm.
type SigningMethod string

const (
	// MethodEd25519 signs tokens with an Ed25519 key pair.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs tokens with a shared HMAC secret.
	MethodHS256 SigningMethod = "hs256"
)

var (
	ErrBadConfig   = errors.New("invalid jwt configuration")
	ErrFutureToken = errors.New("token issued too far in the future")
)

const maxLeeway = 2 * time.Minute

// Config holds the signing material and claim policy for access tokens.
// Configure once at startup and treat as immutable afterwards.
type Config struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	RequireIAT    bool
	MaxFutureIAT  time.Duration
}

// AccessClaims is the claim set carried by every access token. The sid and
// fid claims tie the token back to its session and token family so a
// revocation check never needs a database lookup.
type AccessClaims struct {
	UID   string   `json:"uid"`
	SID   string   `json:"sid"`
	FID   string   `json:"fid"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and verifies access tokens. Keys are parsed once at
// construction so the hot paths never touch PEM.
type Manager struct {
	cfg       Config
	method    jwt.SigningMethod
	signKey   interface{}
	verifyKey interface{}
	parser    *jwt.Parser
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 {
		return nil, fmt.Errorf("%w: AccessTTL must be positive", ErrBadConfig)
	}
	if cfg.Leeway < 0 || cfg.Leeway > maxLeeway {
		return nil, fmt.Errorf("%w: leeway outside [0, %v]", ErrBadConfig, maxLeeway)
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, fmt.Errorf("%w: MaxFutureIAT outside (0, 24h]", ErrBadConfig)
	}

	m := &Manager{cfg: cfg}

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, fmt.Errorf("%w: hs256 requires a key", ErrBadConfig)
		}
		m.method = jwt.SigningMethodHS256
		m.signKey = cfg.PrivateKey
		m.verifyKey = cfg.PrivateKey
	case MethodEd25519:
		m.method = jwt.SigningMethodEdDSA
		if len(cfg.PrivateKey) > 0 {
			priv, err := loadEdKey(cfg.PrivateKey, false)
			if err != nil {
				return nil, err
			}
			m.signKey = priv
		}
		if len(cfg.PublicKey) == 0 {
			return nil, fmt.Errorf("%w: ed25519 requires a public key", ErrBadConfig)
		}
		pub, err := loadEdKey(cfg.PublicKey, true)
		if err != nil {
			return nil, err
		}
		m.verifyKey = pub
	default:
		return nil, fmt.Errorf("%w: signing method %q", ErrBadConfig, cfg.SigningMethod)
	}

	m.parser = jwt.NewParser(m.parserOptions()...)
	return m, nil
}

func (m *Manager) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
	}
	if m.cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(m.cfg.Leeway))
	}
	if m.cfg.RequireIAT {
		opts = append(opts, jwt.WithIssuedAt())
	}
	if m.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.cfg.Issuer))
	}
	if m.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(m.cfg.Audience))
	}
	return opts
}

// CreateAccess signs a new access token bound to the given session and
// token family.
func (m *Manager) CreateAccess(uid, sid, fid string, roles []string) (string, error) {
	if m.signKey == nil {
		return "", fmt.Errorf("%w: no signing key configured", ErrBadConfig)
	}

	now := time.Now()
	claims := AccessClaims{
		UID:   uid,
		SID:   sid,
		FID:   fid,
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.AccessTTL)),
			Issuer:    m.cfg.Issuer,
		},
	}
	if m.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.cfg.Audience}
	}

	return jwt.NewWithClaims(m.method, claims).SignedString(m.signKey)
}

// ParseAccess verifies signature, expiry, issuer, and audience, and returns
// the claims. Verification is pure; no store access happens here.
func (m *Manager) ParseAccess(tokenStr string) (*AccessClaims, error) {
	token, err := m.parser.ParseWithClaims(tokenStr, &AccessClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != m.method.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm %s", t.Method.Alg())
		}
		return m.verifyKey, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if iat := claims.IssuedAt; iat != nil && m.cfg.MaxFutureIAT > 0 {
		if iat.Time.After(time.Now().Add(m.cfg.MaxFutureIAT)) {
			return nil, ErrFutureToken
		}
	}
	return claims, nil
}

// AccessTTL reports the configured access-token lifetime.
func (m *Manager) AccessTTL() time.Duration {
	return m.cfg.AccessTTL
}

// loadEdKey accepts either a raw-size Ed25519 key or a PEM block.
func loadEdKey(key []byte, public bool) (interface{}, error) {
	if public {
		if len(key) == ed25519.PublicKeySize {
			return ed25519.PublicKey(key), nil
		}
		parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
		if err != nil {
			return nil, fmt.Errorf("%w: bad ed25519 public key", ErrBadConfig)
		}
		if pub, ok := parsed.(ed25519.PublicKey); ok {
			return pub, nil
		}
		return nil, fmt.Errorf("%w: not an ed25519 public key", ErrBadConfig)
	}

	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ed25519 private key", ErrBadConfig)
	}
	if priv, ok := parsed.(ed25519.PrivateKey); ok {
		return priv, nil
	}
	return nil, fmt.Errorf("%w: not an ed25519 private key", ErrBadConfig)
}
