// Package password hashes and verifies credentials with Argon2id, encoded
// in the PHC string format so parameters travel with the hash and old
// hashes keep verifying after a cost upgrade.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

var (
	ErrPasswordTooShort = errors.New("password must be at least 10 bytes")
	ErrHashMalformed    = errors.New("password hash malformed")
	ErrWeakParameters   = errors.New("argon2 parameters below safe floor")
)

const (
	phcPrefix    = "$argon2id$"
	minPassBytes = 10
)

// floors reject hashes and configs weakened below what the library is
// willing to produce or accept.
const (
	floorMemoryKB    = 8 * 1024
	floorTime        = 1
	floorParallelism = 1
	floorSaltLen     = 16
	floorKeyLen      = 16
)

// Config sets the Argon2id cost parameters. Configure once at startup.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func (c Config) check() error {
	switch {
	case c.Memory < floorMemoryKB:
		return fmt.Errorf("%w: memory %d KB", ErrWeakParameters, c.Memory)
	case c.Time < floorTime:
		return fmt.Errorf("%w: time %d", ErrWeakParameters, c.Time)
	case c.Parallelism < floorParallelism:
		return fmt.Errorf("%w: parallelism %d", ErrWeakParameters, c.Parallelism)
	case c.SaltLength < floorSaltLen:
		return fmt.Errorf("%w: salt length %d", ErrWeakParameters, c.SaltLength)
	case c.KeyLength < floorKeyLen:
		return fmt.Errorf("%w: key length %d", ErrWeakParameters, c.KeyLength)
	}
	return nil
}

// Argon2 is a configured hasher. Safe for concurrent use.
type Argon2 struct {
	cfg Config
}

func NewArgon2(cfg Config) (*Argon2, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &Argon2{cfg: cfg}, nil
}

// Hash derives a PHC-encoded Argon2id hash with a fresh random salt.
// Password bytes are used exactly as provided, no Unicode normalization.
func (a *Argon2) Hash(password string) (string, error) {
	if len(password) < minPassBytes {
		return "", ErrPasswordTooShort
	}

	salt := make([]byte, a.cfg.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	key := a.derive([]byte(password), salt, a.cfg.Memory, a.cfg.Time, a.cfg.Parallelism, a.cfg.KeyLength)

	var b strings.Builder
	fmt.Fprintf(&b, "%sv=%d$m=%d,t=%d,p=%d$", phcPrefix, argon2.Version, a.cfg.Memory, a.cfg.Time, a.cfg.Parallelism)
	b.WriteString(base64.StdEncoding.EncodeToString(salt))
	b.WriteByte('$')
	b.WriteString(base64.StdEncoding.EncodeToString(key))
	return b.String(), nil
}

// Verify recomputes the hash with the parameters embedded in encoded and
// compares in constant time.
func (a *Argon2) Verify(password, encoded string) (bool, error) {
	ref, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	computed := a.derive([]byte(password), ref.salt, ref.memory, ref.time, ref.parallelism, uint32(len(ref.key)))
	return subtle.ConstantTimeCompare(computed, ref.key) == 1, nil
}

// NeedsUpgrade reports whether encoded was produced with weaker parameters
// than the current config. Callers rehash on the next successful login.
func (a *Argon2) NeedsUpgrade(encoded string) (bool, error) {
	ref, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	weaker := ref.memory < a.cfg.Memory ||
		ref.time < a.cfg.Time ||
		ref.parallelism < a.cfg.Parallelism ||
		uint32(len(ref.key)) != a.cfg.KeyLength
	return weaker, nil
}

func (a *Argon2) derive(password, salt []byte, memory, time uint32, parallelism uint8, keyLen uint32) []byte {
	return argon2.IDKey(password, salt, time, memory, parallelism, keyLen)
}

type phcHash struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func decodePHC(encoded string) (phcHash, error) {
	var h phcHash

	rest, ok := strings.CutPrefix(encoded, phcPrefix)
	if !ok {
		return h, fmt.Errorf("%w: not argon2id", ErrHashMalformed)
	}

	var version int
	n, err := fmt.Sscanf(rest, "v=%d$m=%d,t=%d,p=%d$", &version, &h.memory, &h.time, &h.parallelism)
	if err != nil || n != 4 {
		return h, fmt.Errorf("%w: bad parameter block", ErrHashMalformed)
	}
	if version != argon2.Version {
		return h, fmt.Errorf("%w: argon2 version %d", ErrHashMalformed, version)
	}
	if h.memory < floorMemoryKB || h.time < floorTime || h.parallelism < floorParallelism {
		return h, fmt.Errorf("%w: in stored hash", ErrWeakParameters)
	}

	fields := strings.Split(rest, "$")
	if len(fields) != 4 {
		return h, fmt.Errorf("%w: field count", ErrHashMalformed)
	}

	if h.salt, err = base64.StdEncoding.DecodeString(fields[2]); err != nil {
		return h, fmt.Errorf("%w: salt encoding", ErrHashMalformed)
	}
	if len(h.salt) < floorSaltLen {
		return h, fmt.Errorf("%w: salt too short", ErrHashMalformed)
	}
	if h.key, err = base64.StdEncoding.DecodeString(fields[3]); err != nil {
		return h, fmt.Errorf("%w: key encoding", ErrHashMalformed)
	}
	if len(h.key) == 0 {
		return h, fmt.Errorf("%w: empty key", ErrHashMalformed)
	}
	return h, nil
}
