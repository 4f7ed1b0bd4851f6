package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
)

// TokenID is the opaque 128-bit identifier used for sessions and token
// families. The string form is unpadded base64url.
type TokenID [16]byte

const (
	refreshSecretSize   = 32
	refreshTokenRawSize = 16 + refreshSecretSize
	backupCodeBytes     = 5
)

func NewTokenID() (TokenID, error) {
	var id TokenID
	_, err := rand.Read(id[:])
	return id, err
}

func (id TokenID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func ParseTokenID(s string) (TokenID, error) {
	var id TokenID

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, errors.New("invalid token id size")
	}

	copy(id[:], raw)
	return id, nil
}

func NewRefreshSecret() ([refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

func HashRefreshSecret(secret [refreshSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

func HashCode(code string) [32]byte {
	return sha256.Sum256([]byte(code))
}

// EncodeRefreshToken packs a token family id and its secret into one opaque
// base64url string. The family id is recoverable, the secret only ever
// leaves the process inside this encoding.
func EncodeRefreshToken(familyID string, secret [refreshSecretSize]byte) (string, error) {
	fid, err := ParseTokenID(familyID)
	if err != nil {
		return "", err
	}

	var raw [refreshTokenRawSize]byte
	copy(raw[:len(fid)], fid[:])
	copy(raw[len(fid):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

func DecodeRefreshToken(token string) (string, [refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) != refreshTokenRawSize {
		return "", secret, errors.New("invalid refresh token size")
	}

	var fid TokenID
	copy(fid[:], raw[:len(fid)])
	copy(secret[:], raw[len(fid):])

	return fid.String(), secret, nil
}

// NewNumericCode returns a uniformly random numeric one-time code.
func NewNumericCode(digits int) (string, error) {
	if digits < 4 || digits > 10 {
		return "", errors.New("invalid code digits")
	}

	var b strings.Builder
	b.Grow(digits)

	ten := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}

// NewBackupCode returns a human-typable backup code of the form XXXXX-XXXXX
// over a crockford-style alphabet without ambiguous characters.
func NewBackupCode() (string, error) {
	const alphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

	var b strings.Builder
	b.Grow(backupCodeBytes*2 + 1)

	size := big.NewInt(int64(len(alphabet)))
	for i := 0; i < backupCodeBytes*2; i++ {
		if i == backupCodeBytes {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[n.Int64()])
	}

	return b.String(), nil
}
