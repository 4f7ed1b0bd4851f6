package authgate

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// 160-bit secrets, the RFC 4226 recommended minimum.
const totpSecretBytes = 20

var totpDigests = map[string]func() hash.Hash{
	"SHA1":   sha1.New,
	"SHA256": sha256.New,
	"SHA512": sha512.New,
}

var errTOTPSecretEmpty = errors.New("empty totp secret")

// totpManager implements RFC 6238 code generation and verification with a
// configurable skew window.
type totpManager struct {
	config MFAConfig
}

func newTOTPManager(cfg MFAConfig) *totpManager {
	if cfg.Algorithm == "" {
		cfg.Algorithm = "SHA1"
	}
	return &totpManager{config: cfg}
}

func (m *totpManager) GenerateSecret() ([]byte, string, error) {
	if m == nil {
		return nil, "", ErrEngineNotReady
	}
	secret := make([]byte, totpSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", err
	}
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(secret)
	return secret, encoded, nil
}

func (m *totpManager) ProvisionURI(secretBase32, account string) string {
	query := url.Values{
		"secret":    {secretBase32},
		"issuer":    {m.config.Issuer},
		"period":    {strconv.Itoa(m.config.Period)},
		"digits":    {strconv.Itoa(m.config.Digits)},
		"algorithm": {strings.ToUpper(m.config.Algorithm)},
	}
	uri := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + m.config.Issuer + ":" + account,
		RawQuery: query.Encode(),
	}
	return uri.String()
}

// VerifyCode checks the code against the current time step and the
// configured skew window on each side. Comparison is constant time per
// candidate step.
func (m *totpManager) VerifyCode(secret []byte, code string, now time.Time) (bool, error) {
	if m == nil {
		return false, ErrEngineNotReady
	}

	presented := strings.TrimSpace(code)
	if len(presented) != m.config.Digits || !isNumericString(presented) {
		return false, nil
	}
	if len(secret) == 0 {
		return false, errTOTPSecretEmpty
	}

	current := now.Unix() / int64(m.config.Period)
	match := false
	for offset := -int64(m.config.Skew); offset <= int64(m.config.Skew); offset++ {
		step := current + offset
		if step < 0 {
			continue
		}
		candidate, err := hotpCode(secret, step, m.config.Digits, m.config.Algorithm)
		if err != nil {
			return false, err
		}
		// Keep scanning the whole window so timing does not reveal
		// which step matched.
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(presented)) == 1 {
			match = true
		}
	}
	return match, nil
}

// hotpCode is the RFC 4226 HOTP core: HMAC over the big-endian counter,
// dynamic truncation, then decimal reduction to the requested digits.
func hotpCode(secret []byte, counter int64, digits int, algorithm string) (string, error) {
	digest, ok := totpDigests[strings.ToUpper(algorithm)]
	if !ok {
		if algorithm == "" {
			digest = sha1.New
		} else {
			return "", errors.New("unsupported totp algorithm")
		}
	}

	mac := hmac.New(digest, secret)
	_ = binary.Write(mac, binary.BigEndian, uint64(counter))
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	truncated := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	mod := uint32(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, truncated%mod), nil
}

func isNumericString(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
