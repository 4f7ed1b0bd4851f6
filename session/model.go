// Package session implements the Redis-backed session registry: one record
// per authenticated device, a token-family index for refresh rotation, and
// a per-user index for listing and bulk revocation.
package session

import (
	"encoding/hex"
	"strconv"
	"strings"
)

// Revocation reasons recorded on terminated sessions.
const (
	ReasonLogout   = "logout"
	ReasonRevoked  = "revoked"
	ReasonReplay   = "replay"
	ReasonExpired  = "expired"
	ReasonPassword = "password_change"
	ReasonSecurity = "security"
)

// Session is one authenticated device/browser instance. The record stays
// in the registry after revocation (flagged, not deleted) until the audit
// retention window lapses.
type Session struct {
	ID          string
	UserID      string
	FamilyID    string
	Roles       []string
	Fingerprint string
	IP          string
	UserAgent   string

	RefreshHash [32]byte

	CreatedAt int64
	ExpiresAt int64

	Revoked      bool
	RevokedAt    int64
	RevokeReason string
}

const (
	fieldUserID      = "uid"
	fieldFamilyID    = "fid"
	fieldRoles       = "roles"
	fieldFingerprint = "fp"
	fieldIP          = "ip"
	fieldUserAgent   = "ua"
	fieldRefreshHash = "rh"
	fieldCreatedAt   = "ca"
	fieldExpiresAt   = "ea"
	fieldRevoked     = "rv"
	fieldRevokedAt   = "rva"
	fieldReason      = "rr"
)

func (s *Session) fields() map[string]interface{} {
	revoked := "0"
	if s.Revoked {
		revoked = "1"
	}
	return map[string]interface{}{
		fieldUserID:      s.UserID,
		fieldFamilyID:    s.FamilyID,
		fieldRoles:       strings.Join(s.Roles, ","),
		fieldFingerprint: s.Fingerprint,
		fieldIP:          s.IP,
		fieldUserAgent:   s.UserAgent,
		fieldRefreshHash: hex.EncodeToString(s.RefreshHash[:]),
		fieldCreatedAt:   strconv.FormatInt(s.CreatedAt, 10),
		fieldExpiresAt:   strconv.FormatInt(s.ExpiresAt, 10),
		fieldRevoked:     revoked,
		fieldRevokedAt:   strconv.FormatInt(s.RevokedAt, 10),
		fieldReason:      s.RevokeReason,
	}
}

func sessionFromFields(id string, fields map[string]string) (*Session, error) {
	if len(fields) == 0 || fields[fieldUserID] == "" {
		return nil, ErrSessionNotFound
	}

	sess := &Session{
		ID:           id,
		UserID:       fields[fieldUserID],
		FamilyID:     fields[fieldFamilyID],
		Fingerprint:  fields[fieldFingerprint],
		IP:           fields[fieldIP],
		UserAgent:    fields[fieldUserAgent],
		Revoked:      fields[fieldRevoked] == "1",
		RevokeReason: fields[fieldReason],
	}
	if raw := fields[fieldRoles]; raw != "" {
		sess.Roles = strings.Split(raw, ",")
	}

	hash, err := hex.DecodeString(fields[fieldRefreshHash])
	if err != nil || len(hash) != len(sess.RefreshHash) {
		return nil, ErrSessionCorrupt
	}
	copy(sess.RefreshHash[:], hash)

	if sess.CreatedAt, err = strconv.ParseInt(fields[fieldCreatedAt], 10, 64); err != nil {
		return nil, ErrSessionCorrupt
	}
	if sess.ExpiresAt, err = strconv.ParseInt(fields[fieldExpiresAt], 10, 64); err != nil {
		return nil, ErrSessionCorrupt
	}
	if raw := fields[fieldRevokedAt]; raw != "" {
		if sess.RevokedAt, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, ErrSessionCorrupt
		}
	}

	return sess, nil
}
