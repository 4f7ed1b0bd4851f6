package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint collapses the device attributes captured at login into a
// stable identifier. It is stored on the session so that "same device"
// checks never require the raw user agent or IP.
func Fingerprint(ip, userAgent, hint string) string {
	if ip == "" && userAgent == "" && hint == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString(ip)
	b.WriteByte('\n')
	b.WriteString(userAgent)
	b.WriteByte('\n')
	b.WriteString(hint)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}
