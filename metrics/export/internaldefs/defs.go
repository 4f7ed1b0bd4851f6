// Package internaldefs holds the shared metric name table used by the
// exporter packages. It lives outside internal/ so both exporters can
// share one definition list without exposing it as public API surface.
package internaldefs

import (
	authgate "github.com/oakline/authgate"
)

// CounterDef maps one engine counter to its exported metric name.
type CounterDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

// HistogramDef maps one engine histogram to its exported metric name.
type HistogramDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: authgate.MetricLoginSuccess, Name: "authgate_login_success_total", Help: "Successful login attempts."},
	{ID: authgate.MetricLoginFailure, Name: "authgate_login_failure_total", Help: "Failed login attempts."},
	{ID: authgate.MetricLoginRateLimited, Name: "authgate_login_rate_limited_total", Help: "Rate-limited login attempts."},
	{ID: authgate.MetricMFARequired, Name: "authgate_mfa_required_total", Help: "Login flows requiring an MFA step-up."},
	{ID: authgate.MetricMFASuccess, Name: "authgate_mfa_success_total", Help: "Successful MFA confirmations."},
	{ID: authgate.MetricMFAFailure, Name: "authgate_mfa_failure_total", Help: "Failed MFA confirmations."},
	{ID: authgate.MetricMFAAttemptsExceeded, Name: "authgate_mfa_attempts_exceeded_total", Help: "MFA challenges burned by the attempt cap."},
	{ID: authgate.MetricBackupCodeUsed, Name: "authgate_backup_code_used_total", Help: "Successful backup-code authentications."},
	{ID: authgate.MetricRefreshSuccess, Name: "authgate_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: authgate.MetricRefreshFailure, Name: "authgate_refresh_failure_total", Help: "Failed refresh rotations."},
	{ID: authgate.MetricRefreshRateLimited, Name: "authgate_refresh_rate_limited_total", Help: "Rate-limited refresh attempts."},
	{ID: authgate.MetricReplayDetected, Name: "authgate_replay_detected_total", Help: "Refresh replays detected by family matching."},
	{ID: authgate.MetricSessionCreated, Name: "authgate_session_created_total", Help: "Created sessions."},
	{ID: authgate.MetricSessionRevoked, Name: "authgate_session_revoked_total", Help: "Revoked sessions."},
	{ID: authgate.MetricLogout, Name: "authgate_logout_total", Help: "Single-session logout operations."},
	{ID: authgate.MetricLogoutAll, Name: "authgate_logout_all_total", Help: "Logout-all operations."},
	{ID: authgate.MetricRegisterSuccess, Name: "authgate_register_success_total", Help: "Successful registrations."},
	{ID: authgate.MetricRegisterDuplicate, Name: "authgate_register_duplicate_total", Help: "Registrations rejected as duplicate email."},
	{ID: authgate.MetricEmailVerified, Name: "authgate_email_verified_total", Help: "Successful email verifications."},
	{ID: authgate.MetricPasswordChanged, Name: "authgate_password_changed_total", Help: "Successful password changes."},
	{ID: authgate.MetricOAuthLogin, Name: "authgate_oauth_login_total", Help: "Completed federated logins."},
	{ID: authgate.MetricOAuthLinkCreated, Name: "authgate_oauth_link_created_total", Help: "Provider links created."},
	{ID: authgate.MetricOAuthRefresh, Name: "authgate_oauth_refresh_total", Help: "Silent provider token refreshes."},
	{ID: authgate.MetricOAuthStateInvalid, Name: "authgate_oauth_state_invalid_total", Help: "Callbacks rejected for an invalid state nonce."},
}

var HistogramDefs = []HistogramDef{
	{ID: authgate.MetricValidateLatency, Name: "authgate_validate_latency_seconds", Help: "Access token validation latency."},
}

// HistogramBoundSuffix names the eight fixed latency buckets, upper
// bound in seconds with the dot replaced for metric-name safety.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw snapshot slice to the fixed
// bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to the cumulative form
// expected by histogram consumers.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
