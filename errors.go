package authgate

import "errors"

var (
	// ErrInvalidCredentials is returned for unknown accounts and wrong
	// passwords alike; callers must not be able to tell the two apart.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountSuspended is returned when the account is disabled or locked.
	ErrAccountSuspended = errors.New("account suspended")
	// ErrEmailUnverified is returned when login requires a verified email.
	ErrEmailUnverified = errors.New("email not verified")
	// ErrEmailExists is returned by Register for a duplicate email.
	ErrEmailExists = errors.New("email already registered")
	// ErrUserNotFound must be returned by UserStore implementations when no
	// record matches a lookup.
	ErrUserNotFound = errors.New("user not found")

	// ErrPasswordPolicy is returned when a new password fails policy.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse is returned when the new password equals the old one.
	ErrPasswordReuse = errors.New("new password must be different from current password")

	// ErrMFARequired signals that a login produced a challenge instead of
	// tokens. Most callers read LoginResult.MFARequired instead.
	ErrMFARequired = errors.New("mfa required")
	// ErrMFAInvalidCode is returned for a wrong TOTP, channel, or backup code.
	ErrMFAInvalidCode = errors.New("invalid mfa code")
	// ErrMFAChallengeExpired is returned when the login challenge lapsed.
	ErrMFAChallengeExpired = errors.New("mfa challenge expired")
	// ErrMFAAttemptsExceeded is returned when the challenge attempt budget is
	// spent; the challenge is burned and the caller must log in again.
	ErrMFAAttemptsExceeded = errors.New("mfa attempts exceeded")
	// ErrMFAAlreadyEnabled is returned by enrollment for an MFA-enabled account.
	ErrMFAAlreadyEnabled = errors.New("mfa already enabled")
	// ErrMFANotEnabled is returned by MFA operations on an account without MFA.
	ErrMFANotEnabled = errors.New("mfa not enabled")
	// ErrChannelNotConfigured is returned when the account lacks the contact
	// point a channel needs (phone for SMS, verified email for email codes).
	ErrChannelNotConfigured = errors.New("mfa channel not configured")

	// ErrTokenInvalid is returned for malformed or badly signed tokens.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrSessionNotFound is returned when no session matches.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionRevoked is returned when the target session was revoked.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrSessionExpired is returned when the target session is past expiry.
	ErrSessionExpired = errors.New("session expired")
	// ErrReplayDetected is returned when a spent refresh token is presented
	// again. The session and its whole token family are already revoked by
	// the time the caller sees this.
	ErrReplayDetected = errors.New("refresh token replay detected")

	// ErrUnknownProvider is returned for an OAuth provider name that was
	// never registered on the builder.
	ErrUnknownProvider = errors.New("unknown oauth provider")
	// ErrInvalidOAuthState is returned when the callback state nonce is
	// missing, expired, or already consumed.
	ErrInvalidOAuthState = errors.New("invalid oauth state")
	// ErrOAuthProvider wraps upstream provider failures.
	ErrOAuthProvider = errors.New("oauth provider error")
	// ErrOAuthNotLinked is returned when no provider link exists for the user.
	ErrOAuthNotLinked = errors.New("oauth provider not linked")

	// ErrRateLimited is returned when a login, refresh, or code-send budget
	// is exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrStoreUnavailable wraps Redis transport failures.
	ErrStoreUnavailable = errors.New("backing store unavailable")
	// ErrEngineNotReady is returned when the engine was not built properly.
	ErrEngineNotReady = errors.New("engine not initialized")
)
