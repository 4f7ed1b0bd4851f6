package authgate

import (
	"context"
	"time"

	"github.com/oakline/authgate/internal/audit"
)

// Audit action names. Sinks key alerting policy off these; the replay
// action in particular is the signal for credential-theft response.
const (
	AuditLogin           = "login"
	AuditLoginFailed     = "login_failed"
	AuditMFAChallenge    = "mfa_challenge"
	AuditMFAVerified     = "mfa_verified"
	AuditMFAFailed       = "mfa_failed"
	AuditMFAEnrolled     = "mfa_enrolled"
	AuditMFADisabled     = "mfa_disabled"
	AuditBackupCodeUsed  = "backup_code_used"
	AuditCodeSent        = "code_sent"
	AuditRefresh         = "refresh"
	AuditReplayDetected  = "replay_detected"
	AuditLogout          = "logout"
	AuditLogoutAll       = "logout_all"
	AuditRegister        = "register"
	AuditEmailVerified   = "email_verified"
	AuditPasswordChanged = "password_changed"
	AuditSessionRevoked  = "session_revoked"
	AuditOAuthLogin      = "oauth_login"
	AuditOAuthLinked     = "oauth_linked"
	AuditOAuthRefreshed  = "oauth_refreshed"
	AuditRateLimited     = "rate_limited"
)

func (e *Engine) emitAudit(ctx context.Context, action, userID, sessionID string, success bool, cause error, metadata map[string]string) {
	if e.audit == nil {
		return
	}

	event := audit.Event{
		Timestamp: time.Now(),
		Action:    action,
		UserID:    userID,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if cause != nil {
		event.Error = cause.Error()
	}

	e.audit.Emit(ctx, event)
}
