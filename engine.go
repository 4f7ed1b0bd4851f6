package authgate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oakline/authgate/internal"
	"github.com/oakline/authgate/internal/audit"
	"github.com/oakline/authgate/internal/rate"
	"github.com/oakline/authgate/internal/stores"
	"github.com/oakline/authgate/jwt"
	"github.com/oakline/authgate/password"
	"github.com/oakline/authgate/session"
)

// Engine is the authentication core. Build one with [New] and share it;
// all methods are safe for concurrent use.
type Engine struct {
	config Config

	users        UserStore
	passwordHash *password.Argon2
	jwtManager   *jwt.Manager
	totp         *totpManager
	sessionStore *session.Store

	codeStore      *stores.CodeStore
	pendingTOTP    *stores.PendingTOTPStore
	challengeStore *stores.LoginChallengeStore
	stateStore     *stores.OAuthStateStore

	rateLimiter *rate.Limiter
	audit       *audit.Dispatcher
	metrics     *Metrics

	smsSender   CodeSender
	emailSender CodeSender
	providers   map[string]OAuthProvider

	dummyHash string
}

// Close flushes and stops the audit dispatcher. The engine must not be
// used after Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// Metrics exposes the engine's counter block for exporters.
func (e *Engine) Metrics() *Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

// MetricsSnapshot returns a point-in-time copy of all counters and
// histograms. Exporters poll this instead of reading counters directly.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// AuditDropped reports events dropped by the async audit dispatcher
// under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// Login checks credentials and either issues a token pair or, for
// MFA-enabled accounts, opens a challenge that [Engine.VerifyMFA]
// completes. Unknown accounts and wrong passwords are indistinguishable
// to the caller.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}

	email := normalizeEmail(req.Email)
	ip := clientIPFromContext(ctx)
	userAgent := userAgentFromContext(ctx)

	if err := e.rateLimiter.CheckLogin(ctx, email, ip); err != nil {
		return nil, e.loginThrottled(ctx, email, err)
	}

	user, err := e.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			_, _ = e.passwordHash.Verify(req.Password, e.dummyHash)
			return nil, e.loginFailed(ctx, "", email, ErrInvalidCredentials)
		}
		return nil, err
	}
	if user.Status == AccountDeleted {
		_, _ = e.passwordHash.Verify(req.Password, e.dummyHash)
		return nil, e.loginFailed(ctx, user.ID, email, ErrInvalidCredentials)
	}

	ok, err := e.passwordHash.Verify(req.Password, user.PasswordHash)
	if err != nil || !ok {
		return nil, e.loginFailed(ctx, user.ID, email, ErrInvalidCredentials)
	}

	switch user.Status {
	case AccountDisabled, AccountLocked:
		e.emitAudit(ctx, AuditLoginFailed, user.ID, "", false, ErrAccountSuspended, nil)
		return nil, ErrAccountSuspended
	case AccountPendingVerification:
		e.emitAudit(ctx, AuditLoginFailed, user.ID, "", false, ErrEmailUnverified, nil)
		return nil, ErrEmailUnverified
	}
	if e.config.Account.RequireEmailVerification && !user.EmailVerified {
		e.emitAudit(ctx, AuditLoginFailed, user.ID, "", false, ErrEmailUnverified, nil)
		return nil, ErrEmailUnverified
	}

	if err := e.rateLimiter.ResetLogin(ctx, email, ip); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if e.config.Password.UpgradeOnLogin {
		e.maybeUpgradeHash(ctx, user, req.Password)
	}

	fingerprint := internal.Fingerprint(ip, userAgent, deviceHintFromContext(ctx))

	if user.MFAEnabled {
		return e.openMFAChallenge(ctx, user, req.Remember, fingerprint, ip, userAgent)
	}

	pair, sess, err := e.issueSession(ctx, user, req.Remember, fingerprint, ip, userAgent)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, AuditLogin, user.ID, sess.ID, true, nil, nil)

	return &LoginResult{UserID: user.ID, Tokens: pair}, nil
}

// Refresh rotates a refresh token: the presented token is invalidated and
// a fresh pair is returned. Presenting an already-spent token revokes the
// whole session and returns [ErrReplayDetected].
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	familyID, secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		e.metrics.Inc(MetricRefreshFailure)
		return nil, ErrTokenInvalid
	}

	if err := e.rateLimiter.CheckRefresh(ctx, familyID); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.metrics.Inc(MetricRefreshRateLimited)
			e.emitAudit(ctx, AuditRateLimited, "", "", false, err, map[string]string{"op": "refresh"})
			return nil, ErrRateLimited
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	nextSecret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, err
	}
	nextExpiry := time.Now().Add(e.config.Session.RefreshTTL).Unix()

	sess, err := e.sessionStore.Rotate(
		ctx,
		familyID,
		internal.HashRefreshSecret(secret),
		internal.HashRefreshSecret(nextSecret),
		nextExpiry,
	)
	if err != nil {
		e.metrics.Inc(MetricRefreshFailure)
		switch {
		case errors.Is(err, session.ErrRefreshHashMismatch):
			e.metrics.Inc(MetricReplayDetected)
			userID, sessionID := "", ""
			if sess != nil {
				userID, sessionID = sess.UserID, sess.ID
			}
			e.emitAudit(ctx, AuditReplayDetected, userID, sessionID, false, ErrReplayDetected, map[string]string{"family_id": familyID})
			return nil, ErrReplayDetected
		case errors.Is(err, session.ErrSessionRevoked):
			return nil, ErrSessionRevoked
		case errors.Is(err, session.ErrSessionExpired):
			return nil, ErrSessionExpired
		case errors.Is(err, session.ErrSessionNotFound):
			return nil, ErrSessionNotFound
		default:
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	access, err := e.jwtManager.CreateAccess(sess.UserID, sess.ID, sess.FamilyID, sess.Roles)
	if err != nil {
		return nil, err
	}
	refresh, err := internal.EncodeRefreshToken(sess.FamilyID, nextSecret)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricRefreshSuccess)
	e.emitAudit(ctx, AuditRefresh, sess.UserID, sess.ID, true, nil, nil)

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  time.Now().Add(e.config.JWT.AccessTTL).Unix(),
		RefreshExpiresAt: sess.ExpiresAt,
	}, nil
}

// ValidateAccess verifies an access token without touching any store.
// Revocation is only observable at refresh time; callers needing
// immediate revocation check the session registry themselves.
func (e *Engine) ValidateAccess(token string) (*AccessInfo, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	start := time.Now()
	claims, err := e.jwtManager.ParseAccess(token)
	e.metrics.Observe(MetricValidateLatency, time.Since(start))
	if err != nil {
		return nil, ErrTokenInvalid
	}

	info := &AccessInfo{
		UserID:    claims.UID,
		SessionID: claims.SID,
		FamilyID:  claims.FID,
		Roles:     claims.Roles,
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

// Logout revokes the session behind the presented access token. The
// session record stays in the registry, flagged, for the retention window.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	claims, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		return ErrTokenInvalid
	}

	if err := e.sessionStore.Revoke(ctx, claims.SID, session.ReasonLogout); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricLogout)
	e.metrics.Inc(MetricSessionRevoked)
	e.emitAudit(ctx, AuditLogout, claims.UID, claims.SID, true, nil, nil)
	return nil
}

// LogoutAll revokes every session of the token's user, the presented one
// included.
func (e *Engine) LogoutAll(ctx context.Context, accessToken string) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}

	claims, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		return 0, ErrTokenInvalid
	}

	revoked, err := e.sessionStore.RevokeAllForUser(ctx, claims.UID, "", session.ReasonLogout)
	if err != nil {
		return revoked, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricLogoutAll)
	e.emitAudit(ctx, AuditLogoutAll, claims.UID, claims.SID, true, nil, map[string]string{"revoked": fmt.Sprintf("%d", revoked)})
	return revoked, nil
}

// ChangePassword replaces the user's password after re-proving the
// current one, then revokes every session so stolen refresh tokens die
// with the old credential.
func (e *Engine) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	ok, err := e.passwordHash.Verify(currentPassword, user.PasswordHash)
	if err != nil || !ok {
		e.emitAudit(ctx, AuditPasswordChanged, userID, "", false, ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}
	if newPassword == currentPassword {
		return ErrPasswordReuse
	}
	if err := e.checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	hash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		return err
	}
	if _, err := e.users.Update(ctx, userID, UserPatch{PasswordHash: &hash}); err != nil {
		return err
	}

	if _, err := e.sessionStore.RevokeAllForUser(ctx, userID, "", session.ReasonPassword); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricPasswordChanged)
	e.emitAudit(ctx, AuditPasswordChanged, userID, "", true, nil, nil)
	return nil
}

func (e *Engine) issueSession(ctx context.Context, user *UserRecord, remember bool, fingerprint, ip, userAgent string) (*TokenPair, *session.Session, error) {
	sid, err := internal.NewTokenID()
	if err != nil {
		return nil, nil, err
	}
	fid, err := internal.NewTokenID()
	if err != nil {
		return nil, nil, err
	}
	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, nil, err
	}

	ttl := e.config.Session.RefreshTTL
	if remember {
		ttl = e.config.Session.RememberTTL
	}

	now := time.Now()
	sess := &session.Session{
		ID:          sid.String(),
		UserID:      user.ID,
		FamilyID:    fid.String(),
		Roles:       user.Roles,
		Fingerprint: fingerprint,
		IP:          ip,
		UserAgent:   userAgent,
		RefreshHash: internal.HashRefreshSecret(secret),
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(ttl).Unix(),
	}

	if max := e.config.Session.MaxSessionsPerUser; max > 0 {
		if err := e.enforceSessionCap(ctx, user.ID, max); err != nil {
			return nil, nil, err
		}
	}

	if err := e.sessionStore.Save(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	access, err := e.jwtManager.CreateAccess(user.ID, sess.ID, sess.FamilyID, user.Roles)
	if err != nil {
		return nil, nil, err
	}
	refresh, err := internal.EncodeRefreshToken(sess.FamilyID, secret)
	if err != nil {
		return nil, nil, err
	}

	e.metrics.Inc(MetricSessionCreated)

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  now.Add(e.config.JWT.AccessTTL).Unix(),
		RefreshExpiresAt: sess.ExpiresAt,
	}, sess, nil
}

// enforceSessionCap revokes the oldest live sessions until a new one fits
// under the configured cap.
func (e *Engine) enforceSessionCap(ctx context.Context, userID string, max int) error {
	active, err := e.sessionStore.ListActive(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	for len(active) >= max {
		oldest := active[0]
		for _, s := range active[1:] {
			if s.CreatedAt < oldest.CreatedAt {
				oldest = s
			}
		}
		if err := e.sessionStore.Revoke(ctx, oldest.ID, session.ReasonSecurity); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		e.metrics.Inc(MetricSessionRevoked)

		next := active[:0]
		for _, s := range active {
			if s.ID != oldest.ID {
				next = append(next, s)
			}
		}
		active = next
	}
	return nil
}

func (e *Engine) maybeUpgradeHash(ctx context.Context, user *UserRecord, plaintext string) {
	needs, err := e.passwordHash.NeedsUpgrade(user.PasswordHash)
	if err != nil || !needs {
		return
	}
	hash, err := e.passwordHash.Hash(plaintext)
	if err != nil {
		return
	}
	if updated, err := e.users.Update(ctx, user.ID, UserPatch{PasswordHash: &hash}); err == nil {
		*user = *updated
	}
}

func (e *Engine) checkPasswordPolicy(plaintext string) error {
	if len(plaintext) < e.config.Password.MinLength {
		return ErrPasswordPolicy
	}
	return nil
}

func (e *Engine) loginThrottled(ctx context.Context, email string, cause error) error {
	if errors.Is(cause, rate.ErrRateLimited) {
		e.metrics.Inc(MetricLoginRateLimited)
		e.emitAudit(ctx, AuditRateLimited, "", "", false, cause, map[string]string{"op": "login", "email": email})
		return ErrRateLimited
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, cause)
}

func (e *Engine) loginFailed(ctx context.Context, userID, email string, cause error) error {
	ip := clientIPFromContext(ctx)
	if err := e.rateLimiter.IncrementLogin(ctx, email, ip); err != nil && errors.Is(err, rate.ErrRateLimited) {
		e.metrics.Inc(MetricLoginRateLimited)
	}

	e.metrics.Inc(MetricLoginFailure)
	e.emitAudit(ctx, AuditLoginFailed, userID, "", false, cause, nil)
	return cause
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
