package authgate

import (
	"context"
	"errors"
	"fmt"

	"github.com/oakline/authgate/internal"
)

const verifyChannelKey = "verify"

// Register creates an account. When email verification is required the
// account starts in AccountPendingVerification and a verification code is
// delivered; [Engine.VerifyEmail] activates it.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	email := normalizeEmail(req.Email)
	if email == "" {
		return nil, ErrInvalidCredentials
	}
	if err := e.checkPasswordPolicy(req.Password); err != nil {
		return nil, err
	}

	hash, err := e.passwordHash.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	roles := req.Roles
	if len(roles) == 0 {
		roles = cloneStrings(e.config.Account.DefaultRoles)
	}

	status := AccountActive
	if e.config.Account.RequireEmailVerification {
		status = AccountPendingVerification
	}

	user, err := e.users.Create(ctx, CreateUserInput{
		Email:        email,
		Phone:        req.Phone,
		PasswordHash: hash,
		Roles:        roles,
		Status:       status,
	})
	if err != nil {
		if errors.Is(err, ErrEmailExists) {
			e.metrics.Inc(MetricRegisterDuplicate)
		}
		return nil, err
	}

	result := &RegisterResult{
		UserID:               user.ID,
		VerificationRequired: e.config.Account.RequireEmailVerification,
	}

	if e.config.Account.RequireEmailVerification {
		// The account is committed at this point. A delivery failure
		// must not fail the call: the caller keeps the user ID and
		// resends via [Engine.ResendVerificationCode].
		if err := e.sendVerificationCode(ctx, user); err != nil {
			result.CodeDeliveryFailed = true
			e.metrics.Inc(MetricRegisterSuccess)
			e.emitAudit(ctx, AuditRegister, user.ID, "", true, err, map[string]string{"delivery": "failed"})
			return result, nil
		}
	}

	e.metrics.Inc(MetricRegisterSuccess)
	e.emitAudit(ctx, AuditRegister, user.ID, "", true, nil, nil)

	return result, nil
}

// VerifyEmail consumes the registration verification code and activates
// the account.
func (e *Engine) VerifyEmail(ctx context.Context, userID, code string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.EmailVerified && user.Status != AccountPendingVerification {
		return nil
	}

	if err := e.consumeCode(ctx, userID, verifyChannelKey, code); err != nil {
		return err
	}

	verified := true
	status := AccountActive
	if _, err := e.users.Update(ctx, userID, UserPatch{
		EmailVerified: &verified,
		Status:        &status,
	}); err != nil {
		return err
	}

	e.metrics.Inc(MetricEmailVerified)
	e.emitAudit(ctx, AuditEmailVerified, userID, "", true, nil, nil)
	return nil
}

// ResendVerificationCode delivers a fresh verification code for a
// pending account, replacing any outstanding one.
func (e *Engine) ResendVerificationCode(ctx context.Context, userID string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.EmailVerified && user.Status != AccountPendingVerification {
		return nil
	}

	return e.sendVerificationCode(ctx, user)
}

func (e *Engine) sendVerificationCode(ctx context.Context, user *UserRecord) error {
	if e.emailSender == nil || user.Email == "" {
		return ErrChannelNotConfigured
	}

	code, err := internal.NewNumericCode(e.config.MFA.CodeDigits)
	if err != nil {
		return err
	}
	if err := e.codeStore.Put(ctx, user.ID, verifyChannelKey, internal.HashCode(code), e.config.Account.VerificationCodeTTL); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := deliverCode(ctx, e.emailSender, user.Email, code); err != nil {
		return err
	}

	e.emitAudit(ctx, AuditCodeSent, user.ID, "", true, nil, map[string]string{"channel": verifyChannelKey})
	return nil
}
