package authgate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oakline/authgate/internal"
	"github.com/oakline/authgate/internal/rate"
	"github.com/oakline/authgate/internal/stores"
	"github.com/sethvargo/go-retry"
)

const senderRetryBackoff = 200 * time.Millisecond

// deliverCode pushes a one-time code through the sender, retrying once
// since SMS gateways and mailers fail transiently.
func deliverCode(ctx context.Context, sender CodeSender, recipient, code string) error {
	backoff := retry.WithMaxRetries(1, retry.NewConstant(senderRetryBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := sender.Send(ctx, recipient, code); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// enrollment codes live under their own channel key so an outstanding
// login code can never confirm an enrollment.
func enrollChannelKey(channel Channel) string {
	return "enroll:" + string(channel)
}

func (e *Engine) openMFAChallenge(ctx context.Context, user *UserRecord, remember bool, fingerprint, ip, userAgent string) (*LoginResult, error) {
	token := uuid.NewString()
	challenge := &stores.LoginChallenge{
		UserID:      user.ID,
		Remember:    remember,
		Fingerprint: fingerprint,
		IP:          ip,
		UserAgent:   userAgent,
		ExpiresAt:   time.Now().Add(e.config.MFA.ChallengeTTL).Unix(),
	}
	if err := e.challengeStore.Save(ctx, token, challenge, e.config.MFA.ChallengeTTL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// TOTP needs no delivery; SMS and email get a code pushed right away.
	if user.MFAChannel == ChannelSMS || user.MFAChannel == ChannelEmail {
		if err := e.sendChannelCode(ctx, user, user.MFAChannel, string(user.MFAChannel)); err != nil {
			return nil, err
		}
	}

	e.metrics.Inc(MetricMFARequired)
	e.emitAudit(ctx, AuditMFAChallenge, user.ID, "", true, nil, map[string]string{"channel": string(user.MFAChannel)})

	return &LoginResult{
		UserID:      user.ID,
		MFARequired: true,
		MFAToken:    token,
		MFAChannel:  user.MFAChannel,
	}, nil
}

// VerifyMFA completes a pending login challenge. The code is tried as a
// TOTP code, then as a delivered channel code, then as a backup code.
// Attempts are bounded; exhausting them burns the challenge.
func (e *Engine) VerifyMFA(ctx context.Context, mfaToken, code string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	challenge, err := e.challengeStore.Get(ctx, mfaToken)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) || errors.Is(err, stores.ErrChallengeExpired) {
			return nil, ErrMFAChallengeExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	user, err := e.users.GetByID(ctx, challenge.UserID)
	if err != nil {
		return nil, err
	}

	verified, usedBackup, err := e.verifySecondFactor(ctx, user, code)
	if err != nil {
		return nil, err
	}

	if !verified {
		exceeded, ferr := e.challengeStore.RecordFailure(ctx, mfaToken, e.config.MFA.MaxAttempts)
		if ferr != nil && !errors.Is(ferr, stores.ErrNotFound) && !errors.Is(ferr, stores.ErrChallengeExpired) {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, ferr)
		}

		e.metrics.Inc(MetricMFAFailure)
		if exceeded {
			e.metrics.Inc(MetricMFAAttemptsExceeded)
			e.emitAudit(ctx, AuditMFAFailed, user.ID, "", false, ErrMFAAttemptsExceeded, nil)
			return nil, ErrMFAAttemptsExceeded
		}
		e.emitAudit(ctx, AuditMFAFailed, user.ID, "", false, ErrMFAInvalidCode, nil)
		return nil, ErrMFAInvalidCode
	}

	if err := e.challengeStore.Delete(ctx, mfaToken); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	pair, sess, err := e.issueSession(ctx, user, challenge.Remember, challenge.Fingerprint, challenge.IP, challenge.UserAgent)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricMFASuccess)
	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, AuditMFAVerified, user.ID, sess.ID, true, nil, nil)
	if usedBackup {
		e.metrics.Inc(MetricBackupCodeUsed)
		e.emitAudit(ctx, AuditBackupCodeUsed, user.ID, sess.ID, true, nil, nil)
	}

	return &LoginResult{UserID: user.ID, Tokens: pair}, nil
}

// SendMFACode re-sends the channel code for a pending login challenge.
// TOTP accounts have nothing to send.
func (e *Engine) SendMFACode(ctx context.Context, mfaToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	challenge, err := e.challengeStore.Get(ctx, mfaToken)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) || errors.Is(err, stores.ErrChallengeExpired) {
			return ErrMFAChallengeExpired
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	user, err := e.users.GetByID(ctx, challenge.UserID)
	if err != nil {
		return err
	}
	if user.MFAChannel != ChannelSMS && user.MFAChannel != ChannelEmail {
		return ErrChannelNotConfigured
	}

	return e.sendChannelCode(ctx, user, user.MFAChannel, string(user.MFAChannel))
}

// BeginMFAEnrollment starts enrolling a second factor. TOTP enrollments
// return the secret and provisioning URI for the authenticator app; SMS
// and email enrollments deliver a code to the account's contact point.
// Nothing on the account changes until [Engine.ConfirmMFAEnrollment].
func (e *Engine) BeginMFAEnrollment(ctx context.Context, userID string, channel Channel) (*MFAEnrollment, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled {
		return nil, ErrMFAAlreadyEnabled
	}

	switch channel {
	case ChannelTOTP:
		secret, secretBase32, err := e.totp.GenerateSecret()
		if err != nil {
			return nil, err
		}
		if err := e.pendingTOTP.Put(ctx, userID, secret, e.config.MFA.PendingSecretTTL); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return &MFAEnrollment{
			Channel:      ChannelTOTP,
			SecretBase32: secretBase32,
			ProvisionURI: e.totp.ProvisionURI(secretBase32, user.Email),
		}, nil

	case ChannelSMS, ChannelEmail:
		if err := e.sendChannelCode(ctx, user, channel, enrollChannelKey(channel)); err != nil {
			return nil, err
		}
		return &MFAEnrollment{Channel: channel}, nil

	default:
		return nil, ErrChannelNotConfigured
	}
}

// ConfirmMFAEnrollment proves possession of the new factor, enables MFA
// on the account, and returns the one-time backup codes. The plaintext
// codes are never retrievable again.
func (e *Engine) ConfirmMFAEnrollment(ctx context.Context, userID string, channel Channel, code string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled {
		return nil, ErrMFAAlreadyEnabled
	}

	patch := UserPatch{}
	enabled := true
	patch.MFAEnabled = &enabled
	chosen := channel
	patch.MFAChannel = &chosen

	switch channel {
	case ChannelTOTP:
		secret, err := e.pendingTOTP.Get(ctx, userID)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				return nil, ErrMFAChallengeExpired
			}
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		ok, err := e.totp.VerifyCode(secret, code, time.Now())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrMFAInvalidCode
		}
		patch.TOTPSecret = &secret

	case ChannelSMS, ChannelEmail:
		if err := e.consumeCode(ctx, userID, enrollChannelKey(channel), code); err != nil {
			return nil, err
		}

	default:
		return nil, ErrChannelNotConfigured
	}

	if _, err := e.users.Update(ctx, userID, patch); err != nil {
		return nil, err
	}
	if channel == ChannelTOTP {
		if err := e.pendingTOTP.Delete(ctx, userID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	codes, err := e.replaceBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	e.emitAudit(ctx, AuditMFAEnrolled, userID, "", true, nil, map[string]string{"channel": string(channel)})
	return codes, nil
}

// DisableMFA turns MFA off after a password re-proof and destroys the
// TOTP secret and backup codes.
func (e *Engine) DisableMFA(ctx context.Context, userID, currentPassword string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled {
		return ErrMFANotEnabled
	}

	ok, err := e.passwordHash.Verify(currentPassword, user.PasswordHash)
	if err != nil || !ok {
		return ErrInvalidCredentials
	}

	disabled := false
	var noChannel Channel
	var noSecret []byte
	if _, err := e.users.Update(ctx, userID, UserPatch{
		MFAEnabled: &disabled,
		MFAChannel: &noChannel,
		TOTPSecret: &noSecret,
	}); err != nil {
		return err
	}
	if err := e.users.ReplaceBackupCodes(ctx, userID, nil); err != nil {
		return err
	}

	e.emitAudit(ctx, AuditMFADisabled, userID, "", true, nil, nil)
	return nil
}

// RegenerateBackupCodes replaces all backup codes after a password
// re-proof. Outstanding codes stop working immediately.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID, currentPassword string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.MFAEnabled {
		return nil, ErrMFANotEnabled
	}

	ok, err := e.passwordHash.Verify(currentPassword, user.PasswordHash)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}

	return e.replaceBackupCodes(ctx, userID)
}

// verifySecondFactor tries the account's factors in order of strength:
// TOTP, then the delivered channel code, then a backup code.
func (e *Engine) verifySecondFactor(ctx context.Context, user *UserRecord, code string) (verified, usedBackup bool, err error) {
	if len(user.TOTPSecret) > 0 {
		ok, err := e.totp.VerifyCode(user.TOTPSecret, code, time.Now())
		if err != nil {
			return false, false, err
		}
		if ok {
			return true, false, nil
		}
	}

	if user.MFAChannel == ChannelSMS || user.MFAChannel == ChannelEmail {
		cerr := e.consumeCode(ctx, user.ID, string(user.MFAChannel), code)
		switch {
		case cerr == nil:
			return true, false, nil
		case errors.Is(cerr, ErrMFAInvalidCode), errors.Is(cerr, ErrMFAAttemptsExceeded):
			// fall through to backup codes
		default:
			return false, false, cerr
		}
	}

	normalized := normalizeBackupCode(code)
	if normalized != "" {
		used, berr := e.users.ConsumeBackupCode(ctx, user.ID, internal.HashCode(normalized))
		if berr != nil {
			return false, false, berr
		}
		if used {
			return true, true, nil
		}
	}

	return false, false, nil
}

// consumeCode maps the code store's outcomes onto the engine's MFA errors.
func (e *Engine) consumeCode(ctx context.Context, userID, channelKey, code string) error {
	hash := internal.HashCode(strings.TrimSpace(code))
	err := e.codeStore.Consume(ctx, userID, channelKey, hash, e.config.MFA.MaxAttempts)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stores.ErrCodeMismatch), errors.Is(err, stores.ErrNotFound):
		return ErrMFAInvalidCode
	case errors.Is(err, stores.ErrAttemptsExceeded):
		return ErrMFAAttemptsExceeded
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

func (e *Engine) sendChannelCode(ctx context.Context, user *UserRecord, channel Channel, channelKey string) error {
	var sender CodeSender
	var recipient string
	switch channel {
	case ChannelSMS:
		sender, recipient = e.smsSender, user.Phone
	case ChannelEmail:
		sender, recipient = e.emailSender, user.Email
	}
	if sender == nil || recipient == "" {
		return ErrChannelNotConfigured
	}

	if err := e.rateLimiter.CheckCodeSend(ctx, user.ID, channelKey); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.emitAudit(ctx, AuditRateLimited, user.ID, "", false, err, map[string]string{"op": "code_send", "channel": channelKey})
			return ErrRateLimited
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	code, err := internal.NewNumericCode(e.config.MFA.CodeDigits)
	if err != nil {
		return err
	}
	if err := e.codeStore.Put(ctx, user.ID, channelKey, internal.HashCode(code), e.config.MFA.CodeTTL); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := deliverCode(ctx, sender, recipient, code); err != nil {
		return err
	}

	e.emitAudit(ctx, AuditCodeSent, user.ID, "", true, nil, map[string]string{"channel": channelKey})
	return nil
}

func (e *Engine) replaceBackupCodes(ctx context.Context, userID string) ([]string, error) {
	count := e.config.MFA.BackupCodeCount
	codes := make([]string, 0, count)
	records := make([]BackupCodeRecord, 0, count)

	for i := 0; i < count; i++ {
		code, err := internal.NewBackupCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		records = append(records, BackupCodeRecord{Hash: internal.HashCode(code)})
	}

	if err := e.users.ReplaceBackupCodes(ctx, userID, records); err != nil {
		return nil, err
	}
	return codes, nil
}

// normalizeBackupCode uppercases and restores the XXXXX-XXXXX shape so
// users can type codes with or without the dash.
func normalizeBackupCode(code string) string {
	cleaned := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), " ", ""))
	bare := strings.ReplaceAll(cleaned, "-", "")
	if len(bare) != 10 {
		return ""
	}
	return bare[:5] + "-" + bare[5:]
}
