package authgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oakline/authgate/internal"
	"github.com/oakline/authgate/internal/stores"
	"github.com/oakline/authgate/oauth"
)

// OAuthInitiate starts a federated login: a single-use state nonce is
// stored and the provider authorization URL carrying it is returned.
func (e *Engine) OAuthInitiate(ctx context.Context, providerName, redirectHint string) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}

	provider, ok := e.providers[providerName]
	if !ok {
		return "", ErrUnknownProvider
	}

	nonce := uuid.NewString()
	state := &stores.OAuthState{
		RedirectHint: redirectHint,
		IssuedAt:     time.Now().Unix(),
	}
	if err := e.stateStore.Put(ctx, nonce, state, e.config.OAuth.StateTTL); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return provider.AuthCodeURL(nonce), nil
}

// OAuthCallback completes a federated login. The state nonce is consumed
// before anything else; an invalid or replayed nonce leaves no state
// mutated anywhere. The provider identity is matched against existing
// links, then against a verified email, and a fresh account is created
// when neither matches. MFA-enabled accounts still get a challenge.
func (e *Engine) OAuthCallback(ctx context.Context, providerName, stateNonce, code string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	provider, ok := e.providers[providerName]
	if !ok {
		return nil, ErrUnknownProvider
	}

	state, err := e.stateStore.Consume(ctx, stateNonce)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			e.metrics.Inc(MetricOAuthStateInvalid)
			e.emitAudit(ctx, AuditOAuthLogin, "", "", false, ErrInvalidOAuthState, map[string]string{"provider": providerName})
			return nil, ErrInvalidOAuthState
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	token, err := provider.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOAuthProvider, err)
	}
	identity, err := provider.Identity(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOAuthProvider, err)
	}

	user, linked, err := e.resolveFederatedUser(ctx, providerName, identity)
	if err != nil {
		return nil, err
	}

	switch user.Status {
	case AccountDisabled, AccountLocked:
		return nil, ErrAccountSuspended
	case AccountDeleted:
		return nil, ErrInvalidCredentials
	}

	if err := e.users.UpsertOAuthToken(ctx, user.ID, OAuthTokenRecord{
		Provider:       providerName,
		ProviderUserID: identity.ProviderUserID,
		AccessToken:    token.AccessToken,
		RefreshToken:   token.RefreshToken,
		ExpiresAt:      token.ExpiresAt.Unix(),
		Scopes:         token.Scopes,
	}); err != nil {
		return nil, err
	}

	if linked {
		e.metrics.Inc(MetricOAuthLinkCreated)
		e.emitAudit(ctx, AuditOAuthLinked, user.ID, "", true, nil, map[string]string{"provider": providerName})
	}

	ip := clientIPFromContext(ctx)
	userAgent := userAgentFromContext(ctx)
	fingerprint := internal.Fingerprint(ip, userAgent, deviceHintFromContext(ctx))

	if user.MFAEnabled {
		res, err := e.openMFAChallenge(ctx, user, false, fingerprint, ip, userAgent)
		if err != nil {
			return nil, err
		}
		res.RedirectHint = state.RedirectHint
		return res, nil
	}

	pair, sess, err := e.issueSession(ctx, user, false, fingerprint, ip, userAgent)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricOAuthLogin)
	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, AuditOAuthLogin, user.ID, sess.ID, true, nil, map[string]string{"provider": providerName})

	return &LoginResult{UserID: user.ID, Tokens: pair, RedirectHint: state.RedirectHint}, nil
}

// resolveFederatedUser finds or creates the local account for a provider
// identity. linked reports whether a new provider link was made on an
// existing account.
func (e *Engine) resolveFederatedUser(ctx context.Context, providerName string, identity *oauth.Identity) (*UserRecord, bool, error) {
	user, err := e.users.GetByFederatedID(ctx, providerName, identity.ProviderUserID)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, false, err
	}

	// Auto-link by email only when the provider vouches for the address;
	// an unverified email match would let anyone claim the account.
	if identity.Email != "" && identity.EmailVerified {
		existing, err := e.users.GetByEmail(ctx, normalizeEmail(identity.Email))
		if err == nil {
			patched, err := e.users.Update(ctx, existing.ID, UserPatch{
				FederatedProvider: &providerName,
				FederatedID:       &identity.ProviderUserID,
			})
			if err != nil {
				return nil, false, err
			}
			return patched, true, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, false, err
		}
	}

	created, err := e.users.Create(ctx, CreateUserInput{
		Email:             normalizeEmail(identity.Email),
		EmailVerified:     identity.EmailVerified,
		Roles:             cloneStrings(e.config.Account.DefaultRoles),
		Status:            AccountActive,
		FederatedProvider: providerName,
		FederatedID:       identity.ProviderUserID,
	})
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// EnsureFreshProviderToken returns a provider access token with at least
// the configured refresh buffer of lifetime left, refreshing silently
// when needed. A rejected refresh severs the link.
func (e *Engine) EnsureFreshProviderToken(ctx context.Context, userID, providerName string) (*OAuthTokenRecord, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	provider, ok := e.providers[providerName]
	if !ok {
		return nil, ErrUnknownProvider
	}

	record, err := e.users.GetOAuthToken(ctx, userID, providerName)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrOAuthNotLinked
		}
		return nil, err
	}

	deadline := time.Now().Add(e.config.OAuth.RefreshBuffer).Unix()
	if record.ExpiresAt > deadline {
		return record, nil
	}
	if record.RefreshToken == "" {
		return nil, ErrOAuthNotLinked
	}

	token, err := provider.Refresh(ctx, record.RefreshToken)
	if err != nil {
		if errors.Is(err, oauth.ErrExchangeRejected) {
			// Consent was revoked upstream; drop the dead link.
			_ = e.users.DeleteOAuthToken(ctx, userID, providerName)
			return nil, ErrOAuthNotLinked
		}
		return nil, fmt.Errorf("%w: %v", ErrOAuthProvider, err)
	}

	updated := OAuthTokenRecord{
		Provider:       providerName,
		ProviderUserID: record.ProviderUserID,
		AccessToken:    token.AccessToken,
		RefreshToken:   token.RefreshToken,
		ExpiresAt:      token.ExpiresAt.Unix(),
		Scopes:         token.Scopes,
	}
	// Providers may omit the refresh token on renewal; keep the old one.
	if updated.RefreshToken == "" {
		updated.RefreshToken = record.RefreshToken
	}
	if err := e.users.UpsertOAuthToken(ctx, userID, updated); err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricOAuthRefresh)
	e.emitAudit(ctx, AuditOAuthRefreshed, userID, "", true, nil, map[string]string{"provider": providerName})
	return &updated, nil
}

// OAuthDisconnect removes the provider link and its stored tokens.
func (e *Engine) OAuthDisconnect(ctx context.Context, userID, providerName string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if _, ok := e.providers[providerName]; !ok {
		return ErrUnknownProvider
	}

	if err := e.users.DeleteOAuthToken(ctx, userID, providerName); err != nil {
		return err
	}

	var none string
	if _, err := e.users.Update(ctx, userID, UserPatch{
		FederatedProvider: &none,
		FederatedID:       &none,
	}); err != nil {
		return err
	}

	e.emitAudit(ctx, AuditOAuthLinked, userID, "", true, nil, map[string]string{"provider": providerName, "action": "disconnect"})
	return nil
}
