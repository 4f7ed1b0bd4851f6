package authgate

import (
	"context"
	"errors"
	"fmt"

	"github.com/oakline/authgate/session"
)

// ListSessions returns the user's live sessions. currentSessionID (from
// the caller's access token) marks which entry is the caller's own; pass
// "" when unknown.
func (e *Engine) ListSessions(ctx context.Context, userID, currentSessionID string) ([]SessionInfo, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	active, err := e.sessionStore.ListActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	infos := make([]SessionInfo, 0, len(active))
	for _, s := range active {
		infos = append(infos, SessionInfo{
			ID:          s.ID,
			IP:          s.IP,
			UserAgent:   s.UserAgent,
			Fingerprint: s.Fingerprint,
			CreatedAt:   s.CreatedAt,
			ExpiresAt:   s.ExpiresAt,
			Current:     s.ID == currentSessionID,
		})
	}
	return infos, nil
}

// RevokeSession terminates one of the user's sessions. Sessions belonging
// to other users are reported as not found, never as forbidden.
func (e *Engine) RevokeSession(ctx context.Context, userID, sessionID string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	sess, err := e.sessionStore.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if sess.UserID != userID {
		return ErrSessionNotFound
	}
	// Revoking twice is a no-op, not an error.
	if sess.Revoked {
		return nil
	}

	if err := e.sessionStore.Revoke(ctx, sessionID, session.ReasonRevoked); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricSessionRevoked)
	e.emitAudit(ctx, AuditSessionRevoked, userID, sessionID, true, nil, nil)
	return nil
}

// SweepExpiredSessions flags sessions past expiry that Redis TTLs have not
// yet collected. Intended for a periodic maintenance loop.
func (e *Engine) SweepExpiredSessions(ctx context.Context) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}

	swept, err := e.sessionStore.SweepExpired(ctx)
	if err != nil {
		return swept, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return swept, nil
}
