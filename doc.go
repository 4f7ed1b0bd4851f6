// Package authgate is an embeddable authentication core: paired JWT access
// tokens and rotating opaque refresh tokens, a Redis-backed session
// registry with token-family replay detection, multi-channel MFA (TOTP,
// SMS, email) with single-use backup codes, and an OAuth2 federation
// bridge with silent provider-token refresh.
//
// The engine is transport-agnostic. It never reads HTTP requests or writes
// responses; callers pull credentials and device attributes out of their
// transport and hand them to the engine, which returns tokens, results,
// and sentinel errors. Durable account state lives behind the caller's
// [UserStore] implementation; everything ephemeral (sessions, one-time
// codes, challenges, state nonces, rate counters) lives in Redis.
//
// Construction goes through the builder:
//
//	engine, err := authgate.New().
//		WithConfig(cfg).
//		WithRedis(client).
//		WithUserStore(store).
//		Build()
package authgate
