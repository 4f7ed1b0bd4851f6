package authgate

import "context"

type clientIPContextKey struct{}
type userAgentContextKey struct{}
type deviceHintContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. The engine uses it
// for per-IP rate limiting, audit records, and device fingerprints.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx. Stored on the
// session and folded into the device fingerprint.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// WithDeviceHint attaches an opaque caller-supplied device identifier to
// ctx, strengthening the fingerprint beyond IP and user agent.
func WithDeviceHint(ctx context.Context, hint string) context.Context {
	return context.WithValue(ctx, deviceHintContextKey{}, hint)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	userAgent, _ := ctx.Value(userAgentContextKey{}).(string)
	return userAgent
}

func deviceHintFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	hint, _ := ctx.Value(deviceHintContextKey{}).(string)
	return hint
}
