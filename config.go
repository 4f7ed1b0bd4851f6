package authgate

import (
	"errors"
	"strings"
	"time"
)

// Config is the full engine configuration. Start from [DefaultConfig],
// override what you need, and pass it to the builder. Treated as immutable
// after Build.
type Config struct {
	JWT      JWTConfig
	Session  SessionConfig
	Password PasswordConfig
	MFA      MFAConfig
	OAuth    OAuthConfig
	Account  AccountConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
	Security SecurityConfig
}

// JWTConfig configures access-token signing.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// SessionConfig configures the Redis session registry.
type SessionConfig struct {
	RedisPrefix string
	// RefreshTTL is the refresh-token lifetime; each successful rotation
	// extends the session by this much.
	RefreshTTL time.Duration
	// RememberTTL replaces RefreshTTL for logins with Remember set.
	RememberTTL time.Duration
	// RetentionWindow keeps revoked session records readable for audit.
	RetentionWindow time.Duration
	// MaxSessionsPerUser evicts the oldest session past the cap. 0 = unlimited.
	MaxSessionsPerUser int
}

// PasswordConfig configures Argon2id hashing and password policy.
type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	MinLength      int
	UpgradeOnLogin bool
}

// MFAConfig configures second-factor verification across all channels.
type MFAConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Algorithm string
	Skew      int

	CodeDigits       int
	CodeTTL          time.Duration
	ChallengeTTL     time.Duration
	MaxAttempts      int
	BackupCodeCount  int
	PendingSecretTTL time.Duration
}

// OAuthConfig configures the federation bridge.
type OAuthConfig struct {
	StateTTL time.Duration
	// RefreshBuffer triggers a silent provider-token refresh when less than
	// this much lifetime remains.
	RefreshBuffer time.Duration
}

// AccountConfig configures registration and verification behavior.
type AccountConfig struct {
	RequireEmailVerification bool
	VerificationCodeTTL      time.Duration
	DefaultRoles             []string
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// SecurityConfig holds the rate limiting budgets.
type SecurityConfig struct {
	EnableIPThrottle   bool
	MaxLoginAttempts   int
	LoginCooldown      time.Duration
	MaxRefreshAttempts int
	RefreshCooldown    time.Duration
	MaxCodeSends       int
	CodeSendCooldown   time.Duration
}

// DefaultConfig returns a config with production-leaning defaults.
// Signing keys must still be supplied.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     5 * time.Minute,
			SigningMethod: "ed25519",
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix:        "ag",
			RefreshTTL:         7 * 24 * time.Hour,
			RememberTTL:        30 * 24 * time.Hour,
			RetentionWindow:    24 * time.Hour,
			MaxSessionsPerUser: 0,
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			MinLength:      10,
			UpgradeOnLogin: true,
		},
		MFA: MFAConfig{
			Issuer:           "",
			Digits:           6,
			Period:           30,
			Algorithm:        "SHA1",
			Skew:             2,
			CodeDigits:       6,
			CodeTTL:          5 * time.Minute,
			ChallengeTTL:     3 * time.Minute,
			MaxAttempts:      5,
			BackupCodeCount:  10,
			PendingSecretTTL: 10 * time.Minute,
		},
		OAuth: OAuthConfig{
			StateTTL:      10 * time.Minute,
			RefreshBuffer: 5 * time.Minute,
		},
		Account: AccountConfig{
			RequireEmailVerification: true,
			VerificationCodeTTL:      15 * time.Minute,
			DefaultRoles:             []string{"user"},
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Security: SecurityConfig{
			EnableIPThrottle:   false,
			MaxLoginAttempts:   5,
			LoginCooldown:      15 * time.Minute,
			MaxRefreshAttempts: 20,
			RefreshCooldown:    time.Minute,
			MaxCodeSends:       5,
			CodeSendCooldown:   10 * time.Minute,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.Account.DefaultRoles = cloneStrings(cfg.Account.DefaultRoles)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneStrings(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.SigningMethod != "ed25519" && c.JWT.SigningMethod != "hs256" {
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.SigningMethod == "ed25519" && (len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0) {
		return errors.New("ed25519 requires PrivateKey and PublicKey")
	}
	if c.JWT.SigningMethod == "hs256" && len(c.JWT.PrivateKey) == 0 {
		return errors.New("hs256 requires PrivateKey")
	}
	if c.JWT.Leeway < 0 {
		return errors.New("JWT Leeway must be >= 0")
	}

	if c.Session.RedisPrefix == "" {
		return errors.New("Session RedisPrefix is required")
	}
	if c.Session.RefreshTTL <= 0 {
		return errors.New("Session RefreshTTL must be > 0")
	}
	if c.Session.RememberTTL < c.Session.RefreshTTL {
		return errors.New("Session RememberTTL must be >= RefreshTTL")
	}
	if c.Session.RetentionWindow <= 0 {
		return errors.New("Session RetentionWindow must be > 0")
	}
	if c.Session.MaxSessionsPerUser < 0 {
		return errors.New("Session MaxSessionsPerUser must be >= 0")
	}

	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MinLength < 10 {
		return errors.New("Password MinLength must be >= 10")
	}

	if c.MFA.Digits != 6 && c.MFA.Digits != 8 {
		return errors.New("MFA Digits must be 6 or 8")
	}
	if c.MFA.Period < 15 {
		return errors.New("MFA Period must be >= 15 seconds")
	}
	if c.MFA.Skew < 0 {
		return errors.New("MFA Skew must be >= 0")
	}
	switch strings.ToUpper(c.MFA.Algorithm) {
	case "", "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("MFA Algorithm must be SHA1, SHA256, or SHA512")
	}
	if c.MFA.CodeDigits < 6 || c.MFA.CodeDigits > 10 {
		return errors.New("MFA CodeDigits must be between 6 and 10")
	}
	if c.MFA.CodeTTL <= 0 {
		return errors.New("MFA CodeTTL must be > 0")
	}
	if c.MFA.ChallengeTTL <= 0 {
		return errors.New("MFA ChallengeTTL must be > 0")
	}
	if c.MFA.MaxAttempts <= 0 {
		return errors.New("MFA MaxAttempts must be > 0")
	}
	if c.MFA.BackupCodeCount <= 0 {
		return errors.New("MFA BackupCodeCount must be > 0")
	}
	if c.MFA.PendingSecretTTL <= 0 {
		return errors.New("MFA PendingSecretTTL must be > 0")
	}

	if c.OAuth.StateTTL <= 0 {
		return errors.New("OAuth StateTTL must be > 0")
	}
	if c.OAuth.RefreshBuffer <= 0 {
		return errors.New("OAuth RefreshBuffer must be > 0")
	}

	if c.Account.RequireEmailVerification && c.Account.VerificationCodeTTL <= 0 {
		return errors.New("Account VerificationCodeTTL must be > 0 when verification is required")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	if c.Security.MaxLoginAttempts <= 0 {
		return errors.New("MaxLoginAttempts must be > 0")
	}
	if c.Security.LoginCooldown <= 0 {
		return errors.New("LoginCooldown must be > 0")
	}
	if c.Security.MaxRefreshAttempts > 0 && c.Security.RefreshCooldown <= 0 {
		return errors.New("RefreshCooldown must be > 0 when refresh throttle is enabled")
	}
	if c.Security.MaxCodeSends > 0 && c.Security.CodeSendCooldown <= 0 {
		return errors.New("CodeSendCooldown must be > 0 when code send throttle is enabled")
	}

	return nil
}
