package authgate

import (
	"errors"

	"github.com/oakline/authgate/internal/audit"
	"github.com/oakline/authgate/internal/rate"
	"github.com/oakline/authgate/internal/stores"
	"github.com/oakline/authgate/jwt"
	"github.com/oakline/authgate/password"
	"github.com/oakline/authgate/session"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an [Engine]. One builder builds one engine.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	userStore   UserStore
	auditSink   AuditSink
	smsSender   CodeSender
	emailSender CodeSender
	providers   map[string]OAuthProvider

	built bool
}

// New returns a builder preloaded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config:    defaultConfig(),
		providers: map[string]OAuthProvider{},
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithUserStore(store UserStore) *Builder {
	b.userStore = store
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithSMSSender wires the SMS code delivery gateway. Required only when
// accounts use the SMS channel.
func (b *Builder) WithSMSSender(sender CodeSender) *Builder {
	b.smsSender = sender
	return b
}

// WithEmailSender wires the email code delivery gateway. Required for
// email MFA and for registration verification codes.
func (b *Builder) WithEmailSender(sender CodeSender) *Builder {
	b.emailSender = sender
	return b
}

// WithOAuthProvider registers an upstream provider under its Name().
// Repeatable.
func (b *Builder) WithOAuthProvider(provider OAuthProvider) *Builder {
	if provider != nil {
		b.providers[provider.Name()] = provider
	}
	return b
}

// Build validates the configuration and assembles the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.userStore == nil {
		return nil, errors.New("user store required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:       cfg,
		users:        b.userStore,
		passwordHash: ph,
		jwtManager:   jm,
		totp:         newTOTPManager(cfg.MFA),
		sessionStore: session.NewStore(b.redis, cfg.Session.RedisPrefix, cfg.Session.RetentionWindow),

		codeStore:      stores.NewCodeStore(b.redis),
		pendingTOTP:    stores.NewPendingTOTPStore(b.redis),
		challengeStore: stores.NewLoginChallengeStore(b.redis),
		stateStore:     stores.NewOAuthStateStore(b.redis),

		rateLimiter: rate.New(b.redis, rate.Config{
			EnableIPThrottle:   cfg.Security.EnableIPThrottle,
			MaxLoginAttempts:   cfg.Security.MaxLoginAttempts,
			LoginCooldown:      cfg.Security.LoginCooldown,
			MaxRefreshAttempts: cfg.Security.MaxRefreshAttempts,
			RefreshCooldown:    cfg.Security.RefreshCooldown,
			MaxCodeSends:       cfg.Security.MaxCodeSends,
			CodeSendCooldown:   cfg.Security.CodeSendCooldown,
		}),

		audit: audit.NewDispatcher(audit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, b.auditSink),
		metrics: NewMetrics(cfg.Metrics),

		smsSender:   b.smsSender,
		emailSender: b.emailSender,
		providers:   b.providers,
	}

	// Unknown-account logins verify against this hash so the reject path
	// costs the same as a real password check.
	dummy, err := ph.Hash("authgate-timing-equalizer")
	if err != nil {
		return nil, err
	}
	engine.dummyHash = dummy

	b.built = true
	return engine, nil
}
