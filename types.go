package authgate

import (
	"context"
	"io"
	"time"

	"github.com/oakline/authgate/internal/audit"
	"github.com/oakline/authgate/oauth"
)

// AccountStatus is the lifecycle state of a user account.
type AccountStatus uint8

const (
	// AccountActive allows login.
	AccountActive AccountStatus = iota
	// AccountPendingVerification blocks login until the email is verified
	// (when verification is required by config).
	AccountPendingVerification
	// AccountDisabled blocks login; set by an administrator.
	AccountDisabled
	// AccountLocked blocks login; set by security tooling.
	AccountLocked
	// AccountDeleted is a soft-deleted account; behaves like an unknown user.
	AccountDeleted
)

// Channel identifies an MFA delivery channel.
type Channel string

const (
	// ChannelTOTP is an authenticator-app time-based code.
	ChannelTOTP Channel = "totp"
	// ChannelSMS delivers one-time codes over SMS.
	ChannelSMS Channel = "sms"
	// ChannelEmail delivers one-time codes over email.
	ChannelEmail Channel = "email"
)

// UserRecord is the durable account record served by [UserStore].
type UserRecord struct {
	ID            string
	Email         string
	EmailVerified bool
	Phone         string
	PasswordHash  string
	Roles         []string
	Status        AccountStatus

	MFAEnabled bool
	MFAChannel Channel
	TOTPSecret []byte

	CreatedAt int64
	UpdatedAt int64
}

// UserPatch is a partial update applied by [UserStore.Update]. Nil fields
// are left untouched.
type UserPatch struct {
	Email         *string
	EmailVerified *bool
	Phone         *string
	PasswordHash  *string
	Roles         *[]string
	Status        *AccountStatus

	MFAEnabled *bool
	MFAChannel *Channel
	TOTPSecret *[]byte

	FederatedProvider *string
	FederatedID       *string
}

// CreateUserInput is the input for [UserStore.Create].
type CreateUserInput struct {
	Email         string
	EmailVerified bool
	Phone         string
	PasswordHash  string
	Roles         []string
	Status        AccountStatus

	FederatedProvider string
	FederatedID       string
}

// BackupCodeRecord stores the SHA-256 hash of one backup code. Plaintext
// codes are shown exactly once at generation and never persisted.
type BackupCodeRecord struct {
	Hash [32]byte
	Used bool
}

// OAuthTokenRecord is the provider token set held for a linked account.
type OAuthTokenRecord struct {
	Provider       string
	ProviderUserID string
	AccessToken    string
	RefreshToken   string
	ExpiresAt      int64
	Scopes         []string
}

// UserStore is the interface callers implement over their user database.
// Lookup methods return [ErrUserNotFound] when nothing matches; Create
// returns [ErrEmailExists] for a duplicate email.
type UserStore interface {
	GetByID(ctx context.Context, userID string) (*UserRecord, error)
	GetByEmail(ctx context.Context, email string) (*UserRecord, error)
	GetByFederatedID(ctx context.Context, provider, providerUserID string) (*UserRecord, error)
	Create(ctx context.Context, input CreateUserInput) (*UserRecord, error)
	Update(ctx context.Context, userID string, patch UserPatch) (*UserRecord, error)

	GetBackupCodes(ctx context.Context, userID string) ([]BackupCodeRecord, error)
	ReplaceBackupCodes(ctx context.Context, userID string, codes []BackupCodeRecord) error
	// ConsumeBackupCode atomically marks the matching unused code as used.
	// Returns false when no unused code matches the hash.
	ConsumeBackupCode(ctx context.Context, userID string, codeHash [32]byte) (bool, error)

	GetOAuthToken(ctx context.Context, userID, provider string) (*OAuthTokenRecord, error)
	UpsertOAuthToken(ctx context.Context, userID string, record OAuthTokenRecord) error
	DeleteOAuthToken(ctx context.Context, userID, provider string) error
}

// CodeSender delivers a one-time code to a recipient (phone number or
// email address). Implementations wrap the caller's SMS gateway or mailer.
type CodeSender interface {
	Send(ctx context.Context, recipient, code string) error
}

// OAuthProvider is the upstream-provider surface used by the federation
// bridge. [oauth.Client] implements it; tests substitute fakes.
type OAuthProvider interface {
	Name() string
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth.Token, error)
	Identity(ctx context.Context, accessToken string) (*oauth.Identity, error)
}

// TokenPair is one access/refresh issuance.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  int64
	RefreshExpiresAt int64
}

// LoginRequest carries the credentials and device attributes of one login
// attempt. IP and user agent come from context helpers, not from here.
type LoginRequest struct {
	Email      string
	Password   string
	Remember   bool
	DeviceHint string
}

// LoginResult is returned by [Engine.Login], [Engine.VerifyMFA], and
// [Engine.OAuthCallback]. Exactly one of Tokens or the MFA challenge
// fields is populated.
type LoginResult struct {
	UserID string

	MFARequired bool
	MFAToken    string
	MFAChannel  Channel

	Tokens *TokenPair

	// RedirectHint echoes the hint given to [Engine.OAuthInitiate];
	// empty outside OAuth callbacks.
	RedirectHint string
}

// RegisterRequest is the input for [Engine.Register].
type RegisterRequest struct {
	Email    string
	Password string
	Phone    string
	Roles    []string
}

// RegisterResult is returned by [Engine.Register]. CodeDeliveryFailed is
// set when the account was created but the verification code could not be
// delivered; the caller resends via [Engine.ResendVerificationCode].
type RegisterResult struct {
	UserID               string
	VerificationRequired bool
	CodeDeliveryFailed   bool
}

// MFAEnrollment is returned by [Engine.BeginMFAEnrollment]. TOTP
// enrollments carry the secret and provisioning URI; SMS and email
// enrollments deliver a code out of band instead.
type MFAEnrollment struct {
	Channel      Channel
	SecretBase32 string
	ProvisionURI string
}

// AccessInfo is the result of a pure access-token validation.
type AccessInfo struct {
	UserID    string
	SessionID string
	FamilyID  string
	Roles     []string
	ExpiresAt time.Time
}

// SessionInfo is one entry of a user's session listing.
type SessionInfo struct {
	ID          string
	IP          string
	UserAgent   string
	Fingerprint string
	CreatedAt   int64
	ExpiresAt   int64
	Current     bool
}

// AuditEvent is the structured audit record emitted by the engine.
type AuditEvent = audit.Event

// AuditSink receives [AuditEvent] values from the async dispatcher.
type AuditSink = audit.Sink

// NoOpSink is an [AuditSink] that discards all events.
type NoOpSink = audit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = audit.ChannelSink

// JSONWriterSink is an [AuditSink] writing one JSON object per line.
type JSONWriterSink = audit.JSONWriterSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}
