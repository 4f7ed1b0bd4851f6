package authgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// testConfig keeps argon2 at the validation floor so hashing stays fast.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Password = PasswordConfig{
		Memory:         8192,
		Time:           1,
		Parallelism:    1,
		SaltLength:     16,
		KeyLength:      16,
		MinLength:      10,
		UpgradeOnLogin: true,
	}
	cfg.MFA.Issuer = "authgate-test"
	cfg.Account.RequireEmailVerification = false
	cfg.Metrics.Enabled = true
	return cfg
}

type testEnv struct {
	t      *testing.T
	engine *Engine
	users  *mockUserStore
	mr     *miniredis.Miniredis
	email  *recordingSender
	sms    *recordingSender
}

// newTestEnv builds an engine on miniredis. mutate adjusts the config and
// wire adds builder dependencies; either may be nil.
func newTestEnv(t *testing.T, mutate func(*Config), wire func(*Builder)) *testEnv {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	mr, rdb := newTestRedis(t)
	users := newMockUserStore()
	email := &recordingSender{}
	sms := &recordingSender{}

	builder := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(users).
		WithEmailSender(email).
		WithSMSSender(sms)
	if wire != nil {
		wire(builder)
	}

	engine, err := builder.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEnv{t: t, engine: engine, users: users, mr: mr, email: email, sms: sms}
}

// seedUser creates an active verified account with the given password.
func (env *testEnv) seedUser(email, plaintext string, mutate func(*UserRecord)) *UserRecord {
	env.t.Helper()

	hash, err := env.engine.passwordHash.Hash(plaintext)
	if err != nil {
		env.t.Fatalf("hash failed: %v", err)
	}

	user := UserRecord{
		Email:         email,
		EmailVerified: true,
		PasswordHash:  hash,
		Roles:         []string{"user"},
		Status:        AccountActive,
	}
	if mutate != nil {
		mutate(&user)
	}
	return env.users.add(user)
}

// login is a shorthand for the full-credential path without MFA.
func (env *testEnv) login(ctx context.Context, email, plaintext string) *LoginResult {
	env.t.Helper()

	res, err := env.engine.Login(ctx, LoginRequest{Email: email, Password: plaintext})
	if err != nil {
		env.t.Fatalf("Login failed: %v", err)
	}
	return res
}

type sentCode struct {
	Recipient string
	Code      string
}

type recordingSender struct {
	mu        sync.Mutex
	sent      []sentCode
	fail      error // every Send fails with this
	transient int   // this many leading Sends fail with errSenderDown
	attempts  int
}

func (s *recordingSender) Send(_ context.Context, recipient, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.transient > 0 {
		s.transient--
		return errSenderDown
	}
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, sentCode{Recipient: recipient, Code: code})
	return nil
}

func (s *recordingSender) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *recordingSender) last(t *testing.T) sentCode {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		t.Fatal("no code was sent")
	}
	return s.sent[len(s.sent)-1]
}

type federatedLink struct {
	provider string
	id       string
}

// mockUserStore is an in-memory UserStore for engine tests.
type mockUserStore struct {
	mu          sync.Mutex
	seq         int
	users       map[string]*UserRecord
	byEmail     map[string]string
	byFederated map[string]string
	links       map[string]federatedLink
	backup      map[string][]BackupCodeRecord
	oauthTokens map[string]*OAuthTokenRecord

	updateErr error
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:       map[string]*UserRecord{},
		byEmail:     map[string]string{},
		byFederated: map[string]string{},
		links:       map[string]federatedLink{},
		backup:      map[string][]BackupCodeRecord{},
		oauthTokens: map[string]*OAuthTokenRecord{},
	}
}

func federatedKey(provider, providerUserID string) string {
	return provider + "|" + providerUserID
}

func cloneUser(u *UserRecord) *UserRecord {
	out := *u
	out.Roles = append([]string(nil), u.Roles...)
	out.TOTPSecret = append([]byte(nil), u.TOTPSecret...)
	return &out
}

func (m *mockUserStore) add(user UserRecord) *UserRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user.ID == "" {
		m.seq++
		user.ID = fmt.Sprintf("u%d", m.seq)
	}
	now := time.Now().Unix()
	user.CreatedAt, user.UpdatedAt = now, now

	m.users[user.ID] = cloneUser(&user)
	if user.Email != "" {
		m.byEmail[user.Email] = user.ID
	}
	return cloneUser(&user)
}

func (m *mockUserStore) GetByID(_ context.Context, userID string) (*UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (m *mockUserStore) GetByEmail(_ context.Context, email string) (*UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(m.users[id]), nil
}

func (m *mockUserStore) GetByFederatedID(_ context.Context, provider, providerUserID string) (*UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byFederated[federatedKey(provider, providerUserID)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(m.users[id]), nil
}

func (m *mockUserStore) Create(_ context.Context, input CreateUserInput) (*UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if input.Email != "" {
		if _, exists := m.byEmail[input.Email]; exists {
			return nil, ErrEmailExists
		}
	}

	m.seq++
	now := time.Now().Unix()
	user := &UserRecord{
		ID:            fmt.Sprintf("u%d", m.seq),
		Email:         input.Email,
		EmailVerified: input.EmailVerified,
		Phone:         input.Phone,
		PasswordHash:  input.PasswordHash,
		Roles:         append([]string(nil), input.Roles...),
		Status:        input.Status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.users[user.ID] = user
	if user.Email != "" {
		m.byEmail[user.Email] = user.ID
	}
	if input.FederatedProvider != "" && input.FederatedID != "" {
		m.byFederated[federatedKey(input.FederatedProvider, input.FederatedID)] = user.ID
		m.links[user.ID] = federatedLink{provider: input.FederatedProvider, id: input.FederatedID}
	}
	return cloneUser(user), nil
}

func (m *mockUserStore) Update(_ context.Context, userID string, patch UserPatch) (*UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateErr != nil {
		return nil, m.updateErr
	}

	u, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}

	if patch.Email != nil {
		delete(m.byEmail, u.Email)
		u.Email = *patch.Email
		if u.Email != "" {
			m.byEmail[u.Email] = userID
		}
	}
	if patch.EmailVerified != nil {
		u.EmailVerified = *patch.EmailVerified
	}
	if patch.Phone != nil {
		u.Phone = *patch.Phone
	}
	if patch.PasswordHash != nil {
		u.PasswordHash = *patch.PasswordHash
	}
	if patch.Roles != nil {
		u.Roles = append([]string(nil), (*patch.Roles)...)
	}
	if patch.Status != nil {
		u.Status = *patch.Status
	}
	if patch.MFAEnabled != nil {
		u.MFAEnabled = *patch.MFAEnabled
	}
	if patch.MFAChannel != nil {
		u.MFAChannel = *patch.MFAChannel
	}
	if patch.TOTPSecret != nil {
		u.TOTPSecret = append([]byte(nil), (*patch.TOTPSecret)...)
	}
	if patch.FederatedProvider != nil && patch.FederatedID != nil {
		if old, ok := m.links[userID]; ok {
			delete(m.byFederated, federatedKey(old.provider, old.id))
			delete(m.links, userID)
		}
		if *patch.FederatedProvider != "" && *patch.FederatedID != "" {
			m.byFederated[federatedKey(*patch.FederatedProvider, *patch.FederatedID)] = userID
			m.links[userID] = federatedLink{provider: *patch.FederatedProvider, id: *patch.FederatedID}
		}
	}
	u.UpdatedAt = time.Now().Unix()

	return cloneUser(u), nil
}

func (m *mockUserStore) GetBackupCodes(_ context.Context, userID string) ([]BackupCodeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BackupCodeRecord(nil), m.backup[userID]...), nil
}

func (m *mockUserStore) ReplaceBackupCodes(_ context.Context, userID string, codes []BackupCodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backup[userID] = append([]BackupCodeRecord(nil), codes...)
	return nil
}

func (m *mockUserStore) ConsumeBackupCode(_ context.Context, userID string, codeHash [32]byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	codes := m.backup[userID]
	for i := range codes {
		if !codes[i].Used && codes[i].Hash == codeHash {
			codes[i].Used = true
			return true, nil
		}
	}
	return false, nil
}

func (m *mockUserStore) GetOAuthToken(_ context.Context, userID, provider string) (*OAuthTokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.oauthTokens[userID+"|"+provider]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := *rec
	out.Scopes = append([]string(nil), rec.Scopes...)
	return &out, nil
}

func (m *mockUserStore) UpsertOAuthToken(_ context.Context, userID string, record OAuthTokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := record
	stored.Scopes = append([]string(nil), record.Scopes...)
	m.oauthTokens[userID+"|"+record.Provider] = &stored
	return nil
}

func (m *mockUserStore) DeleteOAuthToken(_ context.Context, userID, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.oauthTokens, userID+"|"+provider)
	return nil
}

var errSenderDown = errors.New("sender down")
