package authgate

import (
	"context"
	"errors"
	"testing"
)

func requireVerification(cfg *Config) {
	cfg.Account.RequireEmailVerification = true
}

func TestRegisterWithVerification(t *testing.T) {
	env := newTestEnv(t, requireVerification, nil)

	res, err := env.engine.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "correct-horse-battery",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !res.VerificationRequired {
		t.Fatal("expected VerificationRequired")
	}

	sent := env.email.last(t)
	if sent.Recipient != "alice@example.com" {
		t.Fatalf("verification code sent to %q", sent.Recipient)
	}

	// Unverified accounts cannot log in.
	_, err = env.engine.Login(context.Background(), LoginRequest{
		Email:    "alice@example.com",
		Password: "correct-horse-battery",
	})
	if !errors.Is(err, ErrEmailUnverified) {
		t.Fatalf("pre-verify login err = %v, want ErrEmailUnverified", err)
	}

	if err := env.engine.VerifyEmail(context.Background(), res.UserID, "999999"); !errors.Is(err, ErrMFAInvalidCode) {
		t.Fatalf("wrong code err = %v, want ErrMFAInvalidCode", err)
	}
	if err := env.engine.VerifyEmail(context.Background(), res.UserID, sent.Code); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}

	user, err := env.users.GetByID(context.Background(), res.UserID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if !user.EmailVerified || user.Status != AccountActive {
		t.Fatalf("account not activated: %+v", user)
	}

	env.login(context.Background(), "alice@example.com", "correct-horse-battery")
}

func TestRegisterWithoutVerification(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	res, err := env.engine.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "correct-horse-battery",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if res.VerificationRequired {
		t.Fatal("verification should not be required")
	}
	if env.email.count() != 0 {
		t.Fatalf("unexpected email sent: %d", env.email.count())
	}

	env.login(context.Background(), "alice@example.com", "correct-horse-battery")
}

func TestRegisterSenderOutageKeepsAccountRecoverable(t *testing.T) {
	env := newTestEnv(t, requireVerification, nil)
	env.email.fail = errSenderDown

	res, err := env.engine.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "correct-horse-battery",
	})
	if err != nil {
		t.Fatalf("Register failed during sender outage: %v", err)
	}
	if res.UserID == "" {
		t.Fatal("no user ID returned")
	}
	if !res.CodeDeliveryFailed {
		t.Fatal("delivery failure not reported on the result")
	}
	if got := env.email.attemptCount(); got != 2 {
		t.Fatalf("send attempts = %d, want 2 (one retry)", got)
	}

	// Once the sender recovers, the same account resumes verification;
	// no re-registration is needed.
	env.email.fail = nil
	if err := env.engine.ResendVerificationCode(context.Background(), res.UserID); err != nil {
		t.Fatalf("ResendVerificationCode failed: %v", err)
	}
	sent := env.email.last(t)
	if err := env.engine.VerifyEmail(context.Background(), res.UserID, sent.Code); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}

	env.login(context.Background(), "alice@example.com", "correct-horse-battery")
}

func TestRegisterDuplicateEmail(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedUser("alice@example.com", "correct-horse-battery", nil)

	_, err := env.engine.Register(context.Background(), RegisterRequest{
		Email:    "Alice@Example.com",
		Password: "another-password-1",
	})
	if !errors.Is(err, ErrEmailExists) {
		t.Fatalf("err = %v, want ErrEmailExists", err)
	}
	if got := env.engine.Metrics().Value(MetricRegisterDuplicate); got != 1 {
		t.Fatalf("duplicate counter = %d, want 1", got)
	}
}

func TestRegisterPasswordPolicy(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	_, err := env.engine.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
	})
	if !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("err = %v, want ErrPasswordPolicy", err)
	}
}

func TestRegisterAppliesDefaultRoles(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Account.DefaultRoles = []string{"member", "beta"}
	}, nil)

	res, err := env.engine.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "correct-horse-battery",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	user, _ := env.users.GetByID(context.Background(), res.UserID)
	if len(user.Roles) != 2 || user.Roles[0] != "member" || user.Roles[1] != "beta" {
		t.Fatalf("roles = %v", user.Roles)
	}
}

func TestResendVerificationCodeReplacesOld(t *testing.T) {
	env := newTestEnv(t, requireVerification, nil)

	res, err := env.engine.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "correct-horse-battery",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	first := env.email.last(t)

	if err := env.engine.ResendVerificationCode(context.Background(), res.UserID); err != nil {
		t.Fatalf("ResendVerificationCode failed: %v", err)
	}
	second := env.email.last(t)
	if env.email.count() != 2 {
		t.Fatalf("sent = %d, want 2", env.email.count())
	}

	if first.Code != second.Code {
		if err := env.engine.VerifyEmail(context.Background(), res.UserID, first.Code); !errors.Is(err, ErrMFAInvalidCode) {
			t.Fatalf("stale code err = %v, want ErrMFAInvalidCode", err)
		}
	}
	if err := env.engine.VerifyEmail(context.Background(), res.UserID, second.Code); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}
}

func TestVerifyEmailIdempotentWhenVerified(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	user := env.seedUser("alice@example.com", "correct-horse-battery", nil)

	if err := env.engine.VerifyEmail(context.Background(), user.ID, "whatever"); err != nil {
		t.Fatalf("err = %v, want nil for already verified account", err)
	}
}
