package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, cfg), mr
}

func TestLoginBudgetExhaustsAndResets(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxLoginAttempts: 3, LoginCooldown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.CheckLogin(ctx, "alice@example.com", ""); err != nil {
			t.Fatalf("attempt %d rejected early: %v", i, err)
		}
		if err := l.IncrementLogin(ctx, "alice@example.com", ""); err != nil {
			t.Fatalf("IncrementLogin failed: %v", err)
		}
	}

	if err := l.CheckLogin(ctx, "alice@example.com", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited after budget spent", err)
	}

	if err := l.ResetLogin(ctx, "alice@example.com", ""); err != nil {
		t.Fatalf("ResetLogin failed: %v", err)
	}
	if err := l.CheckLogin(ctx, "alice@example.com", ""); err != nil {
		t.Fatalf("budget not restored after reset: %v", err)
	}
}

func TestLoginBudgetIsPerIdentifier(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxLoginAttempts: 1, LoginCooldown: time.Minute})
	ctx := context.Background()

	if err := l.IncrementLogin(ctx, "alice@example.com", ""); err != nil {
		t.Fatalf("IncrementLogin failed: %v", err)
	}
	if err := l.CheckLogin(ctx, "alice@example.com", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if err := l.CheckLogin(ctx, "bob@example.com", ""); err != nil {
		t.Fatalf("unrelated identifier throttled: %v", err)
	}
}

func TestIPThrottleSharesBudgetAcrossIdentifiers(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		EnableIPThrottle: true,
		MaxLoginAttempts: 2,
		LoginCooldown:    time.Minute,
	})
	ctx := context.Background()

	_ = l.IncrementLogin(ctx, "alice@example.com", "203.0.113.9")
	_ = l.IncrementLogin(ctx, "bob@example.com", "203.0.113.9")

	if err := l.CheckLogin(ctx, "carol@example.com", "203.0.113.9"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited for shared IP", err)
	}
	if err := l.CheckLogin(ctx, "carol@example.com", "198.51.100.1"); err != nil {
		t.Fatalf("different IP throttled: %v", err)
	}
}

func TestLoginCooldownExpiresBudget(t *testing.T) {
	l, mr := newTestLimiter(t, Config{MaxLoginAttempts: 1, LoginCooldown: time.Minute})
	ctx := context.Background()

	_ = l.IncrementLogin(ctx, "alice@example.com", "")
	if err := l.CheckLogin(ctx, "alice@example.com", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	mr.FastForward(2 * time.Minute)
	if err := l.CheckLogin(ctx, "alice@example.com", ""); err != nil {
		t.Fatalf("budget survived its cooldown: %v", err)
	}
}

func TestRefreshConsumesAttempt(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxRefreshAttempts: 2, RefreshCooldown: time.Minute})
	ctx := context.Background()

	if err := l.CheckRefresh(ctx, "fam-1"); err != nil {
		t.Fatalf("first refresh rejected: %v", err)
	}
	if err := l.CheckRefresh(ctx, "fam-1"); err != nil {
		t.Fatalf("second refresh rejected: %v", err)
	}
	if err := l.CheckRefresh(ctx, "fam-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if err := l.CheckRefresh(ctx, "fam-2"); err != nil {
		t.Fatalf("unrelated family throttled: %v", err)
	}
}

func TestCodeSendBudgetPerChannel(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxCodeSends: 1, CodeSendCooldown: time.Minute})
	ctx := context.Background()

	if err := l.CheckCodeSend(ctx, "u1", "email"); err != nil {
		t.Fatalf("first send rejected: %v", err)
	}
	if err := l.CheckCodeSend(ctx, "u1", "email"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if err := l.CheckCodeSend(ctx, "u1", "sms"); err != nil {
		t.Fatalf("other channel throttled: %v", err)
	}
}

func TestZeroLimitsDisableThrottling(t *testing.T) {
	l, _ := newTestLimiter(t, Config{})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if err := l.CheckLogin(ctx, "alice@example.com", ""); err != nil {
			t.Fatalf("CheckLogin failed: %v", err)
		}
		if err := l.CheckRefresh(ctx, "fam-1"); err != nil {
			t.Fatalf("CheckRefresh failed: %v", err)
		}
		if err := l.CheckCodeSend(ctx, "u1", "email"); err != nil {
			t.Fatalf("CheckCodeSend failed: %v", err)
		}
	}
}
