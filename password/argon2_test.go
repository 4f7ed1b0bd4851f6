package password

import (
	"strings"
	"testing"
)

func testHasher(t *testing.T) *Argon2 {
	t.Helper()
	a, err := NewArgon2(Config{
		Memory:      8192,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("NewArgon2 failed: %v", err)
	}
	return a
}

func TestHashAndVerify(t *testing.T) {
	a := testHasher(t)

	hash, err := a.Hash("correct-horse-battery")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("not PHC encoded: %q", hash)
	}

	ok, err := a.Verify("correct-horse-battery", hash)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Fatal("correct password rejected")
	}

	ok, err = a.Verify("wrong-password-here", hash)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if ok {
		t.Fatal("wrong password accepted")
	}
}

func TestHashSaltsAreUnique(t *testing.T) {
	a := testHasher(t)

	first, err := a.Hash("correct-horse-battery")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	second, err := a.Hash("correct-horse-battery")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if first == second {
		t.Fatal("identical hashes for identical passwords; salt is not random")
	}
}

func TestHashRejectsShortPassword(t *testing.T) {
	a := testHasher(t)

	if _, err := a.Hash("short"); err == nil {
		t.Fatal("expected error for short password")
	}
}

func TestVerifyAcrossParameterChange(t *testing.T) {
	weak := testHasher(t)
	hash, err := weak.Hash("correct-horse-battery")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	// A stronger hasher still verifies the old hash; the parameters
	// travel inside the PHC string.
	strong, err := NewArgon2(Config{
		Memory:      16384,
		Time:        2,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("NewArgon2 failed: %v", err)
	}

	ok, err := strong.Verify("correct-horse-battery", hash)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Fatal("old hash no longer verifies after cost change")
	}

	needs, err := strong.NeedsUpgrade(hash)
	if err != nil {
		t.Fatalf("NeedsUpgrade failed: %v", err)
	}
	if !needs {
		t.Fatal("weaker hash not flagged for upgrade")
	}

	needs, err = weak.NeedsUpgrade(hash)
	if err != nil {
		t.Fatalf("NeedsUpgrade failed: %v", err)
	}
	if needs {
		t.Fatal("current-parameter hash flagged for upgrade")
	}
}

func TestVerifyRejectsMalformedHashes(t *testing.T) {
	a := testHasher(t)

	cases := []string{
		"",
		"plainly not a hash",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$!!!$aGFzaA",
	}
	for _, encoded := range cases {
		if _, err := a.Verify("whatever-password", encoded); err == nil {
			t.Fatalf("malformed hash accepted: %q", encoded)
		}
	}
}

func TestNewArgon2RejectsWeakConfig(t *testing.T) {
	cases := []Config{
		{Memory: 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16},
		{Memory: 8192, Time: 0, Parallelism: 1, SaltLength: 16, KeyLength: 16},
		{Memory: 8192, Time: 1, Parallelism: 0, SaltLength: 16, KeyLength: 16},
		{Memory: 8192, Time: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16},
		{Memory: 8192, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 8},
	}
	for i, cfg := range cases {
		if _, err := NewArgon2(cfg); err == nil {
			t.Fatalf("case %d: weak config accepted", i)
		}
	}
}
