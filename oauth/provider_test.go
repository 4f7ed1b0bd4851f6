package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
)

type fakeEndpoints struct {
	tokenStatus   int
	tokenFailures int32 // number of leading 5xx responses before success
	tokenCalls    atomic.Int32

	userInfoBody   string
	userInfoStatus int
}

func newFakeServer(t *testing.T, eps *fakeEndpoints) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		call := eps.tokenCalls.Add(1)
		if call <= eps.tokenFailures {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if eps.tokenStatus != 0 && eps.tokenStatus != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(eps.tokenStatus)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		status := eps.userInfoStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(eps.userInfoBody))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()

	client, err := NewClient(Config{
		Name:         "fake",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthURL:      srv.URL + "/auth",
		TokenURL:     srv.URL + "/token",
		UserInfoURL:  srv.URL + "/userinfo",
		RedirectURL:  "https://app.example/callback",
		Scopes:       []string{"openid", "email"},
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestAuthCodeURLCarriesState(t *testing.T) {
	srv := newFakeServer(t, &fakeEndpoints{})
	client := newTestClient(t, srv)

	raw := client.AuthCodeURL("state-nonce-1")
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("bad auth URL: %v", err)
	}
	q := parsed.Query()
	if q.Get("state") != "state-nonce-1" {
		t.Fatalf("state = %q", q.Get("state"))
	}
	if q.Get("client_id") != "client-id" || q.Get("access_type") != "offline" {
		t.Fatalf("unexpected query: %v", q)
	}
}

func TestExchangeSuccess(t *testing.T) {
	srv := newFakeServer(t, &fakeEndpoints{})
	client := newTestClient(t, srv)

	token, err := client.Exchange(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if token.AccessToken != "at-1" || token.RefreshToken != "rt-1" {
		t.Fatalf("token mismatch: %+v", token)
	}
	if token.ExpiresAt.IsZero() {
		t.Fatal("expiry not populated")
	}
	if len(token.Scopes) != 2 {
		t.Fatalf("scopes = %v", token.Scopes)
	}
}

func TestExchangeRetriesTransientFailure(t *testing.T) {
	eps := &fakeEndpoints{tokenFailures: 1}
	srv := newFakeServer(t, eps)
	client := newTestClient(t, srv)

	token, err := client.Exchange(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("Exchange failed after retry: %v", err)
	}
	if token.AccessToken != "at-1" {
		t.Fatalf("token mismatch: %+v", token)
	}
	if got := eps.tokenCalls.Load(); got != 2 {
		t.Fatalf("token endpoint calls = %d, want 2", got)
	}
}

func TestExchangeRejectionIsNotRetried(t *testing.T) {
	eps := &fakeEndpoints{tokenStatus: http.StatusBadRequest}
	srv := newFakeServer(t, eps)
	client := newTestClient(t, srv)

	_, err := client.Exchange(context.Background(), "bad-code")
	if !errors.Is(err, ErrExchangeRejected) {
		t.Fatalf("err = %v, want ErrExchangeRejected", err)
	}
	if got := eps.tokenCalls.Load(); got != 1 {
		t.Fatalf("token endpoint calls = %d, want 1 (no retry on rejection)", got)
	}
}

func TestExchangeGivesUpAfterRetry(t *testing.T) {
	eps := &fakeEndpoints{tokenFailures: 10}
	srv := newFakeServer(t, eps)
	client := newTestClient(t, srv)

	_, err := client.Exchange(context.Background(), "auth-code")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("err = %v, want ErrProviderUnavailable", err)
	}
	if got := eps.tokenCalls.Load(); got != 2 {
		t.Fatalf("token endpoint calls = %d, want 2", got)
	}
}

func TestRefreshGrant(t *testing.T) {
	srv := newFakeServer(t, &fakeEndpoints{})
	client := newTestClient(t, srv)

	token, err := client.Refresh(context.Background(), "rt-old")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if token.AccessToken != "at-1" {
		t.Fatalf("token mismatch: %+v", token)
	}
}

func TestIdentityParsesUserInfo(t *testing.T) {
	eps := &fakeEndpoints{
		userInfoBody: `{"sub":"pid-1","email":"alice@example.com","email_verified":true,"name":"Alice","picture":"https://img.example/a.png"}`,
	}
	srv := newFakeServer(t, eps)
	client := newTestClient(t, srv)

	identity, err := client.Identity(context.Background(), "at-1")
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if identity.ProviderUserID != "pid-1" || identity.Email != "alice@example.com" || !identity.EmailVerified {
		t.Fatalf("identity mismatch: %+v", identity)
	}
}

func TestIdentityFallsBackToIDField(t *testing.T) {
	eps := &fakeEndpoints{
		userInfoBody: `{"id":"legacy-7","email":"bob@example.com"}`,
	}
	srv := newFakeServer(t, eps)
	client := newTestClient(t, srv)

	identity, err := client.Identity(context.Background(), "at-1")
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if identity.ProviderUserID != "legacy-7" {
		t.Fatalf("subject = %q", identity.ProviderUserID)
	}
}

func TestIdentityMissingSubject(t *testing.T) {
	eps := &fakeEndpoints{userInfoBody: `{"email":"nobody@example.com"}`}
	srv := newFakeServer(t, eps)
	client := newTestClient(t, srv)

	_, err := client.Identity(context.Background(), "at-1")
	if !errors.Is(err, ErrExchangeRejected) {
		t.Fatalf("err = %v, want ErrExchangeRejected", err)
	}
}

func TestIdentityRejectedToken(t *testing.T) {
	eps := &fakeEndpoints{userInfoStatus: http.StatusForbidden, userInfoBody: `{}`}
	srv := newFakeServer(t, eps)
	client := newTestClient(t, srv)

	_, err := client.Identity(context.Background(), "at-1")
	if !errors.Is(err, ErrExchangeRejected) {
		t.Fatalf("err = %v, want ErrExchangeRejected", err)
	}
}

func TestNewClientValidation(t *testing.T) {
	cases := []Config{
		{},
		{Name: "p", ClientID: "id", ClientSecret: "sec"},
		{Name: "p", AuthURL: "a", TokenURL: "t", UserInfoURL: "u"},
	}
	for i, cfg := range cases {
		if _, err := NewClient(cfg); err == nil {
			t.Fatalf("case %d: invalid config accepted", i)
		}
	}
}
