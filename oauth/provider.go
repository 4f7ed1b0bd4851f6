// Package oauth wraps an OAuth2/OIDC provider behind a small client used by
// the federation bridge: authorization URL construction, code exchange,
// refresh grants, and userinfo identity resolution.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"
)

// ErrProviderUnavailable wraps transport-level provider failures after
// retries are exhausted.
var ErrProviderUnavailable = errors.New("oauth provider unavailable")

// ErrExchangeRejected is returned when the provider rejects a grant
// (bad code, revoked consent, expired refresh token). Not retryable.
var ErrExchangeRejected = errors.New("oauth exchange rejected")

const (
	requestTimeout = 10 * time.Second
	retryBackoff   = 200 * time.Millisecond
)

// Token is a provider token set held on behalf of a linked account.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// Identity is the subset of the userinfo response the engine cares about.
type Identity struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	Picture        string
}

// Config describes one upstream provider. AuthURL, TokenURL, and
// UserInfoURL come from the provider's OIDC discovery document or docs.
type Config struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
}

// Client talks to a single configured provider. Safe for concurrent use.
type Client struct {
	name        string
	oauth       *oauth2.Config
	userInfoURL string
	http        *http.Client
	scopes      []string
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Name == "" {
		return nil, errors.New("provider name required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("provider client credentials required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" || cfg.UserInfoURL == "" {
		return nil, errors.New("provider endpoints required")
	}

	return &Client{
		name: cfg.Name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		userInfoURL: cfg.UserInfoURL,
		http:        &http.Client{Timeout: requestTimeout},
		scopes:      cfg.Scopes,
	}, nil
}

// Name returns the provider identifier used in account links.
func (c *Client) Name() string {
	return c.name
}

// AuthCodeURL builds the provider authorization URL carrying the state
// nonce.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange redeems an authorization code for a token set. Transient
// transport failures are retried once.
func (c *Client) Exchange(ctx context.Context, code string) (*Token, error) {
	return c.grant(ctx, func(ctx context.Context) (*oauth2.Token, error) {
		return c.oauth.Exchange(ctx, code)
	})
}

// Refresh redeems a refresh token for a fresh access token. The provider
// may or may not rotate the refresh token; callers keep whichever comes
// back.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	return c.grant(ctx, func(ctx context.Context) (*oauth2.Token, error) {
		source := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		return source.Token()
	})
}

func (c *Client) grant(ctx context.Context, fn func(context.Context) (*oauth2.Token, error)) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	var raw *oauth2.Token
	backoff := retry.WithMaxRetries(1, retry.NewConstant(retryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		token, err := fn(ctx)
		if err != nil {
			var retrieveErr *oauth2.RetrieveError
			if errors.As(err, &retrieveErr) {
				if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
					return retry.RetryableError(err)
				}
				return fmt.Errorf("%w: %v", ErrExchangeRejected, err)
			}
			return retry.RetryableError(err)
		}
		raw = token
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrExchangeRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	token := &Token{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		ExpiresAt:    raw.Expiry,
		Scopes:       c.scopes,
	}
	return token, nil
}

type userInfoResponse struct {
	Sub           string `json:"sub"`
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Identity fetches the userinfo document with the given access token.
func (c *Client) Identity(ctx context.Context, accessToken string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var body []byte
	backoff := retry.WithMaxRetries(1, retry.NewConstant(retryBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := c.http.Do(req.Clone(ctx))
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return retry.RetryableError(err)
		}
		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("userinfo status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: userinfo status %d", ErrExchangeRejected, resp.StatusCode)
		}
		body = data
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrExchangeRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	var info userInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%w: corrupt userinfo response", ErrProviderUnavailable)
	}

	providerUserID := info.Sub
	if providerUserID == "" {
		providerUserID = info.ID
	}
	if providerUserID == "" {
		return nil, fmt.Errorf("%w: userinfo missing subject", ErrExchangeRejected)
	}

	return &Identity{
		ProviderUserID: providerUserID,
		Email:          info.Email,
		EmailVerified:  info.EmailVerified,
		Name:           info.Name,
		Picture:        info.Picture,
	}, nil
}
