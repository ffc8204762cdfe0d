package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultTokenURL = "https://prodindego.b2clogin.com/prodindego.onmicrosoft.com/b2c_1a_signup_signin/oauth2/v2.0/token"
	DefaultClientID = "65bb8c9d-1070-4fb4-aa95-853618acc876"
)

var DefaultScopes = []string{
	"openid",
	"offline_access",
	"https://prodindego.onmicrosoft.com/indego-mobile-api/Indego.Mower.User",
}

// StaticProvider hands out a fixed token.
type StaticProvider struct {
	AccessToken string
	TTL         time.Duration
	Now         func() time.Time
}

func (p StaticProvider) Refresh(ctx context.Context) (Token, error) {
	_ = ctx
	if strings.TrimSpace(p.AccessToken) == "" {
		return Token{}, ErrNoToken
	}
	tok := Token{AccessToken: p.AccessToken}
	if p.TTL > 0 {
		now := time.Now
		if p.Now != nil {
			now = p.Now
		}
		tok.ExpiresAt = now().Add(p.TTL)
	}
	return tok, nil
}

type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	RefreshToken string
	HTTPClient   *http.Client
	// OnRotate is called with the new refresh token when the identity
	// service issues one.
	OnRotate func(ctx context.Context, refreshToken string) error
}

// OAuthProvider exchanges a refresh token for access tokens.
type OAuthProvider struct {
	config     oauth2.Config
	httpClient *http.Client
	onRotate   func(ctx context.Context, refreshToken string) error

	mu           sync.Mutex
	refreshToken string
}

func NewOAuthProvider(cfg OAuthConfig) (*OAuthProvider, error) {
	if strings.TrimSpace(cfg.RefreshToken) == "" {
		return nil, errors.New("token: refresh token is required")
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	return &OAuthProvider{
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
		},
		httpClient:   cfg.HTTPClient,
		onRotate:     cfg.OnRotate,
		refreshToken: strings.TrimSpace(cfg.RefreshToken),
	}, nil
}

func (p *OAuthProvider) Refresh(ctx context.Context) (Token, error) {
	p.mu.Lock()
	current := p.refreshToken
	p.mu.Unlock()

	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	tok, err := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: current}).Token()
	if err != nil {
		return Token{}, fmt.Errorf("refresh access token: %w", err)
	}

	if tok.RefreshToken != "" && tok.RefreshToken != current {
		p.mu.Lock()
		p.refreshToken = tok.RefreshToken
		p.mu.Unlock()
		if p.onRotate != nil {
			if err := p.onRotate(ctx, tok.RefreshToken); err != nil {
				return Token{}, fmt.Errorf("persist rotated refresh token: %w", err)
			}
		}
	}
	return Token{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
}

// RefreshToken returns the refresh token currently in use.
func (p *OAuthProvider) RefreshToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshToken
}
