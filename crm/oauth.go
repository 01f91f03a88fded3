package crm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmdatafocus/formsync_backend/config"
	"golang.org/x/oauth2"
)

// OAuthClient runs the authorization-code and refresh-token grants through
// golang.org/x/oauth2.
type OAuthClient struct {
	cfg     *oauth2.Config
	http    *http.Client
	timeout time.Duration
}

func NewOAuthClient(cfg config.CRMConfig) *OAuthClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OAuthClient{
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// AuthCodeURL asks for offline access and forces the consent prompt so the
// provider always issues a refresh token.
func (c *OAuthClient) AuthCodeURL(state string) string {
	return c.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (c *OAuthClient) Exchange(ctx context.Context, code string) (TokenGrant, error) {
	if strings.TrimSpace(code) == "" {
		return TokenGrant{}, &ValidationError{Message: "authorization code is required"}
	}
	ctx, cancel := context.WithTimeout(context.WithValue(ctx, oauth2.HTTPClient, c.http), c.timeout)
	defer cancel()

	tok, err := c.cfg.Exchange(ctx, code)
	if err != nil {
		return TokenGrant{}, classifyOAuthError("exchange", err)
	}
	if tok.RefreshToken == "" {
		return TokenGrant{}, &AuthError{Message: "exchange returned no refresh token"}
	}
	return grantFromToken(tok), nil
}

func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (TokenGrant, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return TokenGrant{}, &AuthError{Message: "no refresh token"}
	}
	ctx, cancel := context.WithTimeout(context.WithValue(ctx, oauth2.HTTPClient, c.http), c.timeout)
	defer cancel()

	// Expiry in the past makes the token source go straight to the token endpoint.
	src := c.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return TokenGrant{}, classifyOAuthError("refresh", err)
	}
	grant := grantFromToken(tok)
	if grant.RefreshToken == refreshToken {
		grant.RefreshToken = ""
	}
	return grant, nil
}

func grantFromToken(tok *oauth2.Token) TokenGrant {
	g := TokenGrant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
	if v, ok := tok.Extra("api_domain").(string); ok {
		g.ApiDomain = v
	}
	if v, ok := tok.Extra("scope").(string); ok {
		g.Scope = v
	}
	if g.ExpiresAt.IsZero() {
		g.ExpiresAt = time.Now().Add(time.Hour)
	}
	return g
}

// classifyOAuthError separates a rejected grant (auth) from an unreachable
// token endpoint (transient).
func classifyOAuthError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		switch {
		case re.ErrorCode == "invalid_grant", re.ErrorCode == "invalid_client", re.ErrorCode == "unauthorized_client", re.ErrorCode == "invalid_code":
			return &AuthError{Message: op + ": " + re.ErrorCode, Err: err}
		case status == http.StatusTooManyRequests:
			return &RateLimitError{Message: op + " token endpoint"}
		case status >= 500 || status == 0:
			return &TransientNetworkError{Message: op, Err: err}
		case status >= 400:
			return &AuthError{Message: fmt.Sprintf("%s: status %d", op, status), Err: err}
		}
	}
	// Providers that answer 200 with {"error": "..."} surface as a missing token.
	if strings.Contains(err.Error(), "missing access_token") {
		return &AuthError{Message: op + ": token endpoint returned no access token", Err: err}
	}
	return &TransientNetworkError{Message: op, Err: err}
}
