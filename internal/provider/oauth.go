package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/quotaguard/quotamux/internal/config"
	"github.com/quotaguard/quotamux/internal/httpclient"
	"github.com/quotaguard/quotamux/internal/models"
)

// Token is a credential set returned by a token endpoint.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Identity is who an authorization code belongs to.
type Identity struct {
	Token             Token
	ProviderAccountID string
	WorkspaceID       string
	Email             string
}

// TokenAdapter performs the OAuth exchanges for one client profile.
type TokenAdapter interface {
	ProfileID() string
	Provider() models.Provider
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (*Identity, error)
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
}

// OAuthClient is a TokenAdapter backed by golang.org/x/oauth2. Token calls go
// through the resilient client.
type OAuthClient struct {
	profile config.OAuthProfile
	cfg     *oauth2.Config
	http    *http.Client
}

// NewOAuthClient creates the adapter for a validated profile.
func NewOAuthClient(profile config.OAuthProfile, client *httpclient.Client) *OAuthClient {
	return &OAuthClient{
		profile: profile,
		cfg: &oauth2.Config{
			ClientID:     profile.ClientID,
			ClientSecret: profile.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   profile.AuthURL,
				TokenURL:  profile.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: profile.RedirectURL,
			Scopes:      profile.Scopes,
		},
		http: &http.Client{Transport: client.RoundTripper(nil)},
	}
}

func (c *OAuthClient) ProfileID() string { return c.profile.ID }

func (c *OAuthClient) Provider() models.Provider { return models.Provider(c.profile.Provider) }

// VerificationURL is where users complete out-of-band identity checks.
func (c *OAuthClient) VerificationURL() string { return c.profile.VerificationURL }

// AuthCodeURL returns the consent URL carrying state and the S256 challenge
// for verifier.
func (c *OAuthClient) AuthCodeURL(state, verifier string) string {
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	for k, v := range c.profile.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return c.cfg.AuthCodeURL(state, opts...)
}

// Exchange trades an authorization code for tokens and resolves the identity
// from the id_token claims or the token response.
func (c *OAuthClient) Exchange(ctx context.Context, code, verifier string) (*Identity, error) {
	tok, err := c.cfg.Exchange(c.context(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, c.wrapError("exchange code", err)
	}

	lookup := tokenLookup(tok)
	id := &Identity{
		Token:             fromOAuth2(tok),
		ProviderAccountID: lookup(c.profile.AccountIDClaim),
		WorkspaceID:       lookup(c.profile.WorkspaceClaim),
		Email:             lookup(c.profile.EmailClaim),
	}
	if id.ProviderAccountID == "" {
		return nil, fmt.Errorf("%s: token response has no %q claim", c.profile.Provider, c.profile.AccountIDClaim)
	}
	return id, nil
}

// Refresh exchanges a refresh token. The returned refresh token falls back to
// the old one when the provider does not rotate it.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	src := c.cfg.TokenSource(c.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, c.wrapError("refresh token", err)
	}
	out := fromOAuth2(tok)
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return &out, nil
}

func (c *OAuthClient) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

// wrapError turns rejected grants into a reauth issue.
func (c *OAuthClient) wrapError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if re.ErrorCode == "invalid_grant" || status == http.StatusUnauthorized {
			return &IssueError{
				Issue: models.SyncIssue{
					Code:    models.IssueReauthRequired,
					Message: "authorization expired, reconnect the account",
				},
				Err: fmt.Errorf("%s %s: %s", c.profile.Provider, op, re.ErrorCode),
			}
		}
		return &StatusError{Provider: c.Provider(), StatusCode: status, Body: truncate(re.ErrorCode+" "+re.ErrorDescription, maxErrorBody)}
	}
	return fmt.Errorf("%s %s: %w", c.profile.Provider, op, err)
}

func fromOAuth2(tok *oauth2.Token) Token {
	return Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.UTC(),
	}
}

// tokenLookup resolves claim paths against the id_token first and the raw
// token response second.
func tokenLookup(tok *oauth2.Token) func(path string) string {
	var claims map[string]any
	if raw, ok := tok.Extra("id_token").(string); ok {
		claims, _ = decodeJWTClaims(raw)
	}
	return func(path string) string {
		if path == "" {
			return ""
		}
		if claims != nil {
			if v := claimString(func(k string) any { return claims[k] }, path); v != "" {
				return v
			}
		}
		return claimString(tok.Extra, path)
	}
}

// claimString resolves a dotted path such as "account.uuid". Keys that contain
// dots themselves, like "https://api.openai.com/auth.chatgpt_account_id", are
// matched greedily from the left.
func claimString(get func(string) any, path string) string {
	if v, ok := get(path).(string); ok {
		return v
	}
	for i := strings.LastIndex(path, "."); i > 0; i = strings.LastIndex(path[:i], ".") {
		if nested, ok := get(path[:i]).(map[string]any); ok {
			if v := claimString(func(k string) any { return nested[k] }, path[i+1:]); v != "" {
				return v
			}
		}
	}
	return ""
}

// decodeJWTClaims reads the payload of a JWT without verifying it. The token
// arrives directly from the token endpoint over TLS.
func decodeJWTClaims(token string) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed jwt")
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return nil, err
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}
