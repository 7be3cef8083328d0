package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/brewmate-auth/internal/config"
	autherrors "github.com/jrsteele09/brewmate-auth/internal/errors"
	"github.com/jrsteele09/brewmate-auth/oauthmodel"
	"github.com/jrsteele09/brewmate-auth/session"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const discoveryKeyPrefix = "oidc_"

// Claims are the ID token claims the client relies on.
type Claims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Nonce   string `json:"nonce"`
}

// discovery is what we keep per issuer from its well known configuration.
type discovery struct {
	oidc          *oidc.Provider
	revocationURL string
}

// Provider is one OIDC identity provider the user can sign in with. Discovery happens
// on first use and is shared through the registry's cache.
type Provider struct {
	cfg         config.ProviderConfig
	redirectURL string
	httpClient  *http.Client
	cache       *cache.Cache
	fetches     *singleflight.Group
	logger      zerolog.Logger
}

func (p *Provider) Name() string {
	return p.cfg.Name
}

// AuthCodeURL builds the consent URL with an S256 PKCE challenge and the nonce.
func (p *Provider) AuthCodeURL(ctx context.Context, state, verifier, nonce string) (string, error) {
	oc, err := p.oauth2Config(ctx)
	if err != nil {
		return "", err
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(verifier),
		oidc.Nonce(nonce),
	}
	for k, v := range p.cfg.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return oc.AuthCodeURL(state, opts...), nil
}

// Exchange trades an authorization code for tokens, proving possession of verifier.
func (p *Provider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	oc, err := p.oauth2Config(ctx)
	if err != nil {
		return nil, err
	}
	token, err := oc.Exchange(p.clientContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, errors.Wrap(err, "[Provider.Exchange] token exchange failed")
	}
	return token, nil
}

// Refresh mints new tokens from refreshToken. Providers that do not rotate refresh
// tokens get the old one carried over.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, autherrors.ErrInvalidRefreshToken
	}
	oc, err := p.oauth2Config(ctx)
	if err != nil {
		return nil, err
	}

	token, err := oc.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, errors.Wrap(fmt.Errorf("%w: %w", autherrors.ErrInvalidRefreshToken, err), "[Provider.Refresh] refresh failed")
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

// IDToken returns the raw ID token carried by a token response, if any.
func IDToken(token *oauth2.Token) string {
	raw, _ := token.Extra("id_token").(string)
	return raw
}

// VerifyIDToken checks the ID token signature, issuer, audience and expiry, then the
// nonce the flow was started with.
func (p *Provider) VerifyIDToken(ctx context.Context, rawIDToken, nonce string) (*Claims, error) {
	d, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	idToken, err := d.oidc.Verifier(&oidc.Config{ClientID: p.cfg.ClientID}).Verify(p.clientContext(ctx), rawIDToken)
	if err != nil {
		return nil, errors.Wrap(fmt.Errorf("%w: %w", autherrors.ErrInvalidToken, err), "[Provider.VerifyIDToken] verification failed")
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, errors.Wrap(err, "[Provider.VerifyIDToken] failed to extract claims")
	}
	if claims.Nonce != nonce {
		return nil, autherrors.ErrInvalidNonce
	}
	return &claims, nil
}

// UserInfo asks the provider who accessToken belongs to.
func (p *Provider) UserInfo(ctx context.Context, accessToken string) (*session.Identity, error) {
	d, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	info, err := d.oidc.UserInfo(p.clientContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	if err != nil {
		return nil, errors.Wrap(err, "[Provider.UserInfo] userinfo request failed")
	}

	var extra struct {
		Name     string `json:"name"`
		Nickname string `json:"nickname"`
	}
	if err := info.Claims(&extra); err != nil {
		return nil, errors.Wrap(err, "[Provider.UserInfo] failed to extract claims")
	}
	name := extra.Name
	if name == "" {
		name = extra.Nickname
	}

	return &session.Identity{
		ID:       info.Subject,
		Email:    info.Email,
		Name:     name,
		Provider: p.cfg.Name,
	}, nil
}

// Revoke invalidates token at the provider's RFC 7009 endpoint. Providers that do not
// advertise one return autherrors.ErrUnsupported.
func (p *Provider) Revoke(ctx context.Context, token string, hint oauthmodel.TokenTypeHint) error {
	d, err := p.discover(ctx)
	if err != nil {
		return err
	}
	if d.revocationURL == "" {
		return autherrors.ErrUnsupported
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", string(hint))
	form.Set("client_id", p.cfg.ClientID)
	if p.cfg.ClientSecret != "" {
		form.Set("client_secret", p.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "[Provider.Revoke] building request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "[Provider.Revoke] request failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("[Provider.Revoke] %s revocation returned %s", hint, resp.Status)
	}
	return nil
}

func (p *Provider) oauth2Config(ctx context.Context) (*oauth2.Config, error) {
	d, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}
	scopes := p.cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID}
	}
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     d.oidc.Endpoint(),
		RedirectURL:  p.redirectURL,
		Scopes:       scopes,
	}, nil
}

// discover returns the issuer's configuration from the cache, fetching it once when
// missing or expired. Concurrent misses share one fetch.
func (p *Provider) discover(ctx context.Context) (*discovery, error) {
	key := discoveryKeyPrefix + p.cfg.Issuer
	if cached, ok := p.cache.Get(key); ok {
		return cached.(*discovery), nil
	}

	v, err, _ := p.fetches.Do(key, func() (interface{}, error) {
		start := time.Now()
		op, err := oidc.NewProvider(p.clientContext(ctx), p.cfg.Issuer)
		if err != nil {
			return nil, errors.Wrapf(err, "[Provider.discover] failed to create OIDC provider for %s", p.cfg.Name)
		}

		var extra struct {
			RevocationURL string `json:"revocation_endpoint"`
		}
		if err := op.Claims(&extra); err != nil {
			return nil, errors.Wrap(err, "[Provider.discover] failed to read discovery document")
		}

		d := &discovery{oidc: op, revocationURL: extra.RevocationURL}
		p.cache.SetDefault(key, d)
		p.logger.Debug().
			Str("provider", p.cfg.Name).
			Str("issuer", p.cfg.Issuer).
			Dur("took", time.Since(start)).
			Bool("revocation", d.revocationURL != "").
			Msg("discovered provider configuration")
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*discovery), nil
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	ctx = oidc.ClientContext(ctx, p.httpClient)
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}
