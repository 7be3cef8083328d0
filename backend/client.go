package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/brewmate-auth/authflow"
	"github.com/jrsteele09/brewmate-auth/internal/config"
	autherrors "github.com/jrsteele09/brewmate-auth/internal/errors"
	"github.com/jrsteele09/brewmate-auth/oauthmodel"
	"github.com/jrsteele09/brewmate-auth/provider"
	"github.com/jrsteele09/brewmate-auth/redirect"
	"github.com/jrsteele09/brewmate-auth/session"
	"github.com/jrsteele09/brewmate-auth/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Client is the backend session API. It starts provider flows, exchanges codes,
// persists the session and keeps it fresh, and revokes it on sign out.
type Client struct {
	providers *provider.Registry
	flows     authflow.Repo
	repo      storage.Repo
	config    config.OAuthConfig
	logger    zerolog.Logger
	nowTime   func() time.Time
}

var (
	_ session.Backend  = (*Client)(nil)
	_ redirect.Backend = (*Client)(nil)
)

// ClientOption defines a function type to modify the Client instance.
type ClientOption func(*Client)

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ClientOption {
	return func(c *Client) {
		c.nowTime = nowFunc
	}
}

func NewClient(providers *provider.Registry, flows authflow.Repo, repo storage.Repo, cfg config.OAuthConfig, options ...ClientOption) (*Client, error) {
	if providers == nil {
		return nil, errors.New("[NewClient] provider registry is required")
	}
	if flows == nil {
		return nil, errors.New("[NewClient] auth flow repo is required")
	}
	if repo == nil {
		return nil, errors.New("[NewClient] session repo is required")
	}
	if cfg == nil {
		return nil, errors.New("[NewClient] oauth config is required")
	}

	c := &Client{
		providers: providers,
		flows:     flows,
		repo:      repo,
		config:    cfg,
		logger:    log.Logger,
		nowTime:   time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// BeginOAuth starts a PKCE authorization code flow with name and returns where to send
// the user.
func (c *Client) BeginOAuth(ctx context.Context, name string) (*redirect.Authorization, error) {
	p, err := c.providers.Get(name)
	if err != nil {
		return nil, err
	}

	now := c.nowTime()
	if n := c.flows.DeleteExpired(now.Add(-c.config.GetAuthCodeTimeout())); n > 0 {
		c.logger.Debug().Int("count", n).Msg("expired auth flows removed")
	}

	state := uuid.NewString()
	nonce := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	authURL, err := p.AuthCodeURL(ctx, state, verifier, nonce)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.BeginOAuth] building authorization URL")
	}

	if err := c.flows.Upsert(state, &authflow.AuthFlowState{
		Provider:     name,
		CodeVerifier: verifier,
		Nonce:        nonce,
		CreatedAt:    now,
	}); err != nil {
		return nil, errors.Wrap(err, "[Client.BeginOAuth] storing auth flow")
	}

	return &redirect.Authorization{URL: authURL, State: state}, nil
}

// ExchangeCode redeems code for the flow started with state. A flow can be redeemed
// once and only within the auth code timeout.
func (c *Client) ExchangeCode(ctx context.Context, state, code string) (session.TokenPair, error) {
	flow, err := c.flows.Consume(state)
	if err != nil {
		return session.TokenPair{}, errors.Wrap(err, "[Client.ExchangeCode] unknown state")
	}
	if c.nowTime().Sub(flow.CreatedAt) > c.config.GetAuthCodeTimeout() {
		return session.TokenPair{}, autherrors.ErrAuthFlowExpired
	}

	p, err := c.providers.Get(flow.Provider)
	if err != nil {
		return session.TokenPair{}, err
	}

	token, err := p.Exchange(ctx, code, flow.CodeVerifier)
	if err != nil {
		return session.TokenPair{}, err
	}

	idToken := provider.IDToken(token)
	if idToken != "" {
		if _, err := p.VerifyIDToken(ctx, idToken, flow.Nonce); err != nil {
			return session.TokenPair{}, err
		}
	}

	return session.TokenPair{
		Provider:     flow.Provider,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      idToken,
		Expiry:       token.Expiry,
	}, nil
}

// SetSession validates and persists sign-in token material.
func (c *Client) SetSession(ctx context.Context, pair session.TokenPair) (*session.Session, error) {
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return nil, errors.Wrap(autherrors.ErrInvalidToken, "[Client.SetSession] access and refresh tokens are required")
	}
	if _, err := c.providers.Get(pair.Provider); err != nil {
		return nil, err
	}

	now := c.nowTime()
	record := &storage.Record{
		Provider:     pair.Provider,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		IDToken:      pair.IDToken,
		ExpiresAt:    c.expiry(pair.AccessToken, pair.Expiry, now),
		SavedAt:      now,
	}
	if !record.ExpiresAt.After(now) {
		return nil, autherrors.ErrTokenExpired
	}

	if err := c.repo.Save(ctx, record); err != nil {
		return nil, errors.Wrap(err, "[Client.SetSession] saving session")
	}
	c.logger.Debug().Str("provider", pair.Provider).Time("expires_at", record.ExpiresAt).Msg("session saved")
	return toSession(record), nil
}

// GetSession returns the persisted session, refreshing it first when it is within the
// expiry leeway. It returns nil, nil when there is none. A session that cannot be
// refreshed is deleted.
func (c *Client) GetSession(ctx context.Context) (*session.Session, error) {
	record, err := c.repo.Load(ctx)
	if errors.Is(err, autherrors.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Client.GetSession] loading session")
	}

	now := c.nowTime()
	if record.ExpiresAt.After(now.Add(c.config.GetExpiryLeeway())) {
		return toSession(record), nil
	}

	refreshed, err := c.refresh(ctx, record, now)
	if err != nil {
		if delErr := c.repo.Delete(ctx); delErr != nil {
			c.logger.Err(delErr).Msg("failed to delete unrefreshable session")
		}
		return nil, fmt.Errorf("[Client.GetSession] %w: %w", autherrors.ErrSessionExpired, err)
	}
	return toSession(refreshed), nil
}

// GetUser asks the session's provider who is signed in.
func (c *Client) GetUser(ctx context.Context) (*session.Identity, error) {
	record, err := c.repo.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.GetUser] loading session")
	}
	p, err := c.providers.Get(record.Provider)
	if err != nil {
		return nil, err
	}
	return p.UserInfo(ctx, record.AccessToken)
}

// SignOut revokes the session's tokens where the provider supports it and deletes the
// persisted session regardless. Revocation failures are returned after the delete.
func (c *Client) SignOut(ctx context.Context) error {
	record, err := c.repo.Load(ctx)
	if errors.Is(err, autherrors.ErrSessionNotFound) {
		return nil
	}

	var revokeErr error
	if err != nil {
		revokeErr = errors.Wrap(err, "[Client.SignOut] loading session")
	} else {
		revokeErr = c.revoke(ctx, record)
	}

	if err := c.repo.Delete(ctx); err != nil {
		return errors.Wrap(err, "[Client.SignOut] deleting session")
	}
	return revokeErr
}

func (c *Client) revoke(ctx context.Context, record *storage.Record) error {
	p, err := c.providers.Get(record.Provider)
	if err != nil {
		return err
	}

	logger := c.logger.With().Str("provider", record.Provider).Logger()
	tokens := []struct {
		value string
		hint  oauthmodel.TokenTypeHint
	}{
		{record.RefreshToken, oauthmodel.RefreshTokenHint},
		{record.AccessToken, oauthmodel.AccessTokenHint},
	}

	var firstErr error
	for _, t := range tokens {
		if t.value == "" {
			continue
		}
		err := p.Revoke(ctx, t.value, t.hint)
		switch {
		case err == nil:
		case errors.Is(err, autherrors.ErrUnsupported):
			logger.Debug().Msg("provider has no revocation endpoint")
			return nil
		default:
			logger.Err(err).Str("token_type", string(t.hint)).Msg("failed to revoke token")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *Client) refresh(ctx context.Context, record *storage.Record, now time.Time) (*storage.Record, error) {
	p, err := c.providers.Get(record.Provider)
	if err != nil {
		return nil, err
	}
	token, err := p.Refresh(ctx, record.RefreshToken)
	if err != nil {
		return nil, err
	}

	refreshed := &storage.Record{
		Provider:     record.Provider,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      record.IDToken,
		ExpiresAt:    c.expiry(token.AccessToken, token.Expiry, now),
		SavedAt:      now,
	}
	if idToken := provider.IDToken(token); idToken != "" {
		refreshed.IDToken = idToken
	}
	if !refreshed.ExpiresAt.After(now) {
		return nil, autherrors.ErrTokenExpired
	}
	if err := c.repo.Save(ctx, refreshed); err != nil {
		return nil, errors.Wrap(err, "[Client.refresh] saving session")
	}
	c.logger.Debug().Str("provider", record.Provider).Time("expires_at", refreshed.ExpiresAt).Msg("session refreshed")
	return refreshed, nil
}

// expiry picks the access token's expiry: the stated one, else its JWT exp claim,
// else the configured default lifetime.
func (c *Client) expiry(accessToken string, stated, now time.Time) time.Time {
	if !stated.IsZero() {
		return stated
	}
	if exp, ok := jwtExpiry(accessToken); ok {
		return exp
	}
	return now.Add(c.config.GetDefaultAccessTokenExpiry())
}

// jwtExpiry reads exp from a JWT access token without verifying it. Opaque tokens
// report false.
func jwtExpiry(accessToken string) (time.Time, bool) {
	token, _, err := jwt.NewParser().ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func toSession(record *storage.Record) *session.Session {
	return &session.Session{
		Provider:     record.Provider,
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		IDToken:      record.IDToken,
		ExpiresAt:    record.ExpiresAt,
	}
}
