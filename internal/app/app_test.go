package app_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/jrsteele09/brewmate-auth/internal/app"
	"github.com/jrsteele09/brewmate-auth/internal/config"
	"github.com/jrsteele09/brewmate-auth/internal/oidctest"
	"github.com/jrsteele09/brewmate-auth/server"
	"github.com/jrsteele09/brewmate-auth/session"
	"github.com/jrsteele09/brewmate-auth/storage/filestore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// loopbackBrowser consents at the fake provider and follows the redirect to the
// loopback listener, as a real browser would.
type loopbackBrowser struct {
	idp         *oidctest.Server
	redirectURL string
}

func (b *loopbackBrowser) Open(_ context.Context, authURL string) (<-chan struct{}, error) {
	code, state, err := b.idp.Approve(authURL)
	if err != nil {
		return nil, err
	}
	resp, err := http.Get(b.redirectURL + "?" + url.Values{"code": {code}, "state": {state}}.Encode())
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("callback returned %s", resp.Status)
	}
	return nil, nil
}

// relayBrowser consents at the fake provider and hands the custom scheme redirect to
// the callback server's deliver route, as "brewmate deliver" does for the OS.
type relayBrowser struct {
	idp          *oidctest.Server
	redirectURL  string
	callbackAddr string
}

func (b *relayBrowser) Open(_ context.Context, authURL string) (<-chan struct{}, error) {
	code, state, err := b.idp.Approve(authURL)
	if err != nil {
		return nil, err
	}
	link := b.redirectURL + "?" + url.Values{"code": {code}, "state": {state}}.Encode()
	resp, err := http.PostForm("http://"+b.callbackAddr+server.RouteAuthDeliver, url.Values{"url": {link}})
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("deliver returned %s", resp.Status)
	}
	return nil, nil
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func setupEnv(t *testing.T, idp *oidctest.Server) string {
	t.Helper()
	dir := t.TempDir()

	providers := filepath.Join(dir, "providers.yaml")
	require.NoError(t, os.WriteFile(providers, []byte(fmt.Sprintf(`
providers:
  - name: kakao
    issuer: %s
    clientID: %s
    clientSecret: %s
    scopes: [openid]
`, idp.Issuer(), oidctest.ClientID, oidctest.ClientSecret)), 0o600))

	key, err := filestore.GenerateKey()
	require.NoError(t, err)

	addr := freeAddr(t)
	redirectURL := "http://" + addr + "/auth/callback"
	t.Setenv("ENV", "TEST")
	t.Setenv("REDIRECT_URL", redirectURL)
	t.Setenv("CALLBACK_ADDR", addr)
	t.Setenv("PROVIDERS_FILE", providers)
	t.Setenv("SESSION_STORE", string(config.StorageFile))
	t.Setenv("SESSION_FILE", filepath.Join(dir, "session.sealed"))
	t.Setenv("SESSION_KEY", key)
	return redirectURL
}

func TestApp_SignInSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	idp := oidctest.NewServer(t)
	redirectURL := setupEnv(t, idp)

	start := func() *app.App {
		a, err := app.New(config.New(),
			app.WithBrowser(&loopbackBrowser{idp: idp, redirectURL: redirectURL}),
			app.WithLogger(zerolog.Nop()),
		)
		require.NoError(t, err)
		require.NotNil(t, a.Server)
		require.NoError(t, a.Start(ctx))
		return a
	}

	first := start()
	require.False(t, first.Store.State().IsAuthenticated)
	require.NoError(t, first.Store.SignIn(ctx, "kakao"))
	require.True(t, first.Store.State().IsAuthenticated)
	require.NoError(t, first.Close(ctx))

	second := start()
	state := second.Store.State()
	require.True(t, state.IsAuthenticated)
	require.Equal(t, "user-1", state.User.ID)

	second.Store.SignOut(ctx)
	require.False(t, second.Store.State().IsAuthenticated)
	require.NoError(t, second.Close(ctx))

	third := start()
	require.False(t, third.Store.State().IsAuthenticated)
	require.NoError(t, third.Close(ctx))
}

func TestApp_CustomSchemeSignIn(t *testing.T) {
	ctx := context.Background()
	idp := oidctest.NewServer(t)
	setupEnv(t, idp)

	const redirectURL = "brewmate://auth"
	addr := freeAddr(t)
	t.Setenv("REDIRECT_URL", redirectURL)
	t.Setenv("CALLBACK_ADDR", addr)

	a, err := app.New(config.New(),
		app.WithBrowser(&relayBrowser{idp: idp, redirectURL: redirectURL, callbackAddr: addr}),
		app.WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	require.NotNil(t, a.Server)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() { _ = a.Close(ctx) })

	require.NoError(t, a.Store.SignIn(ctx, "kakao"))
	state := a.Store.State()
	require.True(t, state.IsAuthenticated)
	require.Equal(t, "user-1", state.User.ID)
}

func TestApp_UnknownProvider(t *testing.T) {
	ctx := context.Background()
	idp := oidctest.NewServer(t)
	redirectURL := setupEnv(t, idp)

	a, err := app.New(config.New(),
		app.WithBrowser(&loopbackBrowser{idp: idp, redirectURL: redirectURL}),
		app.WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() { _ = a.Close(ctx) })

	err = a.Store.SignIn(ctx, "github")
	var sie *session.SignInError
	require.ErrorAs(t, err, &sie)
	require.False(t, session.IsCancelled(err))
}

func TestApp_Configuration(t *testing.T) {
	t.Run("commands that never sign in skip the callback server", func(t *testing.T) {
		t.Setenv("REDIRECT_URL", "brewmate://auth")
		t.Setenv("SESSION_STORE", string(config.StorageMemory))
		a, err := app.New(config.New(),
			app.WithProviders([]config.ProviderConfig{{Name: "kakao", Issuer: "https://kauth.kakao.com", ClientID: "c"}}),
			app.WithoutCallbackServer(),
			app.WithLogger(zerolog.Nop()),
		)
		require.NoError(t, err)
		require.Nil(t, a.Server)
	})

	t.Run("file store needs a key", func(t *testing.T) {
		t.Setenv("SESSION_STORE", string(config.StorageFile))
		t.Setenv("SESSION_KEY", "")
		_, err := app.New(config.New(), app.WithLogger(zerolog.Nop()))
		require.Error(t, err)
	})

	t.Run("unknown store", func(t *testing.T) {
		t.Setenv("SESSION_STORE", "floppy")
		_, err := app.New(config.New(), app.WithLogger(zerolog.Nop()))
		require.Error(t, err)
	})
}
