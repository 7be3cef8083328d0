package redirect_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/brewmate-auth/redirect"
	"github.com/jrsteele09/brewmate-auth/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testState = "state-123"

type fakeBackend struct {
	exchangeErr   error
	exchangeCalls atomic.Int32
	gotState      string
	gotCode       string
}

func (b *fakeBackend) BeginOAuth(_ context.Context, provider string) (*redirect.Authorization, error) {
	return &redirect.Authorization{URL: "https://idp.example.com/authorize?provider=" + provider, State: testState}, nil
}

func (b *fakeBackend) ExchangeCode(_ context.Context, state, code string) (session.TokenPair, error) {
	b.exchangeCalls.Add(1)
	b.gotState, b.gotCode = state, code
	if b.exchangeErr != nil {
		return session.TokenPair{}, b.exchangeErr
	}
	return session.TokenPair{AccessToken: "exchanged-access", RefreshToken: "exchanged-refresh"}, nil
}

// fakeBrowser records opens and lets the test close the consent screen.
type fakeBrowser struct {
	opens  atomic.Int32
	opened chan string
	closed chan struct{}
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{opened: make(chan string, 4), closed: make(chan struct{})}
}

func (b *fakeBrowser) Open(_ context.Context, authURL string) (<-chan struct{}, error) {
	b.opens.Add(1)
	b.opened <- authURL
	return b.closed, nil
}

type fakeSink struct {
	mu    sync.Mutex
	pairs []session.TokenPair
	err   error
}

func (s *fakeSink) SetSession(_ context.Context, pair session.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.pairs = append(s.pairs, pair)
	return nil
}

func (s *fakeSink) received() []session.TokenPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.TokenPair(nil), s.pairs...)
}

type coordinatorFixture struct {
	backend     *fakeBackend
	browser     *fakeBrowser
	sink        *fakeSink
	coordinator *redirect.Coordinator
}

func setupCoordinator(t *testing.T, options ...redirect.CoordinatorOption) *coordinatorFixture {
	t.Helper()

	f := &coordinatorFixture{
		backend: &fakeBackend{},
		browser: newFakeBrowser(),
		sink:    &fakeSink{},
	}
	options = append([]redirect.CoordinatorOption{redirect.WithLogger(zerolog.Nop())}, options...)
	c, err := redirect.NewCoordinator(f.backend, f.browser, mustTarget(t, "myapp://auth"), options...)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(c.Close)
	f.coordinator = c
	return f
}

// authorize starts a sign-in and waits until the consent screen is open.
func (f *coordinatorFixture) authorize(t *testing.T, ctx context.Context, provider string) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- f.coordinator.Authorize(ctx, provider, f.sink) }()
	select {
	case <-f.browser.opened:
	case <-time.After(time.Second):
		t.Fatal("browser never opened")
	}
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("sign in never resolved")
		return nil
	}
}

func TestCoordinator_TokenShape(t *testing.T) {
	f := setupCoordinator(t)
	done := f.authorize(t, context.Background(), "google")
	require.Equal(t, redirect.PhaseBrowserOpen, f.coordinator.Phase())

	require.NoError(t, f.coordinator.Deliver("myapp://auth?access_token=T1&refresh_token=T2&state="+testState))
	require.NoError(t, waitErr(t, done))

	pairs := f.sink.received()
	require.Len(t, pairs, 1)
	require.Equal(t, "T1", pairs[0].AccessToken)
	require.Equal(t, "T2", pairs[0].RefreshToken)
	require.Equal(t, "google", pairs[0].Provider)
	require.Equal(t, int32(0), f.backend.exchangeCalls.Load())
	require.Equal(t, redirect.PhaseIdle, f.coordinator.Phase())
}

func TestCoordinator_TokenShapeExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := setupCoordinator(t, redirect.WithNowTime(func() time.Time { return now }))
	done := f.authorize(t, context.Background(), "google")

	require.NoError(t, f.coordinator.Deliver("myapp://auth#access_token=T1&refresh_token=T2&expires_in=60&state="+testState))
	require.NoError(t, waitErr(t, done))
	require.Equal(t, now.Add(time.Minute), f.sink.received()[0].Expiry)
}

func TestCoordinator_CodeShape(t *testing.T) {
	f := setupCoordinator(t)
	done := f.authorize(t, context.Background(), "kakao")

	require.NoError(t, f.coordinator.Deliver("myapp://auth?code=ABC123&state="+testState))
	require.NoError(t, waitErr(t, done))

	require.Equal(t, int32(1), f.backend.exchangeCalls.Load())
	require.Equal(t, "ABC123", f.backend.gotCode)
	require.Equal(t, testState, f.backend.gotState)

	pairs := f.sink.received()
	require.Len(t, pairs, 1)
	require.Equal(t, "exchanged-access", pairs[0].AccessToken)
	require.Equal(t, "kakao", pairs[0].Provider)
}

func TestCoordinator_Failures(t *testing.T) {
	t.Run("exchange failure leaves the store alone", func(t *testing.T) {
		f := setupCoordinator(t)
		f.backend.exchangeErr = errors.New("invalid_grant")
		done := f.authorize(t, context.Background(), "kakao")

		require.NoError(t, f.coordinator.Deliver("myapp://auth?code=ABC123&state="+testState))
		err := waitErr(t, done)

		var sie *session.SignInError
		require.ErrorAs(t, err, &sie)
		require.Equal(t, "kakao", sie.Provider)
		require.ErrorIs(t, err, session.ErrExchangeFailed)
		require.False(t, session.IsCancelled(err))
		require.Empty(t, f.sink.received())
	})

	t.Run("unrecognized redirect", func(t *testing.T) {
		f := setupCoordinator(t)
		done := f.authorize(t, context.Background(), "google")

		require.NoError(t, f.coordinator.Deliver("myapp://auth?hello=world"))
		err := waitErr(t, done)
		require.ErrorIs(t, err, session.ErrUnrecognizedRedirect)
		require.Empty(t, f.sink.received())
	})

	t.Run("state mismatch", func(t *testing.T) {
		f := setupCoordinator(t)
		done := f.authorize(t, context.Background(), "kakao")

		require.NoError(t, f.coordinator.Deliver("myapp://auth?code=ABC123&state=forged"))
		err := waitErr(t, done)
		require.ErrorIs(t, err, session.ErrStateMismatch)
		require.Equal(t, int32(0), f.backend.exchangeCalls.Load())
	})

	t.Run("redirect without state", func(t *testing.T) {
		f := setupCoordinator(t)
		done := f.authorize(t, context.Background(), "google")

		require.NoError(t, f.coordinator.Deliver("myapp://auth?access_token=T1&refresh_token=T2"))
		err := waitErr(t, done)
		require.ErrorIs(t, err, session.ErrStateMismatch)
		require.Empty(t, f.sink.received())
	})

	t.Run("provider error", func(t *testing.T) {
		f := setupCoordinator(t)
		done := f.authorize(t, context.Background(), "kakao")

		require.NoError(t, f.coordinator.Deliver("myapp://auth?error=server_error"))
		var pe *session.ProviderError
		require.ErrorAs(t, waitErr(t, done), &pe)
	})

	t.Run("sink failure", func(t *testing.T) {
		f := setupCoordinator(t)
		f.sink.err = errors.New("token already expired")
		done := f.authorize(t, context.Background(), "google")

		require.NoError(t, f.coordinator.Deliver("myapp://auth?access_token=T1&refresh_token=T2&state="+testState))
		var sie *session.SignInError
		require.ErrorAs(t, waitErr(t, done), &sie)
	})

	t.Run("foreign deep links are ignored", func(t *testing.T) {
		f := setupCoordinator(t)
		done := f.authorize(t, context.Background(), "google")

		require.NoError(t, f.coordinator.Deliver("myapp://recipes/42"))
		require.NoError(t, f.coordinator.Deliver("myapp://auth?access_token=T1&refresh_token=T2&state="+testState))
		require.NoError(t, waitErr(t, done))
	})
}

func TestCoordinator_Cancellation(t *testing.T) {
	t.Run("browser closed", func(t *testing.T) {
		f := setupCoordinator(t)
		done := f.authorize(t, context.Background(), "google")

		close(f.browser.closed)
		err := waitErr(t, done)
		require.True(t, session.IsCancelled(err))
		require.Empty(t, f.sink.received())
	})

	t.Run("explicit cancel", func(t *testing.T) {
		f := setupCoordinator(t)
		done := f.authorize(t, context.Background(), "google")

		require.True(t, f.coordinator.Cancel())
		require.True(t, session.IsCancelled(waitErr(t, done)))
		require.False(t, f.coordinator.Cancel())
	})

	t.Run("browser timeout", func(t *testing.T) {
		f := setupCoordinator(t, redirect.WithBrowserTimeout(30*time.Millisecond))
		done := f.authorize(t, context.Background(), "google")

		err := waitErr(t, done)
		require.True(t, session.IsCancelled(err))
		require.Contains(t, err.Error(), "no redirect within")
	})

	t.Run("context cancelled", func(t *testing.T) {
		f := setupCoordinator(t)
		ctx, cancel := context.WithCancel(context.Background())
		done := f.authorize(t, ctx, "google")

		cancel()
		err := waitErr(t, done)
		require.True(t, session.IsCancelled(err))
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("consent declined", func(t *testing.T) {
		f := setupCoordinator(t)
		done := f.authorize(t, context.Background(), "google")

		require.NoError(t, f.coordinator.Deliver("myapp://auth?error=access_denied"))
		require.True(t, session.IsCancelled(waitErr(t, done)))
	})

	t.Run("close unblocks the attempt", func(t *testing.T) {
		f := setupCoordinator(t)
		done := f.authorize(t, context.Background(), "google")

		f.coordinator.Close()
		require.True(t, session.IsCancelled(waitErr(t, done)))
	})
}

func TestCoordinator_SingleAttempt(t *testing.T) {
	f := setupCoordinator(t)
	done := f.authorize(t, context.Background(), "google")

	err := f.coordinator.Authorize(context.Background(), "google", f.sink)
	require.ErrorIs(t, err, session.ErrSignInInProgress)
	require.Equal(t, int32(1), f.browser.opens.Load())

	require.NoError(t, f.coordinator.Deliver("myapp://auth?access_token=T1&refresh_token=T2&state="+testState))
	require.NoError(t, waitErr(t, done))

	// A late duplicate redirect with nothing in flight is dropped.
	require.NoError(t, f.coordinator.Deliver("myapp://auth?access_token=T3&refresh_token=T4&state="+testState))
	require.Eventually(t, func() bool { return len(f.sink.received()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_Lifecycle(t *testing.T) {
	c, err := redirect.NewCoordinator(&fakeBackend{}, newFakeBrowser(), mustTarget(t, "myapp://auth"), redirect.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	require.ErrorIs(t, c.Deliver("myapp://auth?code=A"), redirect.ErrNotListening)
	require.ErrorIs(t, c.Authorize(context.Background(), "google", &fakeSink{}), redirect.ErrNotListening)

	require.NoError(t, c.Start())
	require.ErrorIs(t, c.Start(), redirect.ErrAlreadyListening)

	c.Close()
	c.Close()
	require.ErrorIs(t, c.Deliver("myapp://auth?code=A"), redirect.ErrNotListening)
	require.ErrorIs(t, c.Start(), redirect.ErrNotListening)

	_, err = redirect.NewCoordinator(nil, newFakeBrowser(), mustTarget(t, "myapp://auth"))
	require.Error(t, err)
}
