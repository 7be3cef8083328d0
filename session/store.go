package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const refreshKey = "refresh"

// Backend is the session API the Store drives. GetSession returns nil, nil when no
// session is persisted. SignOut must drop the persisted session even when the remote
// invalidation fails.
type Backend interface {
	SetSession(ctx context.Context, pair TokenPair) (*Session, error)
	GetSession(ctx context.Context) (*Session, error)
	GetUser(ctx context.Context) (*Identity, error)
	SignOut(ctx context.Context) error
}

// Sink receives the token material produced by a sign-in.
type Sink interface {
	SetSession(ctx context.Context, pair TokenPair) error
}

// Authorizer runs the provider specific browser and redirect choreography and hands
// the resulting tokens to sink.
type Authorizer interface {
	Authorize(ctx context.Context, provider string, sink Sink) error
}

// Store is the single source of truth for whether the user is signed in, and as whom.
// It is the only writer of the Session and Identity it holds.
type Store struct {
	backend    Backend
	authorizer Authorizer
	logger     zerolog.Logger
	nowTime    func() time.Time

	mu         sync.RWMutex
	session    *Session
	user       *Identity
	loading    int
	opened     bool
	epoch      uint64 // bumped by sign out; refreshes from an older epoch are discarded
	refreshSeq uint64
	appliedSeq uint64

	refreshes singleflight.Group

	signInMu sync.Mutex
	signIn   chan struct{} // closed when the outstanding sign-in finishes
	signOut  chan struct{} // closed when the outstanding sign-out finishes

	subsMu sync.Mutex
	subs   map[int]chan State
	nextID int
	closed bool
}

var _ Sink = (*Store)(nil)

// StoreOption defines a function type to modify the Store instance.
type StoreOption func(*Store)

func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

func NewStore(backend Backend, authorizer Authorizer, options ...StoreOption) (*Store, error) {
	if backend == nil {
		return nil, errors.New("[NewStore] backend is required")
	}
	if authorizer == nil {
		return nil, errors.New("[NewStore] authorizer is required")
	}

	s := &Store{
		backend:    backend,
		authorizer: authorizer,
		logger:     log.Logger,
		nowTime:    time.Now,
		subs:       make(map[int]chan State),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Open loads any persisted session. Until it returns, State reports IsLoading.
func (s *Store) Open(ctx context.Context) {
	s.Refresh(ctx)

	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()
	s.notify()
}

// Close releases every subscriber.
func (s *Store) Close() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		User:            s.user.clone(),
		Session:         s.session.clone(),
		IsLoading:       !s.opened || s.loading > 0,
		IsAuthenticated: s.session != nil,
	}
}

// Subscribe returns a channel carrying the latest State after every change, starting
// with the current one. Slow readers only ever miss intermediate states.
func (s *Store) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- s.State()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Refresh reloads the session and identity from the backend. Concurrent calls share a
// single lookup. Failures leave the store signed out; they are logged, never returned.
func (s *Store) Refresh(ctx context.Context) {
	ch := s.refreshes.DoChan(refreshKey, func() (interface{}, error) {
		s.refresh(context.WithoutCancel(ctx))
		return nil, nil
	})
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

func (s *Store) refresh(ctx context.Context) {
	epoch, seq := s.startRefresh()
	defer s.endLoading()

	sess, err := s.backend.GetSession(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("session lookup failed, treating as signed out")
		s.apply(epoch, seq, nil, nil)
		return
	}
	if sess == nil {
		s.apply(epoch, seq, nil, nil)
		return
	}
	if !sess.Valid(s.nowTime()) {
		s.logger.Warn().Str("provider", sess.Provider).Msg("backend returned an incomplete or expired session")
		s.apply(epoch, seq, nil, nil)
		return
	}

	user, err := s.backend.GetUser(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("provider", sess.Provider).Msg("identity lookup failed, treating as signed out")
		s.apply(epoch, seq, nil, nil)
		return
	}
	if user == nil {
		s.logger.Warn().Str("provider", sess.Provider).Msg("no identity for session, treating as signed out")
		s.apply(epoch, seq, nil, nil)
		return
	}

	s.apply(epoch, seq, sess, user)
}

// SetSession hands sign-in token material to the backend. The Store's own state is
// normalised by the refresh that follows every sign-in.
func (s *Store) SetSession(ctx context.Context, pair TokenPair) error {
	if _, err := s.backend.SetSession(ctx, pair); err != nil {
		return pkgerrors.Wrap(err, "[Store.SetSession] backend.SetSession")
	}
	return nil
}

// SignIn runs the provider flow and then refreshes. It returns ErrSignInInProgress when
// another sign-in is outstanding, and otherwise a *SignInError on any failure;
// IsCancelled distinguishes a deliberate cancel from a failure.
func (s *Store) SignIn(ctx context.Context, provider string) error {
	done, err := s.beginSignIn(ctx)
	if err != nil {
		if errors.Is(err, ErrSignInInProgress) {
			return err
		}
		return NewSignInError(provider, err)
	}
	defer s.endSignIn(done)

	epoch := s.beginLoading()
	defer s.endLoading()

	logger := s.logger.With().Str("provider", provider).Logger()

	if err := s.authorizer.Authorize(ctx, provider, s); err != nil {
		if errors.Is(err, ErrSignInInProgress) {
			return err
		}
		if IsCancelled(err) {
			logger.Info().Msg("sign in cancelled")
		} else {
			logger.Warn().Err(err).Msg("sign in failed")
		}
		s.Refresh(ctx)
		return NewSignInError(provider, err)
	}

	if s.currentEpoch() != epoch {
		logger.Info().Msg("signed out while sign in was in flight, discarding session")
		if err := s.backend.SignOut(context.WithoutCancel(ctx)); err != nil {
			logger.Warn().Err(err).Msg("remote sign out of discarded session failed")
		}
		return NewSignInError(provider, ErrSignInCancelled)
	}

	// Start a fresh lookup; one already in flight may predate the new session.
	s.refreshes.Forget(refreshKey)
	s.Refresh(ctx)

	if !s.State().IsAuthenticated {
		logger.Warn().Msg("sign in completed without a usable session")
		return NewSignInError(provider, ErrNoSession)
	}
	logger.Info().Msg("signed in")
	return nil
}

// SignOut invalidates the remote session and clears local state. Local sign out always
// wins: a failing remote call is logged and the store still ends up signed out.
// It first waits, bounded by ctx, for an outstanding sign-in to resolve. A sign-in
// started while the sign out runs waits for it to finish.
func (s *Store) SignOut(ctx context.Context) {
	done := s.beginSignOut(ctx)
	defer s.endSignOut(done)

	s.mu.Lock()
	s.epoch++
	s.loading++
	s.mu.Unlock()
	s.notify()
	defer s.endLoading()

	if err := s.backend.SignOut(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("remote sign out failed, clearing local session anyway")
	}

	s.mu.Lock()
	s.epoch++
	s.session = nil
	s.user = nil
	s.mu.Unlock()
	s.notify()
}

// beginSignIn claims the sign-in slot, first waiting for a sign out in progress.
func (s *Store) beginSignIn(ctx context.Context) (chan struct{}, error) {
	for {
		s.signInMu.Lock()
		if s.signIn != nil {
			s.signInMu.Unlock()
			return nil, ErrSignInInProgress
		}
		out := s.signOut
		if out == nil {
			s.signIn = make(chan struct{})
			done := s.signIn
			s.signInMu.Unlock()
			return done, nil
		}
		s.signInMu.Unlock()

		select {
		case <-out:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrSignInCancelled, ctx.Err())
		}
	}
}

func (s *Store) endSignIn(done chan struct{}) {
	s.signInMu.Lock()
	defer s.signInMu.Unlock()
	if s.signIn == done {
		s.signIn = nil
	}
	close(done)
}

// beginSignOut waits, bounded by ctx, for any sign-in or other sign out to finish and
// then claims the sign-out slot. When ctx runs out first it proceeds without the slot
// and the epoch guard discards the late sign-in.
func (s *Store) beginSignOut(ctx context.Context) chan struct{} {
	for {
		s.signInMu.Lock()
		busy := s.signIn
		if busy == nil {
			busy = s.signOut
		}
		if busy == nil {
			s.signOut = make(chan struct{})
			done := s.signOut
			s.signInMu.Unlock()
			return done
		}
		s.signInMu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			s.logger.Warn().Msg("sign out proceeding while a sign in is still in flight")
			return nil
		}
	}
}

func (s *Store) endSignOut(done chan struct{}) {
	if done == nil {
		return
	}
	s.signInMu.Lock()
	defer s.signInMu.Unlock()
	if s.signOut == done {
		s.signOut = nil
	}
	close(done)
}

func (s *Store) currentEpoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

func (s *Store) beginLoading() uint64 {
	s.mu.Lock()
	s.loading++
	epoch := s.epoch
	s.mu.Unlock()
	s.notify()
	return epoch
}

func (s *Store) startRefresh() (epoch, seq uint64) {
	s.mu.Lock()
	s.loading++
	s.refreshSeq++
	epoch, seq = s.epoch, s.refreshSeq
	s.mu.Unlock()
	s.notify()
	return epoch, seq
}

func (s *Store) endLoading() {
	s.mu.Lock()
	s.loading--
	s.mu.Unlock()
	s.notify()
}

// apply writes a refresh result unless a sign out or a later refresh got there first.
func (s *Store) apply(epoch, seq uint64, sess *Session, user *Identity) {
	s.mu.Lock()
	if epoch != s.epoch || seq < s.appliedSeq {
		s.mu.Unlock()
		s.logger.Debug().Msg("discarding stale refresh result")
		return
	}
	s.appliedSeq = seq
	s.session = sess.clone()
	s.user = user.clone()
	s.mu.Unlock()
	s.notify()
}

func (s *Store) notify() {
	st := s.State()

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
			// Replace the unread state with the latest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}
