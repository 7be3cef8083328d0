package redirect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jrsteele09/brewmate-auth/oauthmodel"
	"github.com/jrsteele09/brewmate-auth/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultBrowserTimeout = 5 * time.Minute
	deliveryBuffer        = 8

	// closeGrace covers browsers that report closing before the redirect that closed
	// them has been delivered.
	closeGrace = 500 * time.Millisecond
)

var (
	ErrNotListening     = errors.New("redirect listener is not running")
	ErrAlreadyListening = errors.New("redirect listener already started")
	ErrDeliveryBacklog  = errors.New("redirect delivery backlog full")
)

// Phase is where the attempt in flight is in the sign-in state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBrowserOpen
	PhaseExchanging
	PhaseSessionSet
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBrowserOpen:
		return "browser_open"
	case PhaseExchanging:
		return "exchanging"
	case PhaseSessionSet:
		return "session_set"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Authorization is a started provider flow: the consent URL to open and the state the
// redirect must echo.
type Authorization struct {
	URL   string
	State string
}

// Backend starts provider flows and exchanges authorization codes.
type Backend interface {
	BeginOAuth(ctx context.Context, provider string) (*Authorization, error)
	ExchangeCode(ctx context.Context, state, code string) (session.TokenPair, error)
}

// Browser shows the consent screen. The returned channel is closed when the user
// dismisses it; a nil channel means the browser cannot report that.
type Browser interface {
	Open(ctx context.Context, authURL string) (<-chan struct{}, error)
}

type result struct {
	payload *Payload
	err     error
}

type attempt struct {
	provider   string
	state      string
	phase      Phase
	results    chan result
	cancel     chan struct{}
	cancelOnce sync.Once
}

// Coordinator bridges the browser hosted consent screen and the Store. It owns the one
// redirect listener of the process and allows a single sign-in attempt at a time.
type Coordinator struct {
	backend Backend
	browser Browser
	target  *Target
	timeout time.Duration
	logger  zerolog.Logger
	nowTime func() time.Time

	deliveries chan string
	stop       chan struct{}
	wg         sync.WaitGroup

	mu        sync.Mutex
	listening bool
	closed    bool
	pending   *attempt
}

var _ session.Authorizer = (*Coordinator)(nil)

// CoordinatorOption defines a function type to modify the Coordinator instance.
type CoordinatorOption func(*Coordinator)

// WithBrowserTimeout bounds how long an attempt waits for its redirect.
func WithBrowserTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

func WithLogger(logger zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithNowTime(nowFunc func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.nowTime = nowFunc
	}
}

func NewCoordinator(backend Backend, browser Browser, target *Target, options ...CoordinatorOption) (*Coordinator, error) {
	if backend == nil {
		return nil, errors.New("[NewCoordinator] backend is required")
	}
	if browser == nil {
		return nil, errors.New("[NewCoordinator] browser is required")
	}
	if target == nil {
		return nil, errors.New("[NewCoordinator] redirect target is required")
	}

	c := &Coordinator{
		backend:    backend,
		browser:    browser,
		target:     target,
		timeout:    defaultBrowserTimeout,
		logger:     log.Logger,
		nowTime:    time.Now,
		deliveries: make(chan string, deliveryBuffer),
		stop:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Start registers the redirect listener. It runs until Close, independent of any
// sign-in attempt.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotListening
	}
	if c.listening {
		return ErrAlreadyListening
	}
	c.listening = true

	c.wg.Add(1)
	go c.listen()
	return nil
}

// Close releases the listener and unblocks any attempt in flight as a cancellation.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stop)
	c.mu.Unlock()

	c.wg.Wait()
}

// Deliver hands an inbound app URL to the listener.
func (c *Coordinator) Deliver(raw string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.listening || c.closed {
		return ErrNotListening
	}
	select {
	case c.deliveries <- raw:
		return nil
	default:
		return ErrDeliveryBacklog
	}
}

// Cancel abandons the attempt in flight, as when the user closes the consent screen.
// It reports whether there was one.
func (c *Coordinator) Cancel() bool {
	c.mu.Lock()
	att := c.pending
	c.mu.Unlock()
	if att == nil {
		return false
	}
	att.cancelOnce.Do(func() { close(att.cancel) })
	return true
}

func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return PhaseIdle
	}
	return c.pending.phase
}

// Authorize runs one sign-in attempt for provider and hands the resulting tokens to
// sink. A second call while one is outstanding returns session.ErrSignInInProgress
// without opening another browser.
func (c *Coordinator) Authorize(ctx context.Context, provider string, sink session.Sink) error {
	att, err := c.begin(provider)
	if err != nil {
		return err
	}
	defer c.finish(att)

	logger := c.logger.With().Str("provider", provider).Logger()

	authz, err := c.backend.BeginOAuth(ctx, provider)
	if err != nil {
		return session.NewSignInError(provider, err)
	}
	c.setState(att, authz.State)
	c.setPhase(att, PhaseBrowserOpen)
	logger.Debug().Str("phase", PhaseBrowserOpen.String()).Msg("opening consent screen")

	closed, err := c.browser.Open(ctx, authz.URL)
	if err != nil {
		return session.NewSignInError(provider, fmt.Errorf("opening browser: %w", err))
	}

	payload, err := c.wait(ctx, att, closed)
	if err != nil {
		return session.NewSignInError(provider, err)
	}

	pair := session.TokenPair{Provider: provider}
	switch payload.Shape {
	case oauthmodel.CodeShape:
		c.setPhase(att, PhaseExchanging)
		logger.Debug().Str("phase", PhaseExchanging.String()).Msg("exchanging authorization code")
		exchanged, err := c.backend.ExchangeCode(ctx, att.state, payload.Code)
		if err != nil {
			return session.NewSignInError(provider, fmt.Errorf("%w: %w", session.ErrExchangeFailed, err))
		}
		pair = exchanged
		pair.Provider = provider
	case oauthmodel.TokenShape:
		pair.AccessToken = payload.AccessToken
		pair.RefreshToken = payload.RefreshToken
		if payload.ExpiresIn > 0 {
			pair.Expiry = c.nowTime().Add(payload.ExpiresIn)
		}
	default:
		return session.NewSignInError(provider, session.ErrUnrecognizedRedirect)
	}

	c.setPhase(att, PhaseSessionSet)
	if err := sink.SetSession(ctx, pair); err != nil {
		return session.NewSignInError(provider, err)
	}
	logger.Debug().Str("phase", PhaseSessionSet.String()).Msg("session handed to store")
	return nil
}

func (c *Coordinator) wait(ctx context.Context, att *attempt, closed <-chan struct{}) (*Payload, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-att.results:
		return res.payload, res.err
	case <-closed:
		select {
		case res := <-att.results:
			return res.payload, res.err
		case <-time.After(closeGrace):
			return nil, fmt.Errorf("%w: consent screen closed", session.ErrSignInCancelled)
		}
	case <-att.cancel:
		return nil, session.ErrSignInCancelled
	case <-timer.C:
		return nil, fmt.Errorf("%w: no redirect within %s", session.ErrSignInCancelled, c.timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", session.ErrSignInCancelled, ctx.Err())
	case <-c.stop:
		return nil, fmt.Errorf("%w: redirect listener closed", session.ErrSignInCancelled)
	}
}

func (c *Coordinator) begin(provider string) (*attempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.listening || c.closed {
		return nil, ErrNotListening
	}
	if c.pending != nil {
		return nil, session.ErrSignInInProgress
	}
	c.pending = &attempt{
		provider: provider,
		phase:    PhaseIdle,
		results:  make(chan result, 1),
		cancel:   make(chan struct{}),
	}
	return c.pending, nil
}

func (c *Coordinator) finish(att *attempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	att.phase = PhaseIdle
	if c.pending == att {
		c.pending = nil
	}
}

func (c *Coordinator) setPhase(att *attempt, p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	att.phase = p
}

func (c *Coordinator) setState(att *attempt, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	att.state = state
}

func (c *Coordinator) listen() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case raw := <-c.deliveries:
			c.handle(raw)
		}
	}
}

func (c *Coordinator) handle(raw string) {
	payload, err := Parse(c.target, raw)
	if errors.Is(err, ErrForeignRedirect) {
		c.logger.Debug().Msg("ignoring deep link that is not an auth redirect")
		return
	}

	c.mu.Lock()
	att := c.pending
	var phase Phase
	var state string
	if att != nil {
		phase, state = att.phase, att.state
	}
	c.mu.Unlock()

	if att == nil {
		c.logger.Warn().Msg("auth redirect received with no sign in in flight, dropping it")
		return
	}
	if phase != PhaseBrowserOpen {
		c.logger.Warn().Str("provider", att.provider).Str("phase", phase.String()).Msg("duplicate auth redirect ignored")
		return
	}
	// Both shapes must echo the attempt's state.
	if err == nil && state != "" && payload.State != state {
		err = session.ErrStateMismatch
	}

	select {
	case att.results <- result{payload: payload, err: err}:
	default:
		c.logger.Warn().Str("provider", att.provider).Msg("duplicate auth redirect ignored")
	}
}
