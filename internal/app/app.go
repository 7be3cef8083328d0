package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jrsteele09/brewmate-auth/authflow"
	"github.com/jrsteele09/brewmate-auth/backend"
	"github.com/jrsteele09/brewmate-auth/browser"
	"github.com/jrsteele09/brewmate-auth/internal/config"
	"github.com/jrsteele09/brewmate-auth/provider"
	"github.com/jrsteele09/brewmate-auth/redirect"
	"github.com/jrsteele09/brewmate-auth/server"
	"github.com/jrsteele09/brewmate-auth/session"
	"github.com/jrsteele09/brewmate-auth/storage"
	"github.com/jrsteele09/brewmate-auth/storage/filestore"
	"github.com/jrsteele09/brewmate-auth/storage/valkeystore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"
)

// App wires the session store, the redirect coordinator and everything behind them.
type App struct {
	Config      config.Config
	Providers   *provider.Registry
	Backend     *backend.Client
	Coordinator *redirect.Coordinator
	Store       *session.Store
	// Server catches loopback redirects and relayed custom scheme links. Nil when
	// built WithoutCallbackServer.
	Server *server.Server

	noServer  bool
	browser   redirect.Browser
	repo      storage.Repo
	providers []config.ProviderConfig
	logger    zerolog.Logger
	closers   []func()
}

// Option defines a function type to modify the App instance.
type Option func(*App)

func WithBrowser(b redirect.Browser) Option {
	return func(a *App) {
		a.browser = b
	}
}

// WithSessionRepo overrides the configured session storage.
func WithSessionRepo(repo storage.Repo) Option {
	return func(a *App) {
		a.repo = repo
	}
}

// WithProviders overrides the configured providers.
func WithProviders(providers []config.ProviderConfig) Option {
	return func(a *App) {
		a.providers = providers
	}
}

// WithoutCallbackServer skips the callback listener, for commands that never sign in
// and must not hold the callback address.
func WithoutCallbackServer() Option {
	return func(a *App) {
		a.noServer = true
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

func New(cfg config.Config, options ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("[app New] config is required")
	}
	a := &App{Config: cfg, logger: log.Logger}
	for _, opt := range options {
		opt(a)
	}

	if err := a.build(); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	var err error

	if a.providers == nil {
		if a.providers, err = config.LoadProviders(a.Config); err != nil {
			return fmt.Errorf("[app New] loading providers: %w", err)
		}
	}
	if a.repo == nil {
		if a.repo, err = a.sessionRepo(); err != nil {
			return err
		}
	}
	if a.browser == nil {
		a.browser = browser.NewSystem(browser.WithFallback(os.Stderr), browser.WithLogger(a.logger))
	}

	a.Providers, err = provider.NewRegistry(a.providers, a.Config.GetRedirectURL(),
		provider.WithDiscoveryTTL(a.Config.GetDiscoveryCacheTTL()),
		provider.WithLogger(a.logger),
	)
	if err != nil {
		return fmt.Errorf("[app New] %w", err)
	}

	a.Backend, err = backend.NewClient(a.Providers, authflow.NewInMemoryRepo(), a.repo, a.Config, backend.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("[app New] %w", err)
	}

	target, err := redirect.NewTarget(a.Config.GetRedirectURL())
	if err != nil {
		return fmt.Errorf("[app New] %w", err)
	}
	a.Coordinator, err = redirect.NewCoordinator(a.Backend, a.browser, target,
		redirect.WithBrowserTimeout(a.Config.GetBrowserTimeout()),
		redirect.WithLogger(a.logger),
	)
	if err != nil {
		return fmt.Errorf("[app New] %w", err)
	}

	a.Store, err = session.NewStore(a.Backend, a.Coordinator, session.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("[app New] %w", err)
	}

	if a.noServer {
		return nil
	}
	a.Server, err = server.New(a.Config, a.Coordinator, server.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("[app New] %w", err)
	}
	return nil
}

func (a *App) sessionRepo() (storage.Repo, error) {
	switch kind := a.Config.GetSessionStore(); kind {
	case config.StorageMemory:
		return storage.NewInMemoryRepo(), nil
	case config.StorageFile:
		repo, err := filestore.NewRepo(a.Config.GetSessionFile(), a.Config.GetSessionKey())
		if err != nil {
			return nil, fmt.Errorf("[app New] session file store: %w", err)
		}
		return repo, nil
	case config.StorageValkey:
		client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{a.Config.GetValkeyAddr()}})
		if err != nil {
			return nil, fmt.Errorf("[app New] connecting to valkey: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		repo, err := valkeystore.NewRepo(client, a.Config.GetValkeyPrefix(), a.Config.GetSessionAccount())
		if err != nil {
			return nil, fmt.Errorf("[app New] %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("[app New] unknown session store %q", kind)
	}
}

// Start registers the redirect listener, starts the callback server when there is one
// and loads any persisted session.
func (a *App) Start(ctx context.Context) error {
	if err := a.Coordinator.Start(); err != nil {
		return fmt.Errorf("[App.Start] %w", err)
	}
	if a.Server != nil {
		if err := a.Server.Start(); err != nil {
			a.Coordinator.Close()
			return fmt.Errorf("[App.Start] %w", err)
		}
	}
	a.Store.Open(ctx)
	return nil
}

func (a *App) Close(ctx context.Context) error {
	var err error
	if a.Server != nil {
		err = a.Server.Shutdown(ctx)
	}
	a.Coordinator.Close()
	a.Store.Close()
	a.closeResources()
	return err
}

func (a *App) closeResources() {
	for _, c := range a.closers {
		c()
	}
	a.closers = nil
}
