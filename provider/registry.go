package provider

import (
	"net/http"
	"sort"
	"time"

	"github.com/jrsteele09/brewmate-auth/internal/config"
	autherrors "github.com/jrsteele09/brewmate-auth/internal/errors"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const defaultDiscoveryTTL = time.Hour

// Registry holds the configured providers by name.
type Registry struct {
	providers    map[string]*Provider
	discoveryTTL time.Duration
	httpClient   *http.Client
	logger       zerolog.Logger
}

// RegistryOption defines a function type to modify the Registry instance.
type RegistryOption func(*Registry)

// WithDiscoveryTTL sets how long a discovered issuer configuration is reused.
func WithDiscoveryTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		r.discoveryTTL = ttl
	}
}

func WithHTTPClient(client *http.Client) RegistryOption {
	return func(r *Registry) {
		r.httpClient = client
	}
}

func WithLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry builds a Provider for every config. Names must be unique and every
// provider redirects to redirectURL.
func NewRegistry(cfgs []config.ProviderConfig, redirectURL string, options ...RegistryOption) (*Registry, error) {
	if redirectURL == "" {
		return nil, errors.New("[NewRegistry] redirect URL is required")
	}
	if len(cfgs) == 0 {
		return nil, errors.New("[NewRegistry] at least one provider is required")
	}

	r := &Registry{
		providers:    make(map[string]*Provider, len(cfgs)),
		discoveryTTL: defaultDiscoveryTTL,
		httpClient:   http.DefaultClient,
		logger:       log.Logger,
	}
	for _, opt := range options {
		opt(r)
	}

	discoveries := cache.New(r.discoveryTTL, 2*r.discoveryTTL)
	fetches := &singleflight.Group{}
	for _, cfg := range cfgs {
		if cfg.Name == "" || cfg.Issuer == "" {
			return nil, errors.New("[NewRegistry] provider name and issuer are required")
		}
		if _, dup := r.providers[cfg.Name]; dup {
			return nil, errors.Errorf("[NewRegistry] provider %q registered twice", cfg.Name)
		}
		r.providers[cfg.Name] = &Provider{
			cfg:         cfg,
			redirectURL: redirectURL,
			httpClient:  r.httpClient,
			cache:       discoveries,
			fetches:     fetches,
			logger:      r.logger,
		}
	}
	return r, nil
}

// Get returns the provider registered as name.
func (r *Registry) Get(name string) (*Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, autherrors.Wrapf(autherrors.ErrUnknownProvider, "provider %q", name)
	}
	return p, nil
}

// Names lists the registered providers in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
