package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jrsteele09/brewmate-auth/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Deliverer receives redirects caught by the loopback listener.
type Deliverer interface {
	Deliver(raw string) error
	Cancel() bool
}

// Server is the loopback HTTP listener. It receives the identity provider's redirect
// for http targets and redirects relayed by other processes for any target.
type Server struct {
	env          string // Environment (e.g., "DEV", "PROD")
	addr         string
	redirectPath string // empty for custom scheme targets
	redirectHost string
	mux          *http.ServeMux
	routes       []string
	deliverer    Deliverer
	logger       zerolog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	serveErr   chan error
}

// ServerOption defines a function type to modify the Server instance.
type ServerOption func(*Server)

func WithLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func New(cfg config.EnvConfig, deliverer Deliverer, options ...ServerOption) (*Server, error) {
	if deliverer == nil {
		return nil, errors.New("[Server New] deliverer is required")
	}
	redirectURL, err := url.Parse(cfg.GetRedirectURL())
	if err != nil {
		return nil, fmt.Errorf("[Server New] parsing redirect URL: %w", err)
	}

	// Only an http target is redirected to this listener. Custom scheme links arrive
	// through RouteAuthDeliver from the process the operating system launched.
	var redirectPath, redirectHost string
	if redirectURL.Scheme == "http" {
		redirectHost = redirectURL.Host
		redirectPath = redirectURL.Path
		if redirectPath == "" {
			redirectPath = "/"
		}
	}

	s := &Server{
		env:          cfg.GetEnv(),
		addr:         cfg.GetCallbackAddr(),
		redirectPath: redirectPath,
		redirectHost: redirectHost,
		mux:          http.NewServeMux(),
		deliverer:    deliverer,
		logger:       log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}

	s.initRoutes()
	s.logRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

// Start binds the listen address and serves in the background. Bind errors are
// returned here rather than from the serving goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("[Server.Start] already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("[Server.Start] listening on %s: %w", s.addr, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	s.serveErr = make(chan error, 1)

	go func(srv *http.Server, errs chan<- error) {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("callback listener started")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Err(err).Msg("callback listener stopped")
			errs <- err
		}
		close(errs)
	}(s.httpServer, s.serveErr)
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, errs := s.httpServer, s.serveErr
	s.httpServer = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("[Server.Shutdown] %w", err)
	}
	return <-errs
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			s.logRoute(parts[0], parts[1])
		} else {
			s.logRoute("", parts[0])
		}
	}
}

func (s *Server) logRoute(method, path string) {
	paddedMethod := fmt.Sprintf(" %-7s", method)
	color, ok := methodColors[method]
	if !ok {
		color = Gray
	}
	s.logger.Info().Msgf("[%-19s] %s", color+paddedMethod+ResetColor, path)
}

// trustedHost reports whether host is the listener itself or the loopback redirect
// target. Neither comes from the request.
func (s *Server) trustedHost(host string) bool {
	return host == s.Addr() || (s.redirectHost != "" && strings.EqualFold(host, s.redirectHost))
}

// getScheme determines the scheme (http/https) the request arrived on.
func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
