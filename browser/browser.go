// Package browser opens the provider consent screen in the user's default browser.
package browser

import (
	"context"
	"fmt"
	"io"

	pkgbrowser "github.com/pkg/browser"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// System hands the consent URL to the operating system. It cannot tell when the user
// closes the tab, so the returned channel is always nil and the coordinator falls
// back to its browser timeout or an explicit cancel.
type System struct {
	open     func(url string) error
	fallback io.Writer
	logger   zerolog.Logger
}

// SystemOption defines a function type to modify the System instance.
type SystemOption func(*System)

// WithFallback prints the consent URL to w when no browser could be launched.
func WithFallback(w io.Writer) SystemOption {
	return func(s *System) {
		s.fallback = w
	}
}

func WithLogger(logger zerolog.Logger) SystemOption {
	return func(s *System) {
		s.logger = logger
	}
}

// WithOpener replaces the launcher (primarily for testing)
func WithOpener(open func(url string) error) SystemOption {
	return func(s *System) {
		s.open = open
	}
}

func NewSystem(options ...SystemOption) *System {
	pkgbrowser.Stdout = io.Discard
	pkgbrowser.Stderr = io.Discard

	s := &System{
		open:   pkgbrowser.OpenURL,
		logger: log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *System) Open(ctx context.Context, authURL string) (<-chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	err := s.open(authURL)
	if err == nil {
		return nil, nil
	}
	if s.fallback == nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	s.logger.Warn().Err(err).Msg("could not launch a browser, printing the sign in URL instead")
	if _, werr := fmt.Fprintf(s.fallback, "Open this URL to sign in:\n\n  %s\n\n", authURL); werr != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	return nil, nil
}
