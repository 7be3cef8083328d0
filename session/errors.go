package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSignInCancelled is returned when the user closed the consent screen, the flow
	// was abandoned past the browser timeout, or the provider reported access_denied.
	// It is not a failure and should not be shown as one.
	ErrSignInCancelled = errors.New("sign in cancelled")

	// ErrSignInInProgress is returned when a sign-in is started while another is outstanding.
	ErrSignInInProgress = errors.New("sign in already in progress")

	ErrUnrecognizedRedirect = errors.New("unrecognized redirect")
	ErrStateMismatch        = errors.New("redirect state does not match the sign in attempt")
	ErrExchangeFailed       = errors.New("authorization code exchange failed")
	ErrNoSession            = errors.New("sign in did not produce a session")
)

// SignInError is a sign-in attempt for a provider that did not produce a usable session.
type SignInError struct {
	Provider string
	Err      error
}

func (e *SignInError) Error() string {
	return fmt.Sprintf("sign in with %s: %v", e.Provider, e.Err)
}

func (e *SignInError) Unwrap() error {
	return e.Err
}

// NewSignInError wraps err for provider unless it is already a SignInError.
func NewSignInError(provider string, err error) error {
	var sie *SignInError
	if errors.As(err, &sie) {
		return err
	}
	return &SignInError{Provider: provider, Err: err}
}

// ProviderError is an error the identity provider reported on the redirect.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return "provider error: " + e.Code
	}
	return fmt.Sprintf("provider error: %s (%s)", e.Code, e.Description)
}

// IsCancelled reports whether err is a user cancellation rather than a failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrSignInCancelled)
}
