package session

import "time"

// Session is a currently valid authenticated login. A Session handed out by the Store
// always has every token field set and an expiry in the future.
type Session struct {
	Provider     string    // Provider the session was issued by (e.g. "google")
	AccessToken  string    // Provider issued, time-limited
	RefreshToken string    // Used to mint new access tokens
	IDToken      string    // OIDC ID token, when the provider returned one
	ExpiresAt    time.Time // When the access token expires
}

// Valid reports whether the session is complete and unexpired at now.
func (s *Session) Valid(now time.Time) bool {
	if s == nil {
		return false
	}
	return s.AccessToken != "" && s.RefreshToken != "" && !s.ExpiresAt.IsZero() && now.Before(s.ExpiresAt)
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Identity is the authenticated person behind a Session.
type Identity struct {
	ID       string // Provider assigned subject
	Email    string
	Name     string
	Provider string
}

func (i *Identity) clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// TokenPair is the token material a sign-in produces, either from a code exchange or
// directly from an implicit redirect. Expiry and IDToken are optional.
type TokenPair struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}

// State is a consistent snapshot of the Store.
type State struct {
	User            *Identity
	Session         *Session
	IsLoading       bool
	IsAuthenticated bool
}
