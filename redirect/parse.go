package redirect

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jrsteele09/brewmate-auth/oauthmodel"
	"github.com/jrsteele09/brewmate-auth/session"
)

// ErrForeignRedirect is returned for URLs that are not aimed at the registered redirect
// target. They are ordinary deep links and carry no credentials we will trust.
var ErrForeignRedirect = errors.New("url does not match the registered redirect target")

// Payload is the credential material extracted from a redirect.
type Payload struct {
	Shape        oauthmodel.ResponseShape
	Code         string
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	State        string
}

// Target is a parsed registered redirect URL.
type Target struct {
	u *url.URL
}

func NewTarget(raw string) (*Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect target: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("redirect target %q needs a scheme and a host", raw)
	}
	return &Target{u: u}, nil
}

func (t *Target) String() string {
	return t.u.String()
}

// Matches reports whether u is aimed at the target. Scheme and host compare case
// insensitively, paths compare ignoring a trailing slash.
func (t *Target) Matches(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, t.u.Scheme) &&
		strings.EqualFold(u.Host, t.u.Host) &&
		strings.TrimSuffix(u.Path, "/") == strings.TrimSuffix(t.u.Path, "/")
}

// Parse validates raw against the target and extracts the code or token shape from
// its query and fragment. Provider errors come back as *session.ProviderError, a
// declined consent as session.ErrSignInCancelled.
func Parse(target *Target, raw string) (*Payload, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrUnrecognizedRedirect, err)
	}
	if !target.Matches(u) {
		return nil, ErrForeignRedirect
	}

	params, err := redirectParams(u)
	if err != nil {
		return nil, err
	}

	if code := params.Get(oauthmodel.ParamError); code != "" {
		if code == oauthmodel.ErrorAccessDenied {
			return nil, fmt.Errorf("%w: consent declined", session.ErrSignInCancelled)
		}
		return nil, &session.ProviderError{Code: code, Description: params.Get(oauthmodel.ParamErrorDescription)}
	}

	p := &Payload{State: params.Get(oauthmodel.ParamState)}

	if code := params.Get(oauthmodel.ParamCode); code != "" {
		p.Shape = oauthmodel.CodeShape
		p.Code = code
		return p, nil
	}

	access, refresh := params.Get(oauthmodel.ParamAccessToken), params.Get(oauthmodel.ParamRefreshToken)
	if access != "" && refresh != "" {
		p.Shape = oauthmodel.TokenShape
		p.AccessToken = access
		p.RefreshToken = refresh
		if v := params.Get(oauthmodel.ParamExpiresIn); v != "" {
			secs, err := strconv.Atoi(v)
			if err != nil || secs <= 0 {
				return nil, fmt.Errorf("%w: bad %s %q", session.ErrUnrecognizedRedirect, oauthmodel.ParamExpiresIn, v)
			}
			p.ExpiresIn = time.Duration(secs) * time.Second
		}
		return p, nil
	}

	return nil, session.ErrUnrecognizedRedirect
}

// redirectParams merges query and fragment parameters. A parameter given more than
// once, in either or both places, is rejected rather than guessed at.
func redirectParams(u *url.URL) (url.Values, error) {
	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: bad query: %v", session.ErrUnrecognizedRedirect, err)
	}
	fragment, err := url.ParseQuery(u.EscapedFragment())
	if err != nil {
		return nil, fmt.Errorf("%w: bad fragment: %v", session.ErrUnrecognizedRedirect, err)
	}

	merged := make(url.Values, len(query)+len(fragment))
	for _, src := range []url.Values{query, fragment} {
		for k, vs := range src {
			merged[k] = append(merged[k], vs...)
		}
	}
	for k, vs := range merged {
		if len(vs) > 1 {
			return nil, fmt.Errorf("%w: parameter %q repeated", session.ErrUnrecognizedRedirect, k)
		}
	}
	return merged, nil
}
