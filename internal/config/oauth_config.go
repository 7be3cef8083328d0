package config

import "time"

type OAuthConfig interface {
	GetAuthCodeTimeout() time.Duration
	GetBrowserTimeout() time.Duration
	GetDefaultAccessTokenExpiry() time.Duration
	GetExpiryLeeway() time.Duration
	GetDiscoveryCacheTTL() time.Duration
}

type OAuth struct{}

var _ OAuthConfig = OAuth{}

// GetAuthCodeTimeout bounds how long a started authorization flow may wait for its code.
func (OAuth) GetAuthCodeTimeout() time.Duration {
	return 15 * time.Minute
}

// GetBrowserTimeout bounds the consent screen wait; exceeding it counts as a cancellation.
func (OAuth) GetBrowserTimeout() time.Duration {
	return 5 * time.Minute
}

// GetDefaultAccessTokenExpiry is used when neither the provider nor the token states an expiry.
func (OAuth) GetDefaultAccessTokenExpiry() time.Duration {
	return 1 * time.Hour
}

func (OAuth) GetExpiryLeeway() time.Duration {
	return 30 * time.Second
}

func (OAuth) GetDiscoveryCacheTTL() time.Duration {
	return 1 * time.Hour
}
