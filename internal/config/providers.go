package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// ProviderConfig describes one OIDC identity provider the user can sign in with.
type ProviderConfig struct {
	Name         string   `yaml:"name"`
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"clientID"`
	ClientSecret string   `yaml:"clientSecret"`
	Scopes       []string `yaml:"scopes"`
	// AuthParams are extra query parameters added to the authorization URL (e.g. prompt).
	AuthParams map[string]string `yaml:"authParams"`
}

type providersFile struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// LoadProviders reads the providers file when one is configured and falls back to the
// google and kakao defaults otherwise.
func LoadProviders(c EnvConfig) ([]ProviderConfig, error) {
	path := c.GetProvidersFile()
	if path == "" {
		return DefaultProviders(), nil
	}
	return ReadProvidersFile(path)
}

func ReadProvidersFile(path string) ([]ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading providers file: %w", err)
	}

	var f providersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing providers file: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Providers))
	for i, p := range f.Providers {
		if p.Name == "" || p.Issuer == "" || p.ClientID == "" {
			return nil, fmt.Errorf("provider %d: name, issuer and clientID are required", i)
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("provider %q declared twice", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return f.Providers, nil
}

func DefaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			Name:         "google",
			Issuer:       "https://accounts.google.com",
			ClientID:     GetEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: GetEnv("GOOGLE_CLIENT_SECRET", ""),
			Scopes:       []string{"openid", "profile", "email"},
			AuthParams:   map[string]string{"access_type": "offline", "prompt": "consent"},
		},
		{
			Name:         "kakao",
			Issuer:       "https://kauth.kakao.com",
			ClientID:     GetEnv("KAKAO_CLIENT_ID", ""),
			ClientSecret: GetEnv("KAKAO_CLIENT_SECRET", ""),
			Scopes:       []string{"openid", "profile_nickname", "account_email"},
		},
	}
}
