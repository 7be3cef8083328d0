package config

import (
	"os"
)

const (
	appNameVar       = "APP_NAME"
	redirectURLVar   = "REDIRECT_URL"
	callbackAddrVar  = "CALLBACK_ADDR"
	providersFileVar = "PROVIDERS_FILE"
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "Brewmate")
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

// GetRedirectURL returns the registered redirect target the identity providers send
// the user back to (e.g. "http://127.0.0.1:8765/auth/callback" or "brewmate://auth").
// Redirects that do not match it exactly are never trusted.
func (EnvVars) GetRedirectURL() string {
	return GetEnv(redirectURLVar, "http://127.0.0.1:8765/auth/callback")
}

// GetCallbackAddr is the loopback address the callback listener binds to.
func (EnvVars) GetCallbackAddr() string {
	return GetEnv(callbackAddrVar, "127.0.0.1:8765")
}

func (EnvVars) GetProvidersFile() string {
	return GetEnv(providersFileVar, "")
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
