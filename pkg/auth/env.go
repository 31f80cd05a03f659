package auth

import (
	"context"
	"os"
)

// envVars maps environment variable names to cookie names.
var envVars = map[string]string{
	"TWITTER_AUTH_TOKEN": "auth_token",
	"TWITTER_CT0":        "ct0",
	"TWITTER_TWID":       "twid",
	"TWITTER_GUEST_ID":   "guest_id",
	"TWITTER_KDT":        "kdt",
	"TWITTER_ATT":        "att",
}

// EnvSource reads session cookies from environment variables.
type EnvSource struct{}

// Cookies returns cookies from environment variables.
func (EnvSource) Cookies(_ context.Context) (map[string]string, error) {
	cookies := make(map[string]string)
	for envVar, cookieName := range envVars {
		if value := os.Getenv(envVar); value != "" {
			cookies[cookieName] = value
		}
	}

	if len(cookies) == 0 {
		return nil, nil //nolint:nilnil // no env vars set is not an error
	}
	return cookies, nil
}

// EnvVarNames returns the environment variable names consulted by EnvSource.
// This is useful for generating help messages.
func EnvVarNames() []string {
	vars := make([]string, 0, len(envVars))
	for envVar := range envVars {
		vars = append(vars, envVar)
	}
	return vars
}
