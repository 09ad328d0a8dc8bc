// Package github provides the preset descriptor for GitHub sign-in.
//
// GitHub's user endpoint only returns the email for users who made it
// public, so this preset is used with the "user:email" scope; the generic
// adapter's login and avatar_url fallbacks handle the rest of the shape
// differences.
package github

import (
	"net/http"
	"time"

	"golang.org/x/oauth2/github"

	"github.com/authbridge/authbridge/providers"
	"github.com/authbridge/authbridge/providers/generic"
)

const userInfoURL = "https://api.github.com/user"

// Config holds GitHub OAuth configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a GitHub provider. Default scopes are read:user and user:email.
func New(cfg Config) (*generic.Provider, error) {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"read:user", "user:email"}
	}

	return generic.New(generic.Config{
		Descriptor: providers.Descriptor{
			ID:           "github",
			AuthorizeURL: github.Endpoint.AuthURL,
			TokenURL:     github.Endpoint.TokenURL,
			UserInfoURL:  userInfoURL,
			Scopes:       scopes,
		},
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		HTTPClient:   cfg.HTTPClient,
		Timeout:      cfg.Timeout,
	})
}
