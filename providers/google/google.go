// Package google provides the preset descriptor for Google sign-in.
package google

import (
	"net/http"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/authbridge/authbridge/providers"
	"github.com/authbridge/authbridge/providers/generic"
)

const userInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// Config holds Google OAuth configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a Google provider. Default scopes are openid, email, profile.
func New(cfg Config) (*generic.Provider, error) {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}

	return generic.New(generic.Config{
		Descriptor: providers.Descriptor{
			ID:           "google",
			AuthorizeURL: google.Endpoint.AuthURL,
			TokenURL:     google.Endpoint.TokenURL,
			UserInfoURL:  userInfoURL,
			Scopes:       scopes,
		},
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		HTTPClient:   cfg.HTTPClient,
		Timeout:      cfg.Timeout,
	})
}
