package providers

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// DefaultExchangeTimeout bounds every provider token and user-info call.
// A hung provider surfaces as an error, never a stuck request.
const DefaultExchangeTimeout = 10 * time.Second

// ExchangeWithTimeout performs an oauth2 code exchange with a bounded
// timeout and a caller-supplied HTTP client.
func ExchangeWithTimeout(ctx context.Context, cfg *oauth2.Config, httpClient *http.Client, code string, timeout time.Duration) (*oauth2.Token, error) {
	if timeout <= 0 {
		timeout = DefaultExchangeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	return cfg.Exchange(ctx, code)
}
