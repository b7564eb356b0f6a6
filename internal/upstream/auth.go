package upstream

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AuthConfig decorates outgoing requests with credentials.
type AuthConfig interface {
	Apply(req *http.Request)
}

// TransportWrapper is implemented by auth strategies that need to own the
// round trip, such as token refresh.
type TransportWrapper interface {
	WrapTransport(base http.RoundTripper) http.RoundTripper
}

// NoAuth represents no authentication.
type NoAuth struct{}

func (NoAuth) Apply(*http.Request) {}

// BasicAuth uses HTTP Basic Authentication.
type BasicAuth struct {
	Username string
	Password string
}

// Apply adds Basic auth header to the request.
func (a BasicAuth) Apply(req *http.Request) {
	if a.Username == "" && a.Password == "" {
		return
	}
	req.SetBasicAuth(a.Username, a.Password)
}

// BearerToken uses Bearer token authentication.
type BearerToken struct {
	Token string
}

// Apply adds Bearer token header to the request.
func (a BearerToken) Apply(req *http.Request) {
	if a.Token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
}

// APIKey sends a static key in a header.
type APIKey struct {
	Key    string
	Header string // default: X-API-Key
}

// Apply adds API key header to the request.
func (a APIKey) Apply(req *http.Request) {
	if a.Key == "" {
		return
	}
	header := a.Header
	if header == "" {
		header = "X-API-Key"
	}
	req.Header.Set(header, a.Key)
}

// ClientCredentials authenticates with the OAuth2 client-credentials grant.
// Tokens are fetched and refreshed by the wrapped transport.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// Apply is a no-op; the token is attached by WrapTransport.
func (ClientCredentials) Apply(*http.Request) {}

// WrapTransport returns an oauth2.Transport whose token requests also travel
// over base.
func (a ClientCredentials) WrapTransport(base http.RoundTripper) http.RoundTripper {
	cfg := &clientcredentials.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		TokenURL:     a.TokenURL,
		Scopes:       a.Scopes,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Transport: base})
	return &oauth2.Transport{Source: cfg.TokenSource(ctx), Base: base}
}
