package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientCredentialsConfig holds the service principal used for the exchange.
type ClientCredentialsConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// AuthorityURL is the identity endpoint root, e.g. https://login.microsoftonline.com.
	AuthorityURL string

	// Scope is requested for the token, e.g. https://api.fabric.microsoft.com/.default.
	Scope string

	// HTTPClient is used for the exchange. Nil means http.DefaultClient.
	HTTPClient *http.Client
}

// ClientCredentialsProvider exchanges a client secret for a bearer token
// using the OAuth2 client credentials grant.
type ClientCredentialsProvider struct {
	config     clientcredentials.Config
	httpClient *http.Client
}

// NewClientCredentialsProvider validates cfg and builds the token endpoint.
func NewClientCredentialsProvider(cfg ClientCredentialsConfig) (*ClientCredentialsProvider, error) {
	var missing []string
	if cfg.TenantID == "" {
		missing = append(missing, "tenant id")
	}
	if cfg.ClientID == "" {
		missing = append(missing, "client id")
	}
	if cfg.ClientSecret == "" {
		missing = append(missing, "client secret")
	}
	if cfg.AuthorityURL == "" {
		missing = append(missing, "authority url")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("client credentials incomplete: missing %s", strings.Join(missing, ", "))
	}

	var scopes []string
	if cfg.Scope != "" {
		scopes = []string{cfg.Scope}
	}

	return &ClientCredentialsProvider{
		config: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     TokenURL(cfg.AuthorityURL, cfg.TenantID),
			Scopes:       scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: cfg.HTTPClient,
	}, nil
}

// TokenURL returns the v2 token endpoint for tenant under authority.
func TokenURL(authority, tenant string) string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(authority, "/"), tenant)
}

// FetchToken performs the exchange.
func (p *ClientCredentialsProvider) FetchToken(ctx context.Context) (*oauth2.Token, error) {
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	return p.config.Token(ctx)
}

// StaticProvider returns a fixed token. It is used for dry runs and for
// tokens obtained out of band.
type StaticProvider struct {
	Token    string
	Lifetime time.Duration
}

// FetchToken returns the configured token.
func (p StaticProvider) FetchToken(_ context.Context) (*oauth2.Token, error) {
	if p.Token == "" {
		return nil, fmt.Errorf("static token is empty")
	}
	lifetime := p.Lifetime
	if lifetime <= 0 {
		lifetime = fallbackLifetime
	}
	return &oauth2.Token{
		AccessToken: p.Token,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(lifetime),
	}, nil
}
