// Package oidc implements the bundled {{oidcToken()}} interpolation
// resolver: a client-credentials OIDC exchange that hands the interpolator
// a bearer token. Grounded on internal/plugins/auth/oidc.go's
// provider-discovery + oauth2.Config construction, reduced to the
// client-credentials grant only — there is no login/callback surface here,
// since the control plane's own auth is a single static bearer token.
package oidc

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/rjsadow/httpflow/internal/interpolate"
)

// Config is the resolver's static configuration, sourced from the
// control-plane configuration loaded by internal/config rather than
// per-request variables.
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// Timeout bounds the discovery call and each token exchange. Defaults
	// to 10s.
	Timeout time.Duration
}

// Resolver performs OIDC discovery once at construction and thereafter
// runs a fresh client-credentials exchange for a bearer token on every
// {{oidcToken()}} call; tokens are not cached between calls.
type Resolver struct {
	cfg     clientcredentials.Config
	timeout time.Duration
}

// New discovers the issuer's OIDC configuration and builds a Resolver ready
// to register. Discovery happens once; later token exchanges reuse the
// discovered token endpoint.
func New(ctx context.Context, c Config) (*Resolver, error) {
	if c.Issuer == "" || c.ClientID == "" || c.ClientSecret == "" {
		return nil, fmt.Errorf("oidc: issuer, clientId, and clientSecret are required")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	discoverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	provider, err := oidc.NewProvider(discoverCtx, c.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc: discovering provider at %s: %w", c.Issuer, err)
	}

	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID}
	}

	return &Resolver{
		cfg: clientcredentials.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     provider.Endpoint().TokenURL,
			Scopes:       scopes,
		},
		timeout: timeout,
	}, nil
}

// Register binds the resolver under the "oidcToken" name in registry. The
// argument text inside {{oidcToken(...)}} is ignored; the grant carries no
// per-call parameters.
func (r *Resolver) Register(registry *interpolate.Registry) {
	registry.Register("oidcToken", func(arg string) (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		tok, err := r.cfg.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("oidc: client-credentials exchange: %w", err)
		}
		return tok.AccessToken, nil
	})
}
