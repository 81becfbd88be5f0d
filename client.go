// Package oidcrp wires the Discovery, JWKS, Token, and Authorization
// Orchestrator components into a single relying-party client: one
// constructor resolves the IdP's discovery document, builds the
// dependent components from it, and validates the invariants
// connector/oidc.Config.Open enforces on its own config (non-empty
// clientID/redirectURI/issuer, a private key present when
// private_key_jwt is requested, and so on) before returning.
package oidcrp

import (
	"context"
	"time"

	"github.com/dexidp/oidcrp/auth"
	"github.com/dexidp/oidcrp/pkg/discovery"
	"github.com/dexidp/oidcrp/pkg/httpclient"
	"github.com/dexidp/oidcrp/pkg/jwt"
	"github.com/dexidp/oidcrp/pkg/jwks"
	"github.com/dexidp/oidcrp/pkg/log"
	"github.com/dexidp/oidcrp/pkg/oidcerr"
	"github.com/dexidp/oidcrp/pkg/pkce"
	"github.com/dexidp/oidcrp/pkg/statestore"
	"github.com/dexidp/oidcrp/token"
)

// Re-exported so callers only need to import this package for the common
// case.
type (
	GrantType  = auth.GrantType
	AuthMethod = token.AuthMethod
	PKCEMethod = pkce.Method
)

const (
	AuthorizationCode = auth.AuthorizationCode
	Implicit          = auth.Implicit
	DeviceCode        = auth.DeviceCode
	ClientCredentials = auth.ClientCredentials
	RefreshTokenGrant = auth.RefreshToken
	JWTBearer         = auth.JWTBearer
	SAML2Bearer       = auth.SAML2Bearer
	CustomGrant       = auth.Custom
)

// Config is a client's process-lifetime, immutable-after-construction
// configuration.
type Config struct {
	ClientID               string
	ClientSecret           string
	RedirectURI            string
	PostLogoutRedirectURI  string
	Scopes                 []string
	DiscoveryURL           string
	GrantType              GrantType

	PKCE       bool
	PKCEMethod PKCEMethod

	TokenEndpointAuthMethod   AuthMethod
	PrivateKeyPEM             string
	RequestObjectSigningAlg   string
	TLSClientBoundAccessToken bool

	TokenRefreshThreshold time.Duration
	ClockSkew             time.Duration

	AcrValues        []string
	UILocales        string
	Prompt           string
	Display          string
	AdditionalParams map[string]string

	HTTPClientOptions httpclient.Options
	DiscoveryTTL      time.Duration
	JWKSTTL           time.Duration
	Logger            log.Logger
	Now               func() time.Time
}

func (c Config) validate() error {
	if c.ClientID == "" {
		return oidcerr.New(oidcerr.CodeConfigError, "clientId must not be empty")
	}
	if c.DiscoveryURL == "" {
		return oidcerr.New(oidcerr.CodeConfigError, "discoveryUrl must not be empty")
	}
	if c.RedirectURI == "" {
		return oidcerr.New(oidcerr.CodeConfigError, "redirectUri must not be empty")
	}
	if c.PKCE && c.GrantType == AuthorizationCode {
		switch c.PKCEMethod {
		case pkce.S256, pkce.Plain, "":
		default:
			return oidcerr.New(oidcerr.CodeInvalidPKCEConfig, "pkceMethod must be S256 or plain")
		}
	}
	switch c.TokenEndpointAuthMethod {
	case token.ClientSecretJWT, token.ClientSecretBasic, token.ClientSecretPost:
		if c.ClientSecret == "" {
			return oidcerr.New(oidcerr.CodeMissingClientSecret,
				string(c.TokenEndpointAuthMethod)+" requires clientSecret")
		}
	case token.PrivateKeyJWT:
		if c.PrivateKeyPEM == "" {
			return oidcerr.New(oidcerr.CodeMissingPrivateKey, "private_key_jwt requires privateKeyPem")
		}
		if c.RequestObjectSigningAlg == "" {
			return oidcerr.New(oidcerr.CodeMissingSigningAlg, "private_key_jwt requires requestObjectSigningAlg")
		}
	case token.TLSClientAuth:
		if !c.TLSClientBoundAccessToken {
			return oidcerr.New(oidcerr.CodeMissingTLSCert, "tls_client_auth requires tlsClientBoundAccessToken")
		}
	}
	return nil
}

// Client is the assembled relying-party client: discovery-resolved
// metadata plus the JWKS, Token, and Authorization Orchestrator
// components built from it.
type Client struct {
	cfg      Config
	metadata discovery.Metadata

	discovery *discovery.Client
	jwks      *jwks.Client
	token     *token.Client
	auth      *auth.Orchestrator
}

// New resolves cfg.DiscoveryURL and assembles a Client from the result.
// The initial discovery fetch happens synchronously; ctx bounds it.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PKCE && cfg.GrantType == AuthorizationCode && cfg.PKCEMethod == "" {
		cfg.PKCEMethod = pkce.S256
	}

	httpClient, err := httpclient.New(cfg.HTTPClientOptions)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.CodeConfigError, "failed to build http client", err)
	}

	discoveryClient := discovery.New(cfg.DiscoveryURL, discovery.Options{
		HTTPClient: httpClient, Logger: cfg.Logger, TTL: cfg.DiscoveryTTL,
	})
	metadata, err := discoveryClient.Discover(ctx, false)
	if err != nil {
		return nil, err
	}

	jwksClient := jwks.New(metadata.JWKSURI, jwks.Options{
		HTTPClient: httpClient, Logger: cfg.Logger, TTL: cfg.JWKSTTL,
	})

	tokenClient := token.New(token.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,

		Issuer:                metadata.Issuer,
		TokenEndpoint:         metadata.TokenEndpoint,
		IntrospectionEndpoint: metadata.IntrospectionEndpoint,
		RevocationEndpoint:    metadata.RevocationEndpoint,
		UserinfoEndpoint:      metadata.UserinfoEndpoint,

		TokenEndpointAuthMethod:   cfg.TokenEndpointAuthMethod,
		PrivateKeyPEM:             cfg.PrivateKeyPEM,
		RequestObjectSigningAlg:   cfg.RequestObjectSigningAlg,
		TLSClientBoundAccessToken: cfg.TLSClientBoundAccessToken,

		TokenRefreshThreshold: cfg.TokenRefreshThreshold,
		HTTPClient:            httpClient,
		Logger:                cfg.Logger,
		KeyResolver:           jwksClient,
		Now:                   cfg.Now,
	})

	authOrchestrator := auth.New(auth.Config{
		GrantType:   cfg.GrantType,
		ClientID:    cfg.ClientID,
		RedirectURI: cfg.RedirectURI,
		Issuer:      metadata.Issuer,

		AuthorizationEndpoint:       metadata.AuthorizationEndpoint,
		DeviceAuthorizationEndpoint: metadata.DeviceAuthorizationEndpoint,
		EndSessionEndpoint:          metadata.EndSessionEndpoint,

		Scopes:    cfg.Scopes,
		UILocales: cfg.UILocales,
		AcrValues: cfg.AcrValues,
		Prompt:    cfg.Prompt,
		Display:   cfg.Display,

		PKCE:       cfg.PKCE,
		PKCEMethod: cfg.PKCEMethod,

		TokenClient: tokenClient,
		KeyResolver: jwksClient,
		StateStore:  statestore.New(statestore.Options{Now: cfg.Now}),

		HTTPClient: httpClient,
		Logger:     cfg.Logger,
		Now:        cfg.Now,
		ClockSkew:  cfg.ClockSkew,
	})

	return &Client{
		cfg:       cfg,
		metadata:  metadata,
		discovery: discoveryClient,
		jwks:      jwksClient,
		token:     tokenClient,
		auth:      authOrchestrator,
	}, nil
}

// Metadata returns the discovery document resolved at construction (or by
// the most recent RefreshMetadata call).
func (c *Client) Metadata() discovery.Metadata { return c.metadata }

// RefreshMetadata forces a new discovery fetch, bypassing the TTL cache,
// and updates the metadata the other components were built from. It does
// not rebuild the Token/Auth components, so already-configured endpoints
// stay in effect until the process restarts.
func (c *Client) RefreshMetadata(ctx context.Context) (discovery.Metadata, error) {
	metadata, err := c.discovery.Discover(ctx, true)
	if err != nil {
		return discovery.Metadata{}, err
	}
	c.metadata = metadata
	return metadata, nil
}

// GetAuthorizationURL starts an Authorization-Code, Implicit, or
// Device-Code authentication attempt.
func (c *Client) GetAuthorizationURL(ctx context.Context, extra map[string]string) (auth.AuthorizationURL, error) {
	return c.auth.GetAuthorizationURL(ctx, extra)
}

// HandleRedirect completes an Authorization-Code callback.
func (c *Client) HandleRedirect(ctx context.Context, code, state string) (*token.TokenSet, error) {
	return c.auth.HandleRedirect(ctx, code, state)
}

// HandleRedirectForImplicitFlow completes an Implicit-flow callback.
func (c *Client) HandleRedirectForImplicitFlow(ctx context.Context, fragment string) (*token.TokenSet, error) {
	return c.auth.HandleRedirectForImplicitFlow(ctx, fragment)
}

// StartDeviceAuthorization begins a Device-Code authentication attempt.
func (c *Client) StartDeviceAuthorization(ctx context.Context) (auth.DeviceAuthorization, error) {
	return c.auth.StartDeviceAuthorization(ctx)
}

// PollDeviceToken polls for completion of a Device-Code authentication.
func (c *Client) PollDeviceToken(ctx context.Context, deviceCode string, interval, timeout time.Duration) (*token.TokenSet, error) {
	return c.auth.PollDeviceToken(ctx, deviceCode, interval, timeout)
}

// GetLogoutURL builds an RP-initiated logout URL.
func (c *Client) GetLogoutURL(idTokenHint, state string) (string, error) {
	return c.auth.GetLogoutURL(idTokenHint, state)
}

// ClientCredentials performs a client_credentials grant.
func (c *Client) ClientCredentials(ctx context.Context, scope string) (*token.TokenSet, error) {
	return c.token.ClientCredentials(ctx, scope)
}

// GetAccessToken returns the current access token, refreshing it first if
// needed.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	return c.token.GetAccessToken(ctx)
}

// RefreshAccessToken forces a refresh of the current token.
func (c *Client) RefreshAccessToken(ctx context.Context) (*token.TokenSet, error) {
	return c.token.RefreshAccessToken(ctx)
}

// Introspect calls the introspection endpoint.
func (c *Client) Introspect(ctx context.Context, tok, tokenTypeHint string) (map[string]any, error) {
	return c.token.Introspect(ctx, tok, tokenTypeHint)
}

// Revoke calls the revocation endpoint.
func (c *Client) Revoke(ctx context.Context, tok, tokenTypeHint string) error {
	return c.token.Revoke(ctx, tok, tokenTypeHint)
}

// GetClaims returns the current access token's claims.
func (c *Client) GetClaims(ctx context.Context) (map[string]any, error) {
	return c.token.GetClaims(ctx)
}

// Current returns the currently stored TokenSet, or nil.
func (c *Client) Current() *token.TokenSet { return c.token.Current() }

// VerifyIDToken verifies an arbitrary ID token against this client's
// issuer, audience, and JWKS, without consulting the state ledger. Useful
// for a form_post response mode where the token arrives out of band from
// handleRedirect's code/state pair.
func (c *Client) VerifyIDToken(ctx context.Context, idToken, expectedNonce string) (jwt.Claims, error) {
	return jwt.Verify(ctx, idToken, c.jwks, jwt.ValidateOptions{
		ExpectedIssuer:   c.metadata.Issuer,
		ExpectedAudience: c.cfg.ClientID,
		ExpectedNonce:    expectedNonce,
		ClockSkew:        c.cfg.ClockSkew,
		Now:              c.cfg.Now,
	})
}
