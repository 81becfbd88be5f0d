// Package token implements the Token Client: grant exchange, proactive
// refresh, introspection, revocation, and claims extraction against an
// OpenID Provider's token endpoint. Request construction follows the same
// shape connector/oidc builds its oauth2.Config exchange calls with, and
// TokenSet embeds *oauth2.Token so the client's access/refresh token and
// expiry fields carry the same semantics (a zero Expiry means "valid
// indefinitely") that golang.org/x/oauth2 callers already expect.
package token

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"gopkg.in/square/go-jose.v2"

	jwtpkg "github.com/dexidp/oidcrp/pkg/jwt"
	"github.com/dexidp/oidcrp/pkg/log"
	"github.com/dexidp/oidcrp/pkg/mutex"
	"github.com/dexidp/oidcrp/pkg/oidcerr"
	"github.com/dexidp/oidcrp/pkg/urlutil"
)

// GrantType identifies the grant_type sent to the token endpoint. Values
// beyond the named constants are accepted verbatim for Custom.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantDeviceCode        GrantType = "urn:ietf:params:oauth:grant-type:device_code"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantClientCredentials GrantType = "client_credentials"
	GrantJWTBearer         GrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	GrantSAML2Bearer       GrantType = "urn:ietf:params:oauth:grant-type:saml2-bearer"
)

// AuthMethod identifies how the client authenticates at the token,
// introspection, and revocation endpoints.
type AuthMethod string

const (
	ClientSecretPost  AuthMethod = "client_secret_post"
	ClientSecretBasic AuthMethod = "client_secret_basic"
	ClientSecretJWT   AuthMethod = "client_secret_jwt"
	PrivateKeyJWT     AuthMethod = "private_key_jwt"
	TLSClientAuth     AuthMethod = "tls_client_auth"
	AuthMethodNone    AuthMethod = "none"
)

// ErrorResponse is a parsed OAuth2 token/device/introspection/revocation
// error body, attached as an oidcerr.Error's Context so callers (notably
// the device-polling loop in the auth package) can branch on the error
// field without re-parsing the response.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// TokenSet is the client's current token state. It embeds *oauth2.Token so
// Expiry/AccessToken/RefreshToken/TokenType carry the same zero-value
// semantics golang.org/x/oauth2 callers already rely on: a zero Expiry
// means the token has no known expiration.
type TokenSet struct {
	*oauth2.Token
	IDToken string
	Scope   string
}

type rawTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    *int64 `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (r rawTokenResponse) toTokenSet(now time.Time) *TokenSet {
	t := &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
	}
	if r.ExpiresIn != nil {
		t.Expiry = now.Add(time.Duration(*r.ExpiresIn) * time.Second)
	}
	return &TokenSet{Token: t, IDToken: r.IDToken, Scope: r.Scope}
}

// Config configures a Client.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	Issuer                string
	TokenEndpoint         string
	IntrospectionEndpoint string
	RevocationEndpoint    string
	UserinfoEndpoint      string

	TokenEndpointAuthMethod   AuthMethod
	PrivateKeyPEM             string
	RequestObjectSigningAlg   string
	TLSClientBoundAccessToken bool

	// TokenRefreshThreshold is how far ahead of expiry GetAccessToken
	// proactively triggers a refresh. Defaults to 60s.
	TokenRefreshThreshold time.Duration

	HTTPClient  *http.Client
	Logger      log.Logger
	KeyResolver jwtpkg.KeyResolver
	Now         func() time.Time
}

// Client is the Token Client described by spec.md §4.I.
type Client struct {
	cfg Config

	mu       *mutex.Mutex
	current  *TokenSet
	refresher singleflight.Group
}

// New constructs a Client. An unrecognized TokenEndpointAuthMethod is
// logged and treated as client_secret_post, matching spec.md §4.I.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TokenRefreshThreshold <= 0 {
		cfg.TokenRefreshThreshold = 60 * time.Second
	}
	switch cfg.TokenEndpointAuthMethod {
	case ClientSecretPost, ClientSecretBasic, ClientSecretJWT, PrivateKeyJWT, TLSClientAuth, AuthMethodNone:
	case "":
		cfg.TokenEndpointAuthMethod = ClientSecretPost
	default:
		cfg.Logger.Warnf("token: unrecognized tokenEndpointAuthMethod %q, defaulting to client_secret_post", cfg.TokenEndpointAuthMethod)
		cfg.TokenEndpointAuthMethod = ClientSecretPost
	}
	return &Client{
		cfg: cfg,
		mu:  mutex.New(mutex.Options{Name: "tokenclient", Reentrant: true}),
	}
}

// ExchangeAuthorizationCode exchanges an authorization code (plus an
// optional PKCE verifier) for a TokenSet and stores it.
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, code, codeVerifier string) (*TokenSet, error) {
	params := map[string]string{"code": code, "redirect_uri": c.cfg.RedirectURI}
	if codeVerifier != "" {
		params["code_verifier"] = codeVerifier
	}
	set, err := c.requestToken(ctx, GrantAuthorizationCode, params)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.CodeTokenExchangeError, "authorization code exchange failed", err)
	}
	c.storeLocked(set)
	return set, nil
}

// RequestDeviceToken issues one device-code grant POST, without the
// polling/backoff loop — that loop is the auth package's responsibility
// since it alone knows the polling interval and timeout.
func (c *Client) RequestDeviceToken(ctx context.Context, deviceCode string) (*TokenSet, error) {
	set, err := c.requestToken(ctx, GrantDeviceCode, map[string]string{"device_code": deviceCode})
	if err != nil {
		return nil, err
	}
	c.storeLocked(set)
	return set, nil
}

// ClientCredentials performs a client_credentials grant.
func (c *Client) ClientCredentials(ctx context.Context, scope string) (*TokenSet, error) {
	params := map[string]string{}
	if scope != "" {
		params["scope"] = scope
	}
	set, err := c.requestToken(ctx, GrantClientCredentials, params)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.CodeTokenRequestError, "client credentials grant failed", err)
	}
	c.storeLocked(set)
	return set, nil
}

// GetAccessToken returns the current access token, refreshing it first if
// it is within TokenRefreshThreshold of expiry (or already expired) and a
// refresh token is available. Returns NO_ACCESS_TOKEN if there is no
// token and nothing to refresh.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	current := c.snapshot()
	if current == nil {
		return "", oidcerr.New(oidcerr.CodeNoAccessToken, "no access token has been obtained")
	}
	if !current.Expiry.IsZero() && c.cfg.Now().Add(c.cfg.TokenRefreshThreshold).After(current.Expiry) {
		if current.RefreshToken == "" {
			return "", oidcerr.New(oidcerr.CodeNoAccessToken, "access token expired and no refresh token is available")
		}
		refreshed, err := c.RefreshAccessToken(ctx)
		if err != nil {
			return "", err
		}
		return refreshed.AccessToken, nil
	}
	return current.AccessToken, nil
}

// RefreshAccessToken refreshes the current token. Concurrent callers share
// one in-flight refresh request. On failure, the previously stored
// TokenSet is left intact.
func (c *Client) RefreshAccessToken(ctx context.Context) (*TokenSet, error) {
	v, err, _ := c.refresher.Do("refresh", func() (any, error) {
		current := c.snapshot()
		if current == nil || current.RefreshToken == "" {
			return nil, oidcerr.New(oidcerr.CodeNoAccessToken, "no refresh token is available")
		}
		set, err := c.requestToken(ctx, GrantRefreshToken, map[string]string{"refresh_token": current.RefreshToken})
		if err != nil {
			return nil, oidcerr.Wrap(oidcerr.CodeTokenRefreshError, "refresh failed", err)
		}
		if set.RefreshToken == "" {
			set.RefreshToken = current.RefreshToken
		}
		c.storeLocked(set)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*TokenSet), nil
}

// Introspect calls the introspection endpoint for token.
func (c *Client) Introspect(ctx context.Context, tok string, tokenTypeHint string) (map[string]any, error) {
	if c.cfg.IntrospectionEndpoint == "" {
		return nil, oidcerr.New(oidcerr.CodeEndpointMissing, "introspection_endpoint is not configured")
	}
	params := map[string]string{"token": tok}
	if tokenTypeHint != "" {
		params["token_type_hint"] = tokenTypeHint
	}
	body, err := c.postForm(ctx, c.cfg.IntrospectionEndpoint, params)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, oidcerr.Wrap(oidcerr.CodeTokenRequestError, "failed to parse introspection response", err)
	}
	return result, nil
}

// Revoke calls the revocation endpoint for token. If it matches the
// currently stored access or refresh token, the TokenSet is cleared.
func (c *Client) Revoke(ctx context.Context, tok string, tokenTypeHint string) error {
	if c.cfg.RevocationEndpoint == "" {
		return oidcerr.New(oidcerr.CodeEndpointMissing, "revocation_endpoint is not configured")
	}
	params := map[string]string{"token": tok}
	if tokenTypeHint != "" {
		params["token_type_hint"] = tokenTypeHint
	}
	if _, err := c.postForm(ctx, c.cfg.RevocationEndpoint, params); err != nil {
		return err
	}

	_, _ = mutex.RunExclusive(ctx, c.mu, "token.Revoke", func() (struct{}, error) {
		if c.current != nil && (c.current.AccessToken == tok || c.current.RefreshToken == tok) {
			c.current = nil
		}
		return struct{}{}, nil
	})
	return nil
}

// GetClaims ensures a valid access token, then returns its claims: if the
// access token is itself a JWT it is verified via pkg/jwt; otherwise it is
// treated as opaque and exchanged for claims at the userinfo endpoint.
func (c *Client) GetClaims(ctx context.Context) (map[string]any, error) {
	accessToken, err := c.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	if strings.Count(accessToken, ".") == 2 {
		if c.cfg.KeyResolver == nil {
			return nil, oidcerr.New(oidcerr.CodeConfigError, "no key resolver configured to verify a JWT access token")
		}
		claims, err := jwtpkg.Verify(ctx, accessToken, c.cfg.KeyResolver, jwtpkg.ValidateOptions{
			ExpectedIssuer:   c.cfg.Issuer,
			ExpectedAudience: c.cfg.ClientID,
			Now:              c.cfg.Now,
		})
		if err != nil {
			return nil, err
		}
		return claims.Raw, nil
	}

	if c.cfg.UserinfoEndpoint == "" {
		return nil, oidcerr.New(oidcerr.CodeEndpointMissing, "userinfo_endpoint is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.UserinfoEndpoint, nil)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.CodeTokenRequestError, "failed to build userinfo request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.CodeTokenRequestError, "userinfo request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.CodeTokenRequestError, "failed to read userinfo response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, oidcerr.New(oidcerr.CodeTokenRequestError, fmt.Sprintf("userinfo endpoint returned status %d", resp.StatusCode)).WithContext(string(body))
	}
	var claims map[string]any
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, oidcerr.Wrap(oidcerr.CodeTokenRequestError, "failed to parse userinfo response", err)
	}
	return claims, nil
}

// Current returns the currently stored TokenSet, or nil.
func (c *Client) Current() *TokenSet { return c.snapshot() }

// StoreTokenSet stores set as the client's current token. Used by callers
// that obtain a TokenSet without going through a grant exchange, such as
// the implicit-flow orchestrator parsing tokens straight out of a URL
// fragment.
func (c *Client) StoreTokenSet(set *TokenSet) {
	c.storeLocked(set)
}

func (c *Client) snapshot() *TokenSet {
	v, _ := mutex.RunExclusive(context.Background(), c.mu, "token.snapshot", func() (*TokenSet, error) {
		return c.current, nil
	})
	return v
}

func (c *Client) storeLocked(set *TokenSet) {
	_, _ = mutex.RunExclusive(context.Background(), c.mu, "token.store", func() (struct{}, error) {
		c.current = set
		return struct{}{}, nil
	})
}

// requestToken builds the base + grant-specific parameters, applies
// client authentication, and POSTs to the token endpoint.
func (c *Client) requestToken(ctx context.Context, grant GrantType, extra map[string]string) (*TokenSet, error) {
	params := map[string]string{"grant_type": string(grant)}
	for k, v := range extra {
		params[k] = v
	}

	body, err := c.postForm(ctx, c.cfg.TokenEndpoint, params)
	if err != nil {
		return nil, err
	}

	var raw rawTokenResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, oidcerr.Wrap(oidcerr.CodeTokenRequestError, "failed to parse token response", err)
	}
	return raw.toTokenSet(c.cfg.Now()), nil
}

// postForm applies client authentication to params, then POSTs the
// form-encoded body to endpoint.
func (c *Client) postForm(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	params = cloneParams(params)
	var basicAuthHeader string

	switch c.cfg.TokenEndpointAuthMethod {
	case ClientSecretPost:
		if c.cfg.ClientSecret == "" {
			return nil, oidcerr.New(oidcerr.CodeMissingClientSecret, "client_secret_post requires a client secret")
		}
		params["client_id"] = c.cfg.ClientID
		params["client_secret"] = c.cfg.ClientSecret

	case ClientSecretBasic:
		if c.cfg.ClientSecret == "" {
			return nil, oidcerr.New(oidcerr.CodeMissingClientSecret, "client_secret_basic requires a client secret")
		}
		basicAuthHeader = c.cfg.ClientID + ":" + c.cfg.ClientSecret

	case ClientSecretJWT:
		if c.cfg.ClientSecret == "" {
			return nil, oidcerr.New(oidcerr.CodeMissingClientSecret, "client_secret_jwt requires a client secret")
		}
		assertion, err := c.buildClientAssertion(jose.HS256, []byte(c.cfg.ClientSecret))
		if err != nil {
			return nil, err
		}
		params["client_id"] = c.cfg.ClientID
		params["client_assertion_type"] = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
		params["client_assertion"] = assertion

	case PrivateKeyJWT:
		if c.cfg.PrivateKeyPEM == "" {
			return nil, oidcerr.New(oidcerr.CodeMissingPrivateKey, "private_key_jwt requires a private key")
		}
		if c.cfg.RequestObjectSigningAlg == "" {
			return nil, oidcerr.New(oidcerr.CodeMissingSigningAlg, "private_key_jwt requires a signing algorithm")
		}
		key, err := parsePrivateKeyPEM(c.cfg.PrivateKeyPEM)
		if err != nil {
			return nil, oidcerr.Wrap(oidcerr.CodeMissingPrivateKey, "failed to parse configured private key", err)
		}
		assertion, err := c.buildClientAssertion(jose.SignatureAlgorithm(c.cfg.RequestObjectSigningAlg), key)
		if err != nil {
			return nil, err
		}
		params["client_id"] = c.cfg.ClientID
		params["client_assertion_type"] = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
		params["client_assertion"] = assertion

	case TLSClientAuth:
		if !c.cfg.TLSClientBoundAccessToken {
			return nil, oidcerr.New(oidcerr.CodeMissingTLSCert, "tls_client_auth requires tlsClientBoundAccessToken")
		}
		params["client_id"] = c.cfg.ClientID

	case AuthMethodNone:
		params["client_id"] = c.cfg.ClientID
	}

	reqBody := urlutil.BuildURLEncodedBody(params)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(reqBody))
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.CodeTokenRequestError, "failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicAuthHeader != "" {
		idx := strings.IndexByte(basicAuthHeader, ':')
		req.SetBasicAuth(basicAuthHeader[:idx], basicAuthHeader[idx+1:])
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.CodeTokenRequestError, "token request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.CodeTokenRequestError, "failed to read token response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		_ = json.Unmarshal(body, &errResp)
		return nil, oidcerr.New(oidcerr.CodeTokenRequestError,
			fmt.Sprintf("token endpoint returned status %d", resp.StatusCode)).WithContext(errResp)
	}
	return body, nil
}

func cloneParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func (c *Client) buildClientAssertion(alg jose.SignatureAlgorithm, key any) (string, error) {
	now := c.cfg.Now()
	claims := map[string]any{
		"iss": c.cfg.ClientID,
		"sub": c.cfg.ClientID,
		"aud": c.cfg.TokenEndpoint,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	assertion, err := jwtpkg.Encode(claims, jwtpkg.EncodeOptions{Alg: alg, Key: key})
	if err != nil {
		return "", oidcerr.Wrap(oidcerr.CodeJWTEncodeError, "failed to build client assertion", err)
	}
	return assertion, nil
}

func parsePrivateKeyPEM(pemStr string) (any, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		return key, nil
	}
}
