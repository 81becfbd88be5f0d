// Package discovery fetches and caches an OpenID Provider's
// `.well-known/openid-configuration` document, the way
// connector/oidc.Config.Open resolves a provider's endpoints at connector
// construction time — except here the fetch is cached and single-flighted
// rather than done once at startup, since a relying-party client may
// outlive a single discovery document's TTL.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dexidp/oidcrp/pkg/log"
	"github.com/dexidp/oidcrp/pkg/oidcerr"
	"github.com/dexidp/oidcrp/pkg/ttlcache"
)

const cacheKey = "discoveryConfig"

// DefaultTTL is how long a fetched document is cached before discover()
// fetches again, absent an explicit Options.TTL.
const DefaultTTL = time.Hour

// Metadata is the subset of an OpenID Provider's discovery document this
// client depends on.
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	EndSessionEndpoint                string   `json:"end_session_endpoint,omitempty"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	DeviceAuthorizationEndpoint       string   `json:"device_authorization_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	SubjectTypesSupported             []string `json:"subject_types_supported,omitempty"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
}

func (m Metadata) validate() error {
	missing := []string{}
	if m.Issuer == "" {
		missing = append(missing, "issuer")
	}
	if m.JWKSURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if m.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if m.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	if len(missing) > 0 {
		return oidcerr.New(oidcerr.CodeInvalidDiscoveryConfig,
			fmt.Sprintf("discovery document missing required field(s): %s", strings.Join(missing, ", ")))
	}
	return nil
}

// Client resolves and caches an issuer's discovery document.
type Client struct {
	issuerURL  string
	httpClient *http.Client
	logger     log.Logger
	cache      *ttlcache.Cache[Metadata]
	ttl        time.Duration
	group      singleflight.Group
}

// Options configures a Client at construction time.
type Options struct {
	HTTPClient *http.Client
	Logger     log.Logger
	TTL        time.Duration
}

// New constructs a Client for the given issuer URL. issuerURL is joined
// with "/.well-known/openid-configuration" to form the document URL.
func New(issuerURL string, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Client{
		issuerURL:  strings.TrimSuffix(issuerURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		cache:      ttlcache.New[Metadata](ttlcache.Options{}),
		ttl:        ttl,
	}
}

// Discover returns the issuer's metadata, fetching it if absent or
// expired. Concurrent callers share one in-flight fetch. forceRefresh
// bypasses the cache and always issues a new HTTP request.
func (c *Client) Discover(ctx context.Context, forceRefresh bool) (Metadata, error) {
	if !forceRefresh {
		if cached, ok := c.cache.Get(cacheKey); ok {
			return cached, nil
		}
	}

	v, err, _ := c.group.Do(cacheKey, func() (any, error) {
		c.logger.Debugf("discovery: fetching document for issuer %s", c.issuerURL)
		meta, err := c.fetch(ctx)
		if err != nil {
			return Metadata{}, err
		}
		if setErr := c.cache.Set(cacheKey, meta, c.ttl); setErr != nil {
			c.logger.Warnf("discovery: failed to cache document: %v", setErr)
		}
		return meta, nil
	})
	if err != nil {
		return Metadata{}, err
	}
	return v.(Metadata), nil
}

func (c *Client) fetch(ctx context.Context) (Metadata, error) {
	url := c.issuerURL + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Metadata{}, oidcerr.Wrap(oidcerr.CodeDiscoveryError, "failed to build discovery request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Metadata{}, oidcerr.Wrap(oidcerr.CodeDiscoveryError, "discovery request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Metadata{}, oidcerr.Wrap(oidcerr.CodeDiscoveryError, "failed to read discovery response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Metadata{}, oidcerr.New(oidcerr.CodeDiscoveryError,
			fmt.Sprintf("discovery endpoint returned status %d", resp.StatusCode)).
			WithContext(string(body))
	}

	var meta Metadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return Metadata{}, oidcerr.Wrap(oidcerr.CodeDiscoveryError, "failed to parse discovery document", err)
	}

	if err := meta.validate(); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}
