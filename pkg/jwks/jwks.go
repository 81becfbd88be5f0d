// Package jwks fetches, caches, and selects signature-verification keys
// from an OpenID Provider's JWKS document. The single-flight cache-fill
// pattern is lifted directly from signer/vault's vaultKeySet, which guards
// its own JWK cache with a singleflight.Group keyed by key id; this client
// generalizes that to a whole JWKS document keyed by a stable cache key
// instead of one key id at a time, since a relying party has no signer of
// its own to ask for individual key versions.
package jwks

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/square/go-jose.v2"

	"github.com/dexidp/oidcrp/pkg/log"
	"github.com/dexidp/oidcrp/pkg/oidcerr"
	"github.com/dexidp/oidcrp/pkg/ttlcache"
)

const cacheKey = "jwks"

// DefaultTTL is how long a fetched JWKS document is cached absent an
// explicit Options.TTL.
const DefaultTTL = 10 * time.Minute

// Header is the subset of a JWS header relevant to key selection.
type Header struct {
	Alg string
	Kid string
}

// Client fetches and caches a JWKS document and resolves verification keys
// for a given JWS header.
type Client struct {
	jwksURI    string
	httpClient *http.Client
	logger     log.Logger
	cache      *ttlcache.Cache[jose.JSONWebKeySet]
	ttl        time.Duration
	group      singleflight.Group
}

// Options configures a Client at construction time.
type Options struct {
	HTTPClient *http.Client
	Logger     log.Logger
	TTL        time.Duration
}

// New constructs a Client that fetches from jwksURI.
func New(jwksURI string, opts Options) *Client {
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
		jwksURI:    jwksURI,
		httpClient: httpClient,
		logger:     logger,
		cache:      ttlcache.New[jose.JSONWebKeySet](ttlcache.Options{}),
		ttl:        ttl,
	}
}

// GetKey resolves the verification key matching header, fetching the JWKS
// document if not cached. If no key in the document matches, the document
// is refetched once, bypassing the cache (even when it was just fetched),
// before failing with KEY_NOT_FOUND.
func (c *Client) GetKey(ctx context.Context, header Header) (any, error) {
	set, err := c.getSet(ctx, false)
	if err != nil {
		return nil, err
	}

	key, err := selectKey(set, header)
	if err == nil {
		return key.Key, nil
	}
	if !oidcerr.Is(err, oidcerr.CodeKeyNotFound) {
		return nil, err
	}

	set, err = c.getSet(ctx, true)
	if err != nil {
		return nil, err
	}
	key, err = selectKey(set, header)
	if err != nil {
		return nil, err
	}
	return key.Key, nil
}

func (c *Client) getSet(ctx context.Context, forceRefresh bool) (jose.JSONWebKeySet, error) {
	if !forceRefresh {
		if cached, ok := c.cache.Get(cacheKey); ok {
			return cached, nil
		}
	}

	v, err, _ := c.group.Do(cacheKey, func() (any, error) {
		c.logger.Debugf("jwks: fetching document from %s", c.jwksURI)
		set, err := c.fetch(ctx)
		if err != nil {
			return jose.JSONWebKeySet{}, err
		}
		if setErr := c.cache.Set(cacheKey, set, c.ttl); setErr != nil {
			c.logger.Warnf("jwks: failed to cache document: %v", setErr)
		}
		return set, nil
	})
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return v.(jose.JSONWebKeySet), nil
}

func (c *Client) fetch(ctx context.Context) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURI, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, oidcerr.Wrap(oidcerr.CodeDiscoveryError, "failed to build jwks request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, oidcerr.Wrap(oidcerr.CodeDiscoveryError, "jwks request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return jose.JSONWebKeySet{}, oidcerr.Wrap(oidcerr.CodeDiscoveryError, "failed to read jwks response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return jose.JSONWebKeySet{}, oidcerr.New(oidcerr.CodeDiscoveryError,
			fmt.Sprintf("jwks endpoint returned status %d", resp.StatusCode)).WithContext(string(body))
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return jose.JSONWebKeySet{}, oidcerr.Wrap(oidcerr.CodeDiscoveryError, "failed to parse jwks document", err)
	}
	return set, nil
}

// ktyForAlg maps a JWS alg family to the JWK key type expected to back it,
// per spec.md §4.E's selection rule.
func ktyForAlg(alg string) string {
	switch {
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		return "RSA"
	case strings.HasPrefix(alg, "ES"):
		return "EC"
	case strings.HasPrefix(alg, "HS"):
		return "oct"
	default:
		return ""
	}
}

func usableForSigning(k jose.JSONWebKey) bool {
	if k.Use != "" {
		return k.Use == "sig"
	}
	for _, op := range k.KeyOps {
		if op == "verify" {
			return true
		}
	}
	return len(k.KeyOps) == 0
}

// selectKey implements spec.md §4.E's selection rule: prefer an exact kid
// match, otherwise filter by kty implied by alg and by signing usability.
func selectKey(set jose.JSONWebKeySet, header Header) (jose.JSONWebKey, error) {
	if header.Kid != "" {
		for _, k := range set.Keys {
			if k.KeyID == header.Kid {
				if err := validateCurve(k); err != nil {
					return jose.JSONWebKey{}, err
				}
				return k, nil
			}
		}
		return jose.JSONWebKey{}, oidcerr.New(oidcerr.CodeKeyNotFound, "no jwk with kid "+header.Kid)
	}

	kty := ktyForAlg(header.Alg)
	var candidates []jose.JSONWebKey
	for _, k := range set.Keys {
		if kty != "" && k.Kty != kty {
			continue
		}
		if !usableForSigning(k) {
			continue
		}
		candidates = append(candidates, k)
	}

	switch len(candidates) {
	case 0:
		return jose.JSONWebKey{}, oidcerr.New(oidcerr.CodeKeyNotFound, "no jwk matches alg "+header.Alg)
	case 1:
		if err := validateCurve(candidates[0]); err != nil {
			return jose.JSONWebKey{}, err
		}
		return candidates[0], nil
	default:
		return jose.JSONWebKey{}, oidcerr.New(oidcerr.CodeMultipleMatchingKeys,
			fmt.Sprintf("%d jwks match alg %s with no kid to disambiguate", len(candidates), header.Alg))
	}
}

// validateCurve rejects EC keys on curves outside P-256/P-384/P-521, per
// spec.md §4.E. go-jose already refuses to unmarshal keys on unrecognized
// curves, so this only needs to re-check the curve name it kept.
func validateCurve(k jose.JSONWebKey) error {
	pub, ok := k.Key.(*ecdsa.PublicKey)
	if !ok {
		if _, isRSA := k.Key.(*rsa.PublicKey); isRSA {
			return nil
		}
		return nil
	}
	switch pub.Curve.Params().Name {
	case "P-256", "P-384", "P-521":
		return nil
	default:
		return oidcerr.New(oidcerr.CodeUnsupportedCurve, "unsupported EC curve: "+pub.Curve.Params().Name)
	}
}
