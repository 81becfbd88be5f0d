package oidcrp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexidp/oidcrp"
	"github.com/dexidp/oidcrp/pkg/discovery"
	"github.com/dexidp/oidcrp/pkg/pkce"
	"github.com/dexidp/oidcrp/token"
)

func discoveryServer(t *testing.T, mux *http.ServeMux) *httptest.Server {
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(t *testing.T, configure func(cfg *oidcrp.Config)) (*oidcrp.Client, *httptest.Server) {
	mux := http.NewServeMux()
	ts := discoveryServer(t, mux)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(discovery.Metadata{
			Issuer:                ts.URL,
			AuthorizationEndpoint: ts.URL + "/authorize",
			TokenEndpoint:         ts.URL + "/token",
			JWKSURI:               ts.URL + "/jwks",
			EndSessionEndpoint:    ts.URL + "/logout",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"keys":[]}`))
	})

	cfg := oidcrp.Config{
		ClientID:     "rp-client",
		ClientSecret: "rp-secret",
		RedirectURI:  "https://rp.example/callback",
		DiscoveryURL: ts.URL,
		GrantType:    oidcrp.AuthorizationCode,
		PKCE:         true,
		PKCEMethod:   pkce.S256,
	}
	if configure != nil {
		configure(&cfg)
	}

	c, err := oidcrp.New(context.Background(), cfg)
	require.NoError(t, err)
	return c, ts
}

func TestNewResolvesMetadataAndValidates(t *testing.T) {
	c, ts := newTestClient(t, nil)
	meta := c.Metadata()
	assert.Equal(t, ts.URL, meta.Issuer)
	assert.Equal(t, ts.URL+"/token", meta.TokenEndpoint)
}

func TestNewRejectsMissingClientID(t *testing.T) {
	_, err := oidcrp.New(context.Background(), oidcrp.Config{
		DiscoveryURL: "https://idp.example",
		RedirectURI:  "https://rp.example/callback",
	})
	require.Error(t, err)
}

func TestNewRejectsMissingDiscoveryURL(t *testing.T) {
	_, err := oidcrp.New(context.Background(), oidcrp.Config{
		ClientID:    "rp-client",
		RedirectURI: "https://rp.example/callback",
	})
	require.Error(t, err)
}

func TestNewRejectsMissingRedirectURI(t *testing.T) {
	_, err := oidcrp.New(context.Background(), oidcrp.Config{
		ClientID:     "rp-client",
		DiscoveryURL: "https://idp.example",
	})
	require.Error(t, err)
}

func TestNewRejectsPrivateKeyJWTWithoutKey(t *testing.T) {
	_, err := oidcrp.New(context.Background(), oidcrp.Config{
		ClientID:                "rp-client",
		DiscoveryURL:            "https://idp.example",
		RedirectURI:             "https://rp.example/callback",
		TokenEndpointAuthMethod: token.PrivateKeyJWT,
	})
	require.Error(t, err)
}

func TestNewFailsWhenDiscoveryUnreachable(t *testing.T) {
	_, err := oidcrp.New(context.Background(), oidcrp.Config{
		ClientID:     "rp-client",
		DiscoveryURL: "http://127.0.0.1:0",
		RedirectURI:  "https://rp.example/callback",
	})
	require.Error(t, err)
}

func TestGetAuthorizationURLUsesDiscoveredEndpoint(t *testing.T) {
	c, ts := newTestClient(t, nil)
	authURL, err := c.GetAuthorizationURL(context.Background(), nil)
	require.NoError(t, err)

	parsed, err := url.Parse(authURL.URL)
	require.NoError(t, err)
	assert.Equal(t, ts.URL+"/authorize", parsed.Scheme+"://"+parsed.Host+parsed.Path)
	assert.NotEmpty(t, authURL.State)
	assert.NotEmpty(t, authURL.CodeVerifier)
	assert.Equal(t, "S256", parsed.Query().Get("code_challenge_method"))
}

func TestHandleRedirectExchangesCode(t *testing.T) {
	c, _ := newTestClient(t, nil)

	authURL, err := c.GetAuthorizationURL(context.Background(), nil)
	require.NoError(t, err)
	parsed, err := url.Parse(authURL.URL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")

	// The test discovery server registers no /token handler, so the exchange
	// itself fails (404). What this test actually checks is that
	// HandleRedirect consulted the state ledger rather than rejecting the
	// callback outright with STATE_MISMATCH.
	_, err = c.HandleRedirect(context.Background(), "some-code", state)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "state")
}

func TestHandleRedirectRejectsUnknownState(t *testing.T) {
	c, _ := newTestClient(t, nil)
	_, err := c.HandleRedirect(context.Background(), "some-code", "never-issued-state")
	require.Error(t, err)
}

func TestRevokeEndpointMissingSurfacesConfigError(t *testing.T) {
	c, _ := newTestClient(t, nil)
	err := c.Revoke(context.Background(), "sometoken", "access_token")
	require.Error(t, err)
}

func TestIntrospectEndpointMissingSurfacesConfigError(t *testing.T) {
	c, _ := newTestClient(t, nil)
	_, err := c.Introspect(context.Background(), "sometoken", "access_token")
	require.Error(t, err)
}

func TestCurrentIsNilBeforeAnyGrant(t *testing.T) {
	c, _ := newTestClient(t, nil)
	assert.Nil(t, c.Current())
}

func TestGetLogoutURLUsesDiscoveredEndpoint(t *testing.T) {
	c, ts := newTestClient(t, nil)
	logoutURL, err := c.GetLogoutURL("id-token-hint", "logout-state")
	require.NoError(t, err)
	assert.Contains(t, logoutURL, ts.URL+"/logout")
	assert.Contains(t, logoutURL, "logout-state")
}

func TestRefreshMetadataBypassesCache(t *testing.T) {
	c, _ := newTestClient(t, nil)
	meta, err := c.RefreshMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, c.Metadata().Issuer, meta.Issuer)
}
