package discovery_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexidp/oidcrp/pkg/discovery"
	"github.com/dexidp/oidcrp/pkg/oidcerr"
)

func validDocument(issuer string) discovery.Metadata {
	return discovery.Metadata{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + "/authorize",
		TokenEndpoint:         issuer + "/token",
		JWKSURI:               issuer + "/jwks",
	}
}

func TestDiscoverSuccess(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/.well-known/openid-configuration", r.URL.Path)
		_ = json.NewEncoder(w).Encode(validDocument("http://issuer.example"))
	}))
	defer ts.Close()

	c := discovery.New(ts.URL, discovery.Options{HTTPClient: ts.Client()})
	meta, err := c.Discover(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "http://issuer.example", meta.Issuer)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDiscoverIsCached(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(validDocument("http://issuer.example"))
	}))
	defer ts.Close()

	c := discovery.New(ts.URL, discovery.Options{HTTPClient: ts.Client()})
	_, err := c.Discover(context.Background(), false)
	require.NoError(t, err)
	_, err = c.Discover(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second call must hit the cache")
}

func TestDiscoverForceRefreshBypassesCache(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(validDocument("http://issuer.example"))
	}))
	defer ts.Close()

	c := discovery.New(ts.URL, discovery.Options{HTTPClient: ts.Client()})
	_, err := c.Discover(context.Background(), false)
	require.NoError(t, err)
	_, err = c.Discover(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDiscoverSingleFlight(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		_ = json.NewEncoder(w).Encode(validDocument("http://issuer.example"))
	}))
	defer ts.Close()

	c := discovery.New(ts.URL, discovery.Options{HTTPClient: ts.Client()})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Discover(context.Background(), false)
			assert.NoError(t, err)
		}()
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "concurrent discovers must share one in-flight fetch")
}

func TestDiscoverInvalidDocument(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"issuer": "http://issuer.example"})
	}))
	defer ts.Close()

	c := discovery.New(ts.URL, discovery.Options{HTTPClient: ts.Client()})
	_, err := c.Discover(context.Background(), false)
	require.Error(t, err)
	assert.True(t, oidcerr.Is(err, oidcerr.CodeInvalidDiscoveryConfig))
}

func TestDiscoverHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := discovery.New(ts.URL, discovery.Options{HTTPClient: ts.Client()})
	_, err := c.Discover(context.Background(), false)
	require.Error(t, err)
	assert.True(t, oidcerr.Is(err, oidcerr.CodeDiscoveryError))
}

func TestDiscoverMalformedJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer ts.Close()

	c := discovery.New(ts.URL, discovery.Options{HTTPClient: ts.Client()})
	_, err := c.Discover(context.Background(), false)
	require.Error(t, err)
	assert.True(t, oidcerr.Is(err, oidcerr.CodeDiscoveryError))
}
