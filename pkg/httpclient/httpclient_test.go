package httpclient_test

import (
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexidp/oidcrp/pkg/httpclient"
)

func serverRootCAPEM(ts *httptest.Server) string {
	cert := ts.Certificate()
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

func TestRootCAs(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Hello, client")
	}))
	defer ts.Close()

	rootCAPEM := serverRootCAPEM(ts)

	runTest := func(name string, certs []string) {
		t.Run(name, func(t *testing.T) {
			testClient, err := httpclient.New(httpclient.Options{RootCAs: certs})
			require.NoError(t, err)

			res, err := testClient.Get(ts.URL)
			require.NoError(t, err)

			greeting, err := io.ReadAll(res.Body)
			res.Body.Close()
			require.NoError(t, err)

			assert.Equal(t, "Hello, client", string(greeting))
		})
	}

	runTest("From PEM string", []string{rootCAPEM})

	contentStr := base64.StdEncoding.EncodeToString([]byte(rootCAPEM))
	runTest("From base64 bytes", []string{contentStr})
}

func TestInsecureSkipVerify(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Hello, client")
	}))
	defer ts.Close()

	testClient, err := httpclient.New(httpclient.Options{InsecureSkipVerify: true})
	require.NoError(t, err)

	res, err := testClient.Get(ts.URL)
	require.NoError(t, err)

	greeting, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, "Hello, client", string(greeting))
}
