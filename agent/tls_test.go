package agent

import (
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientTLSConfig(t *testing.T) {
	s := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	t.Cleanup(s.Close)

	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.Certificate().Raw})

	// without the CA the server's cert is rejected
	cfg, err := ClientTLSConfig(nil, nil, nil)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}}
	_, err = client.Get(s.URL)
	require.Error(t, err)

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caFile, caPEM, 0600))
	cfg, err = LoadClientTLSConfig(caFile, "", "")
	require.NoError(t, err)
	client = &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}}
	resp, err := client.Get(s.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTLSTransportKeepsDefaults(t *testing.T) {
	s := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(s.Close)
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.Certificate().Raw})
	cfg, err := ClientTLSConfig(caPEM, nil, nil)
	require.NoError(t, err)

	tr := tlsTransport(cfg)
	assert.Same(t, cfg, tr.TLSClientConfig)
	assert.NotNil(t, tr.Proxy)
	assert.NotNil(t, tr.DialContext)
	assert.NotZero(t, tr.TLSHandshakeTimeout)
	assert.NotZero(t, tr.IdleConnTimeout)

	resp, err := (&http.Client{Transport: tr}).Get(s.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientTLSConfigErrors(t *testing.T) {
	_, err := ClientTLSConfig([]byte("not a cert"), nil, nil)
	require.ErrorContains(t, err, "no certificates")

	_, err = ClientTLSConfig(nil, []byte("cert"), nil)
	require.ErrorContains(t, err, "client key pair")

	_, err = LoadClientTLSConfig(filepath.Join(t.TempDir(), "missing.pem"), "", "")
	require.ErrorContains(t, err, "missing.pem")
}
