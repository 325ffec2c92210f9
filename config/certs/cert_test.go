package certs

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratedCertsCompleteMutualTLS(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(dir, "127.0.0.1"))
	p := func(name string) string { return filepath.Join(dir, name) }

	serverCfg, err := ServerTLSConfig(p(CAFile), p(ServerCertFile), p(ServerKeyFile))
	require.NoError(t, err)
	require.Equal(t, tls.RequireAndVerifyClientCert, serverCfg.ClientAuth)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.TLS.PeerCertificates[0].Subject.CommonName)
	}))
	srv.TLS = serverCfg
	srv.StartTLS()
	defer srv.Close()

	clientCfg, err := ClientTLSConfig(p(CAFile), p(ClientCertFile), p(ClientKeyFile))
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientCfg}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "transx-admin", string(body))
}

func TestServerTLSConfigWithoutCA(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(dir, "localhost"))
	cfg, err := ServerTLSConfig("", filepath.Join(dir, ServerCertFile), filepath.Join(dir, ServerKeyFile))
	require.NoError(t, err)
	require.Equal(t, tls.NoClientCert, cfg.ClientAuth)

	_, err = ServerTLSConfig(filepath.Join(dir, "missing.crt"), filepath.Join(dir, ServerCertFile), filepath.Join(dir, ServerKeyFile))
	require.Error(t, err)
}
