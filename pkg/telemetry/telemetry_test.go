package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	c, err := tel.Meter.Int64Counter("transx_test_total")
	require.NoError(t, err)
	c.Add(context.Background(), 1)

	rec := httptest.NewRecorder()
	tel.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnabledExportsMeterInstruments(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "transx-test"})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	c, err := tel.Meter.Int64Counter("transx_test_acquires")
	require.NoError(t, err)
	c.Add(context.Background(), 3)

	srv := httptest.NewServer(tel.Handler)
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "transx_test_acquires_total")
	require.Contains(t, string(body), "go_goroutines")
}
