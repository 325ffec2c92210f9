package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/transx/config"
	"github.com/sushant-115/transx/config/certs"
	"github.com/sushant-115/transx/core/recovery"
	"github.com/sushant-115/transx/internal/admin"
	"github.com/sushant-115/transx/internal/memxa"
	"github.com/sushant-115/transx/internal/txmanager"
	"github.com/sushant-115/transx/pkg/connection"
)

const memoryConfig = `
logger:
  level: warn
  output_file: stderr
resources:
  - name: orders
    driver: memory
    min_size: 1
    max_size: 2
    xa_transactions: true
  - name: cache
    driver: memory
    local_transactions: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRecoverCommand(t *testing.T) {
	path := writeFile(t, "transx.yaml", memoryConfig)
	out, err := run(t, "recover", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "RESOURCE")
	require.Contains(t, out, "orders")
	// Non-XA resources are not recovered.
	require.NotContains(t, out, "cache")
}

func TestRecoverCommandRejectsBadDecisions(t *testing.T) {
	path := writeFile(t, "transx.yaml", memoryConfig)
	decisions := writeFile(t, "decisions.yaml", "decisions:\n  zz: maybe\n")
	_, err := run(t, "recover", "--config", path, "--decisions", decisions)
	require.Error(t, err)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeFile(t, "transx.yaml", memoryConfig)
	t.Setenv("TRANSX_CONFIG", path)
	t.Setenv("TRANSX_ADMIN_ADDR", "127.0.0.1:19470")

	fs := pflag.NewFlagSet("transx", pflag.ContinueOnError)
	addGlobalFlags(fs)
	require.NoError(t, fs.Parse([]string{"--log-level", "debug"}))

	cfg, err := loadConfig(bindViper(fs))
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "127.0.0.1:19470", cfg.Admin.Addr)
	require.Len(t, cfg.Resources, 2)
	require.Equal(t, connection.DefaultConfig().ReplenishRate, cfg.Resources[1].ReplenishRate)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	fs := pflag.NewFlagSet("transx", pflag.ContinueOnError)
	addGlobalFlags(fs)
	require.NoError(t, fs.Parse(nil))
	cfg, err := loadConfig(bindViper(fs))
	require.NoError(t, err)
	require.Empty(t, cfg.Resources)
	require.Equal(t, config.Default().Admin, cfg.Admin)
}

func TestDrivers(t *testing.T) {
	for name, open := range drivers {
		rc := config.ResourceConfig{Name: "r", Driver: name}
		switch name {
		case config.DriverPostgres:
			rc.DSN = "postgres://transx@localhost:5432/transx"
		case config.DriverRedis:
			rc.DSN = "redis://localhost:6379/0"
		}
		f, err := open(rc)
		require.NoError(t, err, name)
		_, ok := f.(connection.XAFactory)
		require.True(t, ok, name)
	}
	_, err := drivers[config.DriverRedis](config.ResourceConfig{DSN: "::not a url"})
	require.Error(t, err)
}

func TestOpenResourcesClosesOnFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Resources = []config.ResourceConfig{
		{Name: "a", Driver: config.DriverMemory, MaxSize: 1},
		{Name: "b", Driver: "oracle", MaxSize: 1},
	}
	_, err := openResources(context.Background(), cfg, txmanager.New(), zap.NewNop())
	require.ErrorContains(t, err, "unknown driver")
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, recovery.Report{Resources: []recovery.ResourceReport{{
		Resource: "orders",
		Attempts: 1,
		Scanned:  1200,
		Resolutions: []recovery.Resolution{
			{Outcome: recovery.OutcomeCommitted},
			{Outcome: recovery.OutcomeOrphaned},
		},
	}}})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "ORPHANED")
	require.Contains(t, lines[1], "1,200")
}

func TestPrintStats(t *testing.T) {
	now := time.Now()
	var buf bytes.Buffer
	printStats(&buf, []admin.ResourceView{
		{Name: "orders", XA: true, Recovered: true,
			Totals:   connection.PartitionStats{Free: 1, InUse: 2, Total: 3, Max: 8},
			Recovery: &admin.RecoveryView{Finished: now.Add(-2 * time.Minute)}},
		{Name: "cache"},
	}, now)
	out := buf.String()
	require.Contains(t, out, "2 minutes ago")
	require.Contains(t, out, "never")
}

func TestCertsCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "certs", "--dir", dir, "--host", "127.0.0.1")
	require.NoError(t, err)
	require.Contains(t, out, dir)
	_, err = certs.ServerTLSConfig(filepath.Join(dir, certs.CAFile),
		filepath.Join(dir, certs.ServerCertFile), filepath.Join(dir, certs.ServerKeyFile))
	require.NoError(t, err)
}

func TestMemoryDriverIsolatesStores(t *testing.T) {
	a, err := drivers[config.DriverMemory](config.ResourceConfig{Name: "a"})
	require.NoError(t, err)
	b, err := drivers[config.DriverMemory](config.ResourceConfig{Name: "b"})
	require.NoError(t, err)
	require.NotSame(t, a.(memxa.Factory).Store, b.(memxa.Factory).Store)
}

func TestSealedPasswordRoundTrip(t *testing.T) {
	t.Setenv("TRANSX_SECRET_KEY", "AQEBAQEBAQEBAQEBAQEBAQ==")
	out, err := run(t, "seal", "s3cret")
	require.NoError(t, err)
	sealed := strings.TrimSpace(out)
	require.True(t, strings.HasPrefix(sealed, "enc:"))

	path := writeFile(t, "transx.yaml", `
resources:
  - name: orders
    driver: memory
    user: app
    password: "`+sealed+`"
`)
	fs := pflag.NewFlagSet("transx", pflag.ContinueOnError)
	addGlobalFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path}))
	cfg, err := loadConfig(bindViper(fs))
	require.NoError(t, err)
	require.Equal(t, "s3cret", cfg.Resources[0].Password)
}
