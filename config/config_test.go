package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/transx/core/enlistment"
	"github.com/sushant-115/transx/core/security/encryption"
	"github.com/sushant-115/transx/pkg/connection"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: debug
recovery:
  format_ids: [21592]
  max_attempts: 4
resources:
  - name: orders
    driver: postgres
    dsn: postgres://transx@localhost/orders
    min_size: 2
    max_size: 4
    blocking_timeout: 250ms
    xa_transactions: true
    join_policy: shared
    paginated: true
  - name: scratch
    driver: memory
    validate_on_borrow: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "127.0.0.1:9470", cfg.Admin.Addr)
	require.Equal(t, []int32{21592}, cfg.Recovery.FormatIDs)
	require.Equal(t, 4, cfg.Recovery.Coordinator().MaxAttempts)
	require.Len(t, cfg.Resources, 2)

	orders, err := cfg.Resources[0].Managed()
	require.NoError(t, err)
	require.Equal(t, "orders", orders.Name)
	require.Equal(t, 250*time.Millisecond, orders.Pool.BlockingTimeout)
	require.Equal(t, 10*time.Second, orders.Pool.ShutdownGrace)
	require.True(t, orders.Pool.ValidateOnBorrow)
	require.Equal(t, enlistment.JoinSharedBranch, orders.JoinPolicy)
	require.True(t, orders.Paginated)

	scratch, err := cfg.Resources[1].Managed()
	require.NoError(t, err)
	require.Equal(t, connection.DefaultConfig().MaxSize, scratch.Pool.MaxSize)
	require.False(t, scratch.Pool.ValidateOnBorrow)
	require.Equal(t, enlistment.JoinSeparateBranches, scratch.JoinPolicy)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown driver": `
resources:
  - name: a
    driver: oracle
    dsn: x
`,
		"missing dsn": `
resources:
  - name: a
    driver: redis
`,
		"min above max": `
resources:
  - name: a
    driver: memory
    min_size: 5
    max_size: 2
`,
		"duplicate names": `
resources:
  - name: a
    driver: memory
  - name: a
    driver: memory
`,
		"bad join policy": `
resources:
  - name: a
    driver: memory
    join_policy: sometimes
`,
		"paginated without xa": `
resources:
  - name: a
    driver: memory
    paginated: true
`,
		"bad admin addr": `
admin:
  addr: nowhere
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestOpenSecrets(t *testing.T) {
	sealer, err := encryption.NewSealer(bytes.Repeat([]byte{1}, 16))
	require.NoError(t, err)
	sealedPw, err := sealer.Seal("s3cret")
	require.NoError(t, err)

	cfg := Default()
	cfg.Resources = []ResourceConfig{{Name: "orders", Driver: DriverMemory, Password: sealedPw, DSN: "plain"}}
	require.ErrorIs(t, cfg.OpenSecrets(nil), encryption.ErrNoKey)

	require.NoError(t, cfg.OpenSecrets(sealer))
	require.Equal(t, "s3cret", cfg.Resources[0].Password)
	require.Equal(t, "plain", cfg.Resources[0].DSN)
}
