package encryption

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return s
}

func TestSealOpen(t *testing.T) {
	s := newTestSealer(t)
	sealed, err := s.Seal("hunter2")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sealed, SealedPrefix))
	require.NotContains(t, sealed, "hunter2")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "hunter2", plain)

	plain, err = s.Open("not-sealed")
	require.NoError(t, err)
	require.Equal(t, "not-sealed", plain)
}

func TestOpenFailures(t *testing.T) {
	s := newTestSealer(t)
	sealed, err := s.Seal("secret")
	require.NoError(t, err)

	var none *Sealer
	_, err = none.Open(sealed)
	require.ErrorIs(t, err, ErrNoKey)

	other, err := NewSealer(bytes.Repeat([]byte{8}, 32))
	require.NoError(t, err)
	_, err = other.Open(sealed)
	require.Error(t, err)

	_, err = s.Open(SealedPrefix + base64.StdEncoding.EncodeToString([]byte("short")))
	require.Error(t, err)
}

func TestParseKey(t *testing.T) {
	key := bytes.Repeat([]byte{0xfb}, 32)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawURLEncoding} {
		got, err := ParseKey(enc.EncodeToString(key))
		require.NoError(t, err)
		require.Equal(t, key, got)
	}
	_, err := ParseKey("%%%")
	require.Error(t, err)

	_, err = NewSealer([]byte("short"))
	require.Error(t, err)
}
