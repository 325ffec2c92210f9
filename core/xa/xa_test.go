package xa

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXidKeyDistinguishesBranches(t *testing.T) {
	gtrid := NewGlobalID()
	a := NewXid(DefaultFormatID, gtrid, []byte{1})
	b := NewXid(DefaultFormatID, gtrid, []byte{2})

	require.NotEqual(t, a.Key(), b.Key())
	require.True(t, a.Equal(NewXid(DefaultFormatID, gtrid, []byte{1})))
	require.False(t, a.Equal(b))
	require.False(t, a.IsZero())
	require.True(t, Xid{}.IsZero())
}

func TestNewXidCopiesInput(t *testing.T) {
	gtrid := []byte("global")
	x := NewXid(1, gtrid, nil)
	gtrid[0] = 'X'
	require.Equal(t, []byte("global"), x.GlobalID)
}

func TestErrorClassification(t *testing.T) {
	notFound := fmt.Errorf("commit: %w", NewError(XAERNoTA, "commit", nil))
	require.True(t, IsNoSuchTransaction(notFound))
	require.False(t, IsHeuristic(notFound))

	heur := NewError(XAHeurMix, "commit", errors.New("partial"))
	require.True(t, IsHeuristic(heur))
	require.Equal(t, XAHeurMix, CodeOf(heur))
	require.Contains(t, heur.Error(), "XA_HEURMIX")

	require.True(t, IsRollback(NewError(XARBRollback, "prepare", nil)))
	require.Equal(t, XAOK, CodeOf(errors.New("plain")))
	require.False(t, IsNoSuchTransaction(nil))
}

func TestFlagsHas(t *testing.T) {
	f := TMStartRScan | TMEndRScan
	require.True(t, f.Has(TMStartRScan))
	require.True(t, f.Has(TMEndRScan))
	require.False(t, f.Has(TMJoin))
	require.False(t, f.Has(TMNoFlags))
}

func TestGIDRoundTrip(t *testing.T) {
	x := NewXid(DefaultFormatID, NewGlobalID(), NewGlobalID())
	gid := FormatGID(x)
	require.LessOrEqual(t, len(gid), MaxGIDLength)
	require.NotContains(t, gid, "'")

	back, err := ParseGID(gid)
	require.NoError(t, err)
	require.True(t, x.Equal(back))

	neg := NewXid(-1, []byte("g"), nil)
	back, err = ParseGID(FormatGID(neg))
	require.NoError(t, err)
	require.True(t, neg.Equal(back))
}

func TestParseGIDRejectsForeignIDs(t *testing.T) {
	for _, s := range []string{"", "manual-prepare", "1_2", "x_AA_AA", "1_!!_AA", "1__AA"} {
		_, err := ParseGID(s)
		require.ErrorIs(t, err, ErrMalformedGID, s)
	}
}
