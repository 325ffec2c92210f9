package txmanager

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/transx/core/transaction"
	"github.com/sushant-115/transx/core/xa"
	"github.com/sushant-115/transx/internal/memxa"
	"github.com/sushant-115/transx/pkg/connection"
)

func openConn(t *testing.T, s *memxa.Store) *memxa.Conn {
	t.Helper()
	pc, err := memxa.Factory{Store: s}.Connect(context.Background(), connection.Credentials{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc.(*memxa.Conn)
}

type recordingSync struct {
	calls []string
	final transaction.Status
}

func (r *recordingSync) BeforeCompletion(context.Context) { r.calls = append(r.calls, "before") }
func (r *recordingSync) AfterCompletion(_ context.Context, s transaction.Status) {
	r.calls = append(r.calls, "after")
	r.final = s
}

func TestOnePhaseCommit(t *testing.T) {
	m := New()
	s := memxa.NewStore("kv")
	c := openConn(t, s)

	ctx, id, err := m.Begin(context.Background())
	require.NoError(t, err)
	got, ok := transaction.FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, id, got)

	require.NoError(t, m.EnlistResource(ctx, id, c.XA()))
	require.NoError(t, m.EnlistResource(ctx, id, c.XA()))
	require.NoError(t, c.Put(ctx, "k", "v"))

	sync := &recordingSync{}
	require.NoError(t, m.RegisterSynchronization(ctx, id, sync))
	require.NoError(t, m.Commit(ctx, id))

	v, ok := s.Value("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
	require.Equal(t, []string{"before", "after"}, sync.calls)
	require.Equal(t, transaction.StatusCommitted, sync.final)

	status, err := m.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, transaction.StatusNoTransaction, status)
}

func TestTwoPhaseCommitAcrossResources(t *testing.T) {
	m := New()
	a, b := memxa.NewStore("a"), memxa.NewStore("b")
	ca, cb := openConn(t, a), openConn(t, b)

	ctx, id, err := m.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.EnlistResource(ctx, id, ca.XA()))
	require.NoError(t, m.EnlistResource(ctx, id, cb.XA()))
	require.NoError(t, ca.Put(ctx, "x", "1"))
	require.NoError(t, cb.Send(ctx, "msg"))

	require.NoError(t, m.Commit(ctx, id))
	v, _ := a.Value("x")
	require.Equal(t, "1", v)
	require.Equal(t, 1, b.QueueDepth())
	require.Empty(t, m.Decisions())
}

func TestRollbackOnlyTransaction(t *testing.T) {
	m := New()
	s := memxa.NewStore("kv")
	c := openConn(t, s)

	ctx, id, err := m.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.EnlistResource(ctx, id, c.XA()))
	require.NoError(t, c.Put(ctx, "k", "v"))
	require.NoError(t, m.SetRollbackOnly(id))

	other := openConn(t, s)
	require.ErrorIs(t, m.EnlistResource(ctx, id, other.XA()), transaction.ErrRollbackOnly)
	require.ErrorIs(t, m.Commit(ctx, id), ErrRolledBack)
	_, ok := s.Value("k")
	require.False(t, ok)
}

func TestDelistWithFailMarksRollback(t *testing.T) {
	m := New()
	a, b := memxa.NewStore("a"), memxa.NewStore("b")
	ca, cb := openConn(t, a), openConn(t, b)

	ctx, id, err := m.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.EnlistResource(ctx, id, ca.XA()))
	require.NoError(t, m.EnlistResource(ctx, id, cb.XA()))
	require.NoError(t, ca.Put(ctx, "k", "v"))
	require.NoError(t, m.DelistResource(ctx, id, cb.XA(), xa.TMFail))

	status, err := m.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, transaction.StatusMarkedRollback, status)
	require.ErrorIs(t, m.Commit(ctx, id), ErrRolledBack)
	_, ok := a.Value("k")
	require.False(t, ok)
	require.Empty(t, a.Prepared())
}

func TestSuspendAndResume(t *testing.T) {
	m := New()
	s := memxa.NewStore("kv")
	c := openConn(t, s)

	ctx, id, err := m.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.EnlistResource(ctx, id, c.XA()))
	require.NoError(t, m.DelistResource(ctx, id, c.XA(), xa.TMSuspend))
	require.NoError(t, m.EnlistResource(ctx, id, c.XA()))
	require.NoError(t, c.Put(ctx, "k", "v"))
	require.NoError(t, m.DelistResource(ctx, id, c.XA(), xa.TMSuccess))
	require.NoError(t, m.EnlistResource(ctx, id, c.XA()))
	require.NoError(t, m.Commit(ctx, id))

	v, _ := s.Value("k")
	require.Equal(t, "v", v)
}

func TestPrepareAndAbandonLeavesBranchesInDoubt(t *testing.T) {
	m := New()
	a, b := memxa.NewStore("a"), memxa.NewStore("b")
	ca, cb := openConn(t, a), openConn(t, b)

	ctx, id, err := m.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.EnlistResource(ctx, id, ca.XA()))
	require.NoError(t, m.EnlistResource(ctx, id, cb.XA()))
	require.NoError(t, ca.Put(ctx, "k", "v"))
	require.NoError(t, cb.Put(ctx, "k", "w"))

	xids, err := m.PrepareAndAbandon(ctx, id, transaction.DecisionCommit)
	require.NoError(t, err)
	require.Len(t, xids, 2)
	require.Len(t, a.Prepared(), 1)
	require.Len(t, b.Prepared(), 1)

	d, err := m.RecordedDecision(ctx, xids[0])
	require.NoError(t, err)
	require.Equal(t, transaction.DecisionCommit, d)

	foreign := xa.NewXid(42, xids[0].GlobalID, xids[0].BranchQualifier)
	d, err = m.RecordedDecision(ctx, foreign)
	require.NoError(t, err)
	require.Equal(t, transaction.DecisionUnknown, d)
}

func TestLoadDecisions(t *testing.T) {
	m := New()
	gtrid := xa.NewGlobalID()
	path := filepath.Join(t.TempDir(), "decisions.yaml")
	body := "decisions:\n  " + hex.EncodeToString(gtrid) + ": commit\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	n, err := m.LoadDecisions(path)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	d, err := m.RecordedDecision(context.Background(), xa.NewXid(xa.DefaultFormatID, gtrid, []byte{1}))
	require.NoError(t, err)
	require.Equal(t, transaction.DecisionCommit, d)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("decisions:\n  zz: maybe\n"), 0o600))
	_, err = m.LoadDecisions(bad)
	require.Error(t, err)
}
