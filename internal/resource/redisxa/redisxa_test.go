package redisxa

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/transx/core/xa"
	"github.com/sushant-115/transx/pkg/connection"
)

// offline returns a connection whose client never dials; only code paths that
// stay in memory may be used with it.
func offline(t *testing.T, addr string) (*Conn, *Resource) {
	t.Helper()
	c := &Conn{client: redis.NewClient(&redis.Options{Addr: addr}), autoCommit: true}
	t.Cleanup(func() { _ = c.Close() })
	return c, &Resource{conn: c}
}

func TestBranchBuffersSends(t *testing.T) {
	ctx := context.Background()
	c, res := offline(t, "127.0.0.1:1")
	xid := xa.NewXid(xa.DefaultFormatID, xa.NewGlobalID(), []byte{1})

	require.NoError(t, res.Start(ctx, xid, xa.TMNoFlags))
	require.NoError(t, c.Send(ctx, "orders", "o-1"))
	require.Len(t, c.active.work.Sends, 1)

	err := res.Start(ctx, xid, xa.TMNoFlags)
	require.Equal(t, xa.XAERDupID, xa.CodeOf(err))

	require.NoError(t, res.End(ctx, xid, xa.TMSuspend))
	require.Nil(t, c.active)
	require.NoError(t, res.Start(ctx, xid, xa.TMResume))
	require.NotNil(t, c.active)
	require.NoError(t, res.End(ctx, xid, xa.TMFail))

	// Rollback of an unprepared branch with no receives needs no round trip.
	require.NoError(t, res.Rollback(ctx, xid))
	require.Empty(t, c.branches)
}

func TestEmptyBranchVotesReadOnly(t *testing.T) {
	ctx := context.Background()
	_, res := offline(t, "127.0.0.1:1")
	xid := xa.NewXid(xa.DefaultFormatID, xa.NewGlobalID(), []byte{1})

	require.NoError(t, res.Start(ctx, xid, xa.TMNoFlags))
	require.NoError(t, res.End(ctx, xid, xa.TMSuccess))
	vote, err := res.Prepare(ctx, xid)
	require.NoError(t, err)
	require.Equal(t, xa.VoteReadOnly, vote)

	_, err = res.Prepare(ctx, xid)
	require.True(t, xa.IsNoSuchTransaction(err))
}

func TestStartRefusedDuringLocalTransaction(t *testing.T) {
	ctx := context.Background()
	c, res := offline(t, "127.0.0.1:1")
	require.NoError(t, c.SetAutoCommit(ctx, false))
	require.NoError(t, c.Send(ctx, "orders", "local"))

	err := res.Start(ctx, xa.NewXid(1, []byte("g"), nil), xa.TMNoFlags)
	require.Equal(t, xa.XAEROutside, xa.CodeOf(err))
}

func TestIsSameRM(t *testing.T) {
	_, a := offline(t, "10.0.0.1:6379")
	_, b := offline(t, "10.0.0.1:6379")
	_, other := offline(t, "10.0.0.2:6379")
	require.True(t, a.IsSameRM(b))
	require.False(t, a.IsSameRM(other))
}

func TestInFlightKeyRoundTrip(t *testing.T) {
	gid := xa.FormatGID(xa.NewXid(xa.DefaultFormatID, xa.NewGlobalID(), []byte{1}))
	key := inFlightKey(42, gid, "jobs:high")

	id, owner, queue, ok := parseInFlightKey(key)
	require.True(t, ok)
	require.EqualValues(t, 42, id)
	require.Equal(t, gid, owner)
	require.Equal(t, "jobs:high", queue)

	for _, bad := range []string{"jobs", InFlightIndex, inFlightPrefix + "x:local:q", inFlightPrefix + "7:local:"} {
		_, _, _, ok := parseInFlightKey(bad)
		require.False(t, ok, bad)
	}
}

func TestLiveClients(t *testing.T) {
	list := "id=3 addr=127.0.0.1:5000 laddr=127.0.0.1:6379 fd=8 name= db=9\n" +
		"id=17 addr=127.0.0.1:5001 laddr=127.0.0.1:6379 fd=9 name= db=0\n"
	live := liveClients(list)
	require.True(t, live[3])
	require.True(t, live[17])
	require.False(t, live[4])
}

func TestBranchReceiveOwnerIsGID(t *testing.T) {
	ctx := context.Background()
	c, res := offline(t, "127.0.0.1:1")
	xid := xa.NewXid(xa.DefaultFormatID, xa.NewGlobalID(), []byte{1})
	require.NoError(t, res.Start(ctx, xid, xa.TMNoFlags))

	c.mu.Lock()
	_, owner := c.currentLocked()
	c.mu.Unlock()
	require.Equal(t, xa.FormatGID(xid), owner)
}

func openTestFactory(t *testing.T) *Factory {
	t.Helper()
	addr := os.Getenv("TRANSX_REDIS_ADDR")
	if addr == "" {
		t.Skip("TRANSX_REDIS_ADDR not set")
	}
	return &Factory{Options: &redis.Options{Addr: addr, DB: 9}}
}

func connect(t *testing.T, f *Factory) (*Conn, xa.Resource) {
	t.Helper()
	pc, err := f.Connect(context.Background(), connection.Credentials{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	res, err := f.XAResource(pc)
	require.NoError(t, err)
	return pc.(*Conn), res
}

func TestRolledBackMessageNeverConsumed(t *testing.T) {
	f := openTestFactory(t)
	ctx := context.Background()
	c, res := connect(t, f)
	queue := "transx:it:" + xa.FormatGID(xa.NewXid(1, xa.NewGlobalID(), nil))
	t.Cleanup(func() { c.client.Del(ctx, queue) })

	require.NoError(t, c.Send(ctx, queue, "auto"))

	rolled := xa.NewXid(xa.DefaultFormatID, xa.NewGlobalID(), []byte{1})
	require.NoError(t, res.Start(ctx, rolled, xa.TMNoFlags))
	require.NoError(t, c.Send(ctx, queue, "rolled-back"))
	require.NoError(t, res.End(ctx, rolled, xa.TMSuccess))
	_, err := res.Prepare(ctx, rolled)
	require.NoError(t, err)
	require.NoError(t, res.Rollback(ctx, rolled))

	committed := xa.NewXid(xa.DefaultFormatID, xa.NewGlobalID(), []byte{2})
	require.NoError(t, res.Start(ctx, committed, xa.TMNoFlags))
	require.NoError(t, c.Send(ctx, queue, "committed"))
	require.NoError(t, res.End(ctx, committed, xa.TMSuccess))
	_, err = res.Prepare(ctx, committed)
	require.NoError(t, err)

	_, rec := connect(t, f)
	xids, err := rec.Recover(ctx, xa.TMStartRScan)
	require.NoError(t, err)
	found := false
	for _, x := range xids {
		found = found || x.Equal(committed)
	}
	require.True(t, found)
	require.NoError(t, rec.Commit(ctx, committed, false))
	require.True(t, xa.IsNoSuchTransaction(rec.Commit(ctx, committed, false)))

	var got []string
	for {
		body, ok, err := c.Receive(ctx, queue)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, body)
	}
	require.Equal(t, []string{"auto", "committed"}, got)
}

func TestReceiveRequeuedOnRollback(t *testing.T) {
	f := openTestFactory(t)
	ctx := context.Background()
	c, res := connect(t, f)
	queue := "transx:it:" + xa.FormatGID(xa.NewXid(1, xa.NewGlobalID(), nil))
	t.Cleanup(func() { c.client.Del(ctx, queue) })
	require.NoError(t, c.Send(ctx, queue, "m1"))
	require.NoError(t, c.Send(ctx, queue, "m2"))

	xid := xa.NewXid(xa.DefaultFormatID, xa.NewGlobalID(), []byte{1})
	require.NoError(t, res.Start(ctx, xid, xa.TMNoFlags))
	body, ok, err := c.Receive(ctx, queue)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "m1", body)
	require.NoError(t, res.End(ctx, xid, xa.TMSuccess))
	require.NoError(t, res.Rollback(ctx, xid))

	n, err := c.Len(ctx, queue)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	body, _, err = c.Receive(ctx, queue)
	require.NoError(t, err)
	require.Equal(t, "m1", body)
}

func TestReceiveHeldInFlightUntilCommit(t *testing.T) {
	f := openTestFactory(t)
	ctx := context.Background()
	c, res := connect(t, f)
	queue := "transx:it:" + xa.FormatGID(xa.NewXid(1, xa.NewGlobalID(), nil))
	t.Cleanup(func() { c.client.Del(ctx, queue) })
	require.NoError(t, c.Send(ctx, queue, "m1"))

	xid := xa.NewXid(xa.DefaultFormatID, xa.NewGlobalID(), []byte{1})
	require.NoError(t, res.Start(ctx, xid, xa.TMNoFlags))
	_, ok, err := c.Receive(ctx, queue)
	require.NoError(t, err)
	require.True(t, ok)

	key := inFlightKey(c.id, xa.FormatGID(xid), queue)
	n, err := c.client.LLen(ctx, key).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	member, err := c.client.SIsMember(ctx, InFlightIndex, key).Result()
	require.NoError(t, err)
	require.True(t, member)

	require.NoError(t, res.End(ctx, xid, xa.TMSuccess))
	require.NoError(t, res.Commit(ctx, xid, true))
	n, err = c.client.Exists(ctx, key).Result()
	require.NoError(t, err)
	require.Zero(t, n)
	member, err = c.client.SIsMember(ctx, InFlightIndex, key).Result()
	require.NoError(t, err)
	require.False(t, member)
}

func TestRecoveryRequeuesReceiveOfLostConnection(t *testing.T) {
	f := openTestFactory(t)
	ctx := context.Background()
	queue := "transx:it:" + xa.FormatGID(xa.NewXid(1, xa.NewGlobalID(), nil))

	lost, res := connect(t, f)
	require.NoError(t, lost.Send(ctx, queue, "m1"))
	require.NoError(t, lost.Send(ctx, queue, "m2"))

	xid := xa.NewXid(xa.DefaultFormatID, xa.NewGlobalID(), []byte{1})
	require.NoError(t, res.Start(ctx, xid, xa.TMNoFlags))
	body, ok, err := lost.Receive(ctx, queue)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "m1", body)
	require.NoError(t, lost.Close())

	c, rec := connect(t, f)
	t.Cleanup(func() { c.client.Del(ctx, queue) })
	require.Eventually(t, func() bool {
		if _, err := rec.Recover(ctx, xa.TMStartRScan|xa.TMEndRScan); err != nil {
			return false
		}
		n, err := c.Len(ctx, queue)
		return err == nil && n == 2
	}, 2*time.Second, 20*time.Millisecond)

	body, _, err = c.Receive(ctx, queue)
	require.NoError(t, err)
	require.Equal(t, "m1", body)
}
