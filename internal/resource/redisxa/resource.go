package redisxa

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/sushant-115/transx/core/xa"
)

// Resource implements xa.Resource on one connection.
type Resource struct {
	conn *Conn
}

var _ xa.Resource = (*Resource)(nil)

// Start associates a new, joined or resumed branch with the connection.
func (r *Resource) Start(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	key := xid.Key()
	b, exists := c.branches[key]
	if flags.Has(xa.TMJoin) || flags.Has(xa.TMResume) {
		if !exists {
			return xa.NewError(xa.XAERNoTA, "start", nil)
		}
		c.active = b
		return nil
	}
	if exists {
		return xa.NewError(xa.XAERDupID, "start", nil)
	}
	if c.active != nil {
		return xa.NewError(xa.XAERProto, "start", ErrInBranch)
	}
	if c.local != nil {
		return xa.NewError(xa.XAEROutside, "start", errors.New("local transaction in progress"))
	}
	if c.branches == nil {
		c.branches = make(map[string]*branch)
	}
	b = &branch{xid: xa.NewXid(xid.FormatID, xid.GlobalID, xid.BranchQualifier)}
	c.branches[key] = b
	c.active = b
	return nil
}

func (r *Resource) End(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.branches[xid.Key()]
	if !ok {
		return xa.NewError(xa.XAERNoTA, "end", nil)
	}
	if flags.Has(xa.TMFail) {
		b.rollbackOnly = true
	}
	if c.active == b {
		c.active = nil
	}
	return nil
}

// takeLocked removes an unprepared branch from the connection.
func (c *Conn) takeLocked(xid xa.Xid) *branch {
	key := xid.Key()
	b, ok := c.branches[key]
	if !ok {
		return nil
	}
	delete(c.branches, key)
	if c.active == b {
		c.active = nil
	}
	return b
}

func (r *Resource) Prepare(ctx context.Context, xid xa.Xid) (xa.Vote, error) {
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.takeLocked(xid)
	if b == nil {
		return xa.VoteCommit, xa.NewError(xa.XAERNoTA, "prepare", nil)
	}
	if b.rollbackOnly {
		if err := undo(ctx, c.client, &b.work); err != nil {
			return xa.VoteCommit, xa.NewError(xa.XAERRMFail, "prepare", err)
		}
		return xa.VoteCommit, xa.NewError(xa.XARBRollback, "prepare", nil)
	}
	if b.work.empty() {
		return xa.VoteReadOnly, nil
	}
	raw, err := json.Marshal(b.work)
	if err != nil {
		return xa.VoteCommit, xa.NewError(xa.XAERRMErr, "prepare", err)
	}
	if err := c.client.HSet(ctx, PreparedKey, xa.FormatGID(xid), raw).Err(); err != nil {
		// The branch is gone from the connection; roll its receives back.
		_ = undo(ctx, c.client, &b.work)
		return xa.VoteCommit, xa.NewError(xa.XAERRMFail, "prepare", err)
	}
	return xa.VoteCommit, nil
}

func (r *Resource) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if onePhase {
		b := c.takeLocked(xid)
		if b == nil {
			return xa.NewError(xa.XAERNoTA, "commit", nil)
		}
		if b.rollbackOnly {
			_ = undo(ctx, c.client, &b.work)
			return xa.NewError(xa.XARBRollback, "commit", nil)
		}
		if err := apply(ctx, c.client, &b.work); err != nil {
			return xa.NewError(xa.XAERRMFail, "commit", err)
		}
		return nil
	}
	if _, ok := c.branches[xid.Key()]; ok {
		return xa.NewError(xa.XAERProto, "commit", errors.New("branch not prepared"))
	}
	return completePrepared(ctx, c.client, "commit", xid, func(p redis.Pipeliner, w *work) {
		pushSends(ctx, p, w)
		dropInFlight(ctx, p, w)
	})
}

func (r *Resource) Rollback(ctx context.Context, xid xa.Xid) error {
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if b := c.takeLocked(xid); b != nil {
		if err := undo(ctx, c.client, &b.work); err != nil {
			return xa.NewError(xa.XAERRMFail, "rollback", err)
		}
		return nil
	}
	return completePrepared(ctx, c.client, "rollback", xid, func(p redis.Pipeliner, w *work) {
		requeue(ctx, p, w)
	})
}

// completePrepared applies fn to the prepared work of xid and removes the
// record in one transaction. WATCH makes concurrent completions of the same
// branch apply it at most once.
func completePrepared(ctx context.Context, client *redis.Client, op string, xid xa.Xid, fn func(redis.Pipeliner, *work)) error {
	gid := xa.FormatGID(xid)
	err := client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, PreparedKey, gid).Bytes()
		if errors.Is(err, redis.Nil) {
			return xa.NewError(xa.XAERNoTA, op, nil)
		}
		if err != nil {
			return err
		}
		var w work
		if err := json.Unmarshal(raw, &w); err != nil {
			return xa.NewError(xa.XAERRMErr, op, err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			fn(p, &w)
			p.HDel(ctx, PreparedKey, gid)
			return nil
		})
		if errors.Is(err, redis.Nil) {
			// An in-flight list already emptied by orphan requeueing.
			return nil
		}
		return err
	}, PreparedKey)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return xa.NewError(xa.XARetry, op, err)
	case xa.CodeOf(err) != xa.XAOK:
		return err
	}
	return xa.NewError(xa.XAERRMFail, op, err)
}

// Forget is a no-op: branches are never completed heuristically.
func (r *Resource) Forget(ctx context.Context, xid xa.Xid) error { return nil }

// Recover returns every prepared branch on TMStartRScan and nothing on later
// pages. The start of a scan also requeues messages held by transactions of
// disconnected clients that never prepared.
func (r *Resource) Recover(ctx context.Context, flags xa.Flags) ([]xa.Xid, error) {
	if !flags.Has(xa.TMStartRScan) {
		return nil, nil
	}
	if _, err := r.conn.requeueOrphans(ctx); err != nil {
		return nil, xa.NewError(xa.XAERRMFail, "recover", err)
	}
	gids, err := r.conn.client.HKeys(ctx, PreparedKey).Result()
	if err != nil {
		return nil, xa.NewError(xa.XAERRMFail, "recover", err)
	}
	xids := make([]xa.Xid, 0, len(gids))
	for _, gid := range gids {
		xid, err := xa.ParseGID(gid)
		if err != nil {
			continue
		}
		xids = append(xids, xid)
	}
	return xids, nil
}

func (r *Resource) IsSameRM(other xa.Resource) bool {
	o, ok := other.(*Resource)
	if !ok {
		return false
	}
	a, b := r.conn.client.Options(), o.conn.client.Options()
	return a.Addr == b.Addr && a.DB == b.DB
}
