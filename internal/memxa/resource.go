package memxa

import (
	"context"
	"errors"
	"sync"

	"github.com/sushant-115/transx/core/xa"
)

// Resource implements xa.Resource for a Store. Resources returned by
// Conn.XA associate branches with their connection; the one returned by
// Store.RecoveryResource only completes and scans branches.
type Resource struct {
	store *Store
	conn  *Conn

	scanMu sync.Mutex
	cursor []xa.Xid
}

var _ xa.Resource = (*Resource)(nil)

func (r *Resource) Start(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	if r.conn != nil {
		if err := r.conn.associate(xid); err != nil {
			return err
		}
	}
	if err := r.store.startBranch(xid, flags); err != nil {
		r.dissociate(xid)
		return err
	}
	return nil
}

func (s *Store) startBranch(xid xa.Xid, flags xa.Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return xa.NewError(xa.XAERRMFail, "start", ErrStoreClosed)
	}
	key := xid.Key()
	b, exists := s.branches[key]
	if flags.Has(xa.TMJoin) || flags.Has(xa.TMResume) {
		if !exists {
			return xa.NewError(xa.XAERNoTA, "start", nil)
		}
		if b.state == branchPrepared {
			return xa.NewError(xa.XAERProto, "start", errors.New("branch already prepared"))
		}
		b.state = branchActive
		return nil
	}
	if exists {
		return xa.NewError(xa.XAERDupID, "start", nil)
	}
	s.branches[key] = &branch{xid: xa.NewXid(xid.FormatID, xid.GlobalID, xid.BranchQualifier), state: branchActive}
	return nil
}

func (r *Resource) dissociate(xid xa.Xid) {
	if r.conn != nil {
		r.conn.dissociate(xid)
	}
}

func (r *Resource) End(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	r.dissociate(xid)
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[xid.Key()]
	if !ok {
		return xa.NewError(xa.XAERNoTA, "end", nil)
	}
	if flags.Has(xa.TMFail) {
		b.rollbackOnly = true
	}
	if b.state == branchActive {
		b.state = branchIdle
	}
	return nil
}

func (r *Resource) Prepare(ctx context.Context, xid xa.Xid) (xa.Vote, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return xa.VoteCommit, xa.NewError(xa.XAERRMFail, "prepare", ErrStoreClosed)
	}
	key := xid.Key()
	b, ok := s.branches[key]
	if !ok {
		return xa.VoteCommit, xa.NewError(xa.XAERNoTA, "prepare", nil)
	}
	switch {
	case b.state == branchActive:
		return xa.VoteCommit, xa.NewError(xa.XAERProto, "prepare", errors.New("branch still active"))
	case b.rollbackOnly:
		s.undoLocked(b.ops)
		delete(s.branches, key)
		s.rollbacks.Add(1)
		return xa.VoteCommit, xa.NewError(xa.XARBRollback, "prepare", nil)
	case len(b.ops) == 0:
		delete(s.branches, key)
		return xa.VoteReadOnly, nil
	}
	b.state = branchPrepared
	return xa.VoteCommit, nil
}

func (r *Resource) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return xa.NewError(xa.XAERRMFail, "commit", ErrStoreClosed)
	}
	key := xid.Key()
	b, ok := s.branches[key]
	if code, heur := s.heuristics[key]; heur {
		if ok {
			s.completeHeuristicLocked(b, code)
		}
		return xa.NewError(code, "commit", nil)
	}
	if !ok {
		return xa.NewError(xa.XAERNoTA, "commit", nil)
	}
	if onePhase {
		if b.state == branchPrepared {
			return xa.NewError(xa.XAERProto, "commit", errors.New("one-phase commit of a prepared branch"))
		}
		if b.rollbackOnly {
			s.undoLocked(b.ops)
			delete(s.branches, key)
			s.rollbacks.Add(1)
			return xa.NewError(xa.XARBRollback, "commit", nil)
		}
	} else if b.state != branchPrepared {
		return xa.NewError(xa.XAERProto, "commit", errors.New("branch not prepared"))
	}
	s.applyLocked(b.ops)
	delete(s.branches, key)
	s.commits.Add(1)
	return nil
}

func (r *Resource) Rollback(ctx context.Context, xid xa.Xid) error {
	r.dissociate(xid)
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return xa.NewError(xa.XAERRMFail, "rollback", ErrStoreClosed)
	}
	key := xid.Key()
	b, ok := s.branches[key]
	if code, heur := s.heuristics[key]; heur {
		if ok {
			s.completeHeuristicLocked(b, code)
		}
		return xa.NewError(code, "rollback", nil)
	}
	if !ok {
		return xa.NewError(xa.XAERNoTA, "rollback", nil)
	}
	s.undoLocked(b.ops)
	delete(s.branches, key)
	s.rollbacks.Add(1)
	return nil
}

// completeHeuristicLocked finishes b the way the injected outcome says and
// leaves the heuristic record for Forget.
func (s *Store) completeHeuristicLocked(b *branch, code xa.Code) {
	switch code {
	case xa.XAHeurCom, xa.XAHeurMix:
		s.applyLocked(b.ops)
	default:
		s.undoLocked(b.ops)
	}
	delete(s.branches, b.xid.Key())
}

func (r *Resource) Forget(ctx context.Context, xid xa.Xid) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	key := xid.Key()
	if _, ok := s.heuristics[key]; !ok {
		return xa.NewError(xa.XAERNoTA, "forget", nil)
	}
	delete(s.heuristics, key)
	return nil
}

// Recover returns prepared branches. With a page size set, a scan opened by
// TMStartRScan is returned page by page on TMNoFlags calls.
func (r *Resource) Recover(ctx context.Context, flags xa.Flags) ([]xa.Xid, error) {
	if consume(&r.store.failRecover) {
		return nil, xa.NewError(xa.XAERRMErr, "recover", ErrInjected)
	}
	s := r.store
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, xa.NewError(xa.XAERRMFail, "recover", ErrStoreClosed)
	}
	pageSize := s.pageSize
	var prepared []xa.Xid
	if flags.Has(xa.TMStartRScan) {
		prepared = s.preparedLocked()
	}
	s.mu.Unlock()

	r.scanMu.Lock()
	defer r.scanMu.Unlock()
	if flags.Has(xa.TMStartRScan) {
		r.cursor = prepared
	}
	n := len(r.cursor)
	if pageSize > 0 && pageSize < n {
		n = pageSize
	}
	page := r.cursor[:n:n]
	r.cursor = r.cursor[n:]
	if flags.Has(xa.TMEndRScan) {
		r.cursor = nil
	}
	return page, nil
}

func (r *Resource) IsSameRM(other xa.Resource) bool {
	o, ok := other.(*Resource)
	return ok && o.store == r.store
}
