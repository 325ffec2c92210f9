// Package memxa is an in-memory XA resource manager: a key/value table and a
// message queue whose changes are applied only when the owning branch
// commits. It backs the "memory" driver and the package tests.
package memxa

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sushant-115/transx/core/xa"
	"github.com/sushant-115/transx/pkg/connection"
)

var (
	ErrStoreClosed = errors.New("memxa: store is closed")
	ErrConnClosed  = errors.New("memxa: connection is closed")
	ErrInjected    = errors.New("memxa: injected failure")
)

type opKind int

const (
	opPut opKind = iota
	opDelete
	opSend
	opReceive
)

type op struct {
	Kind  opKind
	Key   string
	Value string
}

type branchState int

const (
	branchActive branchState = iota
	branchIdle
	branchPrepared
)

type branch struct {
	xid          xa.Xid
	state        branchState
	ops          []op
	rollbackOnly bool
}

// Store is one resource manager instance shared by all its connections.
type Store struct {
	name string

	mu         sync.Mutex
	data       map[string]string
	queue      []string
	branches   map[string]*branch
	heuristics map[string]xa.Code
	pageSize   int
	closed     bool

	failConnect  atomic.Int32
	failValidate atomic.Int32
	failRecover  atomic.Int32
	open         atomic.Int32
	commits      atomic.Int32
	rollbacks    atomic.Int32
}

// NewStore returns an empty resource manager called name.
func NewStore(name string) *Store {
	return &Store{
		name:       name,
		data:       make(map[string]string),
		branches:   make(map[string]*branch),
		heuristics: make(map[string]xa.Code),
	}
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// SetRecoverPageSize makes Recover return at most n xids per call. Zero
// returns every prepared branch in one call.
func (s *Store) SetRecoverPageSize(n int) {
	s.mu.Lock()
	s.pageSize = n
	s.mu.Unlock()
}

// FailNextConnects makes the next n Connect calls fail.
func (s *Store) FailNextConnects(n int) { s.failConnect.Store(int32(n)) }

// FailNextValidations makes the next n liveness checks fail.
func (s *Store) FailNextValidations(n int) { s.failValidate.Store(int32(n)) }

// FailNextRecovers makes the next n Recover scans fail.
func (s *Store) FailNextRecovers(n int) { s.failRecover.Store(int32(n)) }

// InjectHeuristic makes the next Commit or Rollback of xid report code and
// remember the branch until it is forgotten.
func (s *Store) InjectHeuristic(xid xa.Xid, code xa.Code) {
	s.mu.Lock()
	s.heuristics[xid.Key()] = code
	s.mu.Unlock()
}

// SeedPrepared records a prepared branch as if the process had crashed
// between prepare and commit.
func (s *Store) SeedPrepared(xid xa.Xid, puts map[string]string) {
	b := &branch{xid: xa.NewXid(xid.FormatID, xid.GlobalID, xid.BranchQualifier), state: branchPrepared}
	keys := make([]string, 0, len(puts))
	for k := range puts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.ops = append(b.ops, op{Kind: opPut, Key: k, Value: puts[k]})
	}
	s.mu.Lock()
	s.branches[xid.Key()] = b
	s.mu.Unlock()
}

// Value returns the committed value of key.
func (s *Store) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// QueueDepth returns the number of committed, unconsumed messages.
func (s *Store) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Prepared lists the xids of prepared branches.
func (s *Store) Prepared() []xa.Xid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preparedLocked()
}

func (s *Store) preparedLocked() []xa.Xid {
	var out []xa.Xid
	for _, b := range s.branches {
		if b.state == branchPrepared {
			out = append(out, b.xid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Counters for tests.
func (s *Store) OpenConnections() int { return int(s.open.Load()) }
func (s *Store) Commits() int         { return int(s.commits.Load()) }
func (s *Store) Rollbacks() int       { return int(s.rollbacks.Load()) }

// Close marks the store unavailable; later operations fail with XAER_RMFAIL.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func consume(n *atomic.Int32) bool {
	for {
		v := n.Load()
		if v <= 0 {
			return false
		}
		if n.CompareAndSwap(v, v-1) {
			return true
		}
	}
}

// apply must be called with s.mu held.
func (s *Store) applyLocked(ops []op) {
	for _, o := range ops {
		switch o.Kind {
		case opPut:
			s.data[o.Key] = o.Value
		case opDelete:
			delete(s.data, o.Key)
		case opSend:
			s.queue = append(s.queue, o.Value)
		}
	}
}

// undoLocked puts messages received inside a rolled back unit of work back at
// the head of the queue.
func (s *Store) undoLocked(ops []op) {
	var back []string
	for _, o := range ops {
		if o.Kind == opReceive {
			back = append(back, o.Value)
		}
	}
	if len(back) > 0 {
		s.queue = append(back, s.queue...)
	}
}

func (s *Store) receiveLocked() (string, bool) {
	if len(s.queue) == 0 {
		return "", false
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true
}

// Factory opens connections to a Store. It implements connection.XAFactory.
type Factory struct {
	Store *Store
}

// Connect opens a connection to the store.
func (f Factory) Connect(ctx context.Context, creds connection.Credentials) (connection.PhysicalConnection, error) {
	s := f.Store
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrStoreClosed
	}
	if consume(&s.failConnect) {
		return nil, fmt.Errorf("connect %s as %s: %w", s.name, creds.Subject(), ErrInjected)
	}
	s.open.Add(1)
	return &Conn{store: s, user: creds.Subject(), autoCommit: true}, nil
}

// XAResource returns the XA side of a memxa connection.
func (f Factory) XAResource(conn connection.PhysicalConnection) (xa.Resource, error) {
	c, ok := conn.(*Conn)
	if !ok {
		return nil, fmt.Errorf("memxa: unexpected connection type %T", conn)
	}
	return c.XA(), nil
}

// RecoveryResource returns an XA resource not bound to any connection, for
// recovery scans.
func (s *Store) RecoveryResource() *Resource {
	return &Resource{store: s}
}
