// Package txmanager is a small in-memory transaction manager implementing
// transaction.Manager and transaction.DecisionLog. It drives two-phase commit
// across enlisted XA resources, keeps commit decisions in memory until every
// branch is complete, and is used by the CLI and the package tests.
package txmanager

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/transx/core/transaction"
	"github.com/sushant-115/transx/core/xa"
)

var (
	ErrRolledBack    = errors.New("transaction rolled back")
	ErrHeuristic     = errors.New("transaction completed heuristically")
	ErrInvalidStatus = errors.New("operation not allowed in current transaction status")
)

type enlisted struct {
	res       xa.Resource
	xid       xa.Xid
	ended     bool
	suspended bool
	readOnly  bool
}

type txn struct {
	id    transaction.ID
	gtrid []byte

	mu       sync.Mutex
	status   transaction.Status
	branches []*enlisted
	syncs    []transaction.Synchronization
}

// Manager is an in-memory transaction manager.
type Manager struct {
	formatID int32
	logger   *zap.Logger

	mu        sync.Mutex
	txs       map[transaction.ID]*txn
	decisions map[string]transaction.Decision
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithFormatID sets the format id stamped on branch xids.
func WithFormatID(id int32) Option { return func(m *Manager) { m.formatID = id } }

// New returns a manager tagging branches with DefaultFormatID.
func New(opts ...Option) *Manager {
	m := &Manager{
		formatID:  xa.DefaultFormatID,
		logger:    zap.NewNop(),
		txs:       make(map[transaction.ID]*txn),
		decisions: make(map[string]transaction.Decision),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("txmanager")
	return m
}

// FormatID returns the format id of xids this manager creates.
func (m *Manager) FormatID() int32 { return m.formatID }

// Begin starts a transaction and returns a context carrying it.
func (m *Manager) Begin(ctx context.Context) (context.Context, transaction.ID, error) {
	if _, ok := transaction.FromContext(ctx); ok {
		return ctx, "", fmt.Errorf("begin: nested transactions are not supported")
	}
	gtrid := xa.NewGlobalID()
	t := &txn{
		id:     transaction.ID(uuid.NewString()),
		gtrid:  gtrid,
		status: transaction.StatusActive,
	}
	m.mu.Lock()
	m.txs[t.id] = t
	m.mu.Unlock()
	m.logger.Debug("Transaction started", zap.String("txn_id", string(t.id)), zap.String("gtrid", hex.EncodeToString(gtrid)))
	return transaction.WithTransaction(ctx, t.id), t.id, nil
}

// GlobalID returns the gtrid of an active transaction.
func (m *Manager) GlobalID(id transaction.ID) ([]byte, error) {
	t, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), t.gtrid...), nil
}

func (m *Manager) lookup(id transaction.ID) (*txn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transaction.ErrUnknownTransaction, id)
	}
	return t, nil
}

func (m *Manager) forget(id transaction.ID) {
	m.mu.Lock()
	delete(m.txs, id)
	m.mu.Unlock()
}

// Status reports the transaction's status. Transactions that have completed
// and been forgotten report StatusNoTransaction.
func (m *Manager) Status(ctx context.Context, id transaction.ID) (transaction.Status, error) {
	t, err := m.lookup(id)
	if err != nil {
		return transaction.StatusNoTransaction, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, nil
}

// EnlistResource starts a branch of the transaction on res. A resource that
// was delisted earlier is re-joined to its existing branch; a suspended one
// is resumed.
func (m *Manager) EnlistResource(ctx context.Context, id transaction.ID, res xa.Resource) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case transaction.StatusActive:
	case transaction.StatusMarkedRollback:
		return transaction.ErrRollbackOnly
	default:
		return fmt.Errorf("%w: %s", transaction.ErrNotActive, t.status)
	}

	for _, b := range t.branches {
		if b.res != res {
			continue
		}
		switch {
		case b.suspended:
			if err := res.Start(ctx, b.xid, xa.TMResume); err != nil {
				return err
			}
			b.suspended = false
		case b.ended:
			if err := res.Start(ctx, b.xid, xa.TMJoin); err != nil {
				return err
			}
			b.ended = false
		}
		return nil
	}

	bqual := uuid.New()
	xid := xa.NewXid(m.formatID, t.gtrid, bqual[:])
	if err := res.Start(ctx, xid, xa.TMNoFlags); err != nil {
		return err
	}
	t.branches = append(t.branches, &enlisted{res: res, xid: xid})
	m.logger.Debug("Resource enlisted", zap.String("txn_id", string(id)), zap.Stringer("xid", xid))
	return nil
}

// DelistResource ends the branch of res. TMFail marks the transaction
// rollback-only.
func (m *Manager) DelistResource(ctx context.Context, id transaction.ID, res xa.Resource, flags xa.Flags) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.branches {
		if b.res != res {
			continue
		}
		if b.ended {
			return nil
		}
		if err := res.End(ctx, b.xid, flags); err != nil {
			return err
		}
		if flags.Has(xa.TMSuspend) {
			b.suspended = true
		} else {
			b.ended = true
			b.suspended = false
		}
		if flags.Has(xa.TMFail) && t.status == transaction.StatusActive {
			t.status = transaction.StatusMarkedRollback
		}
		return nil
	}
	return fmt.Errorf("delist: resource not enlisted in %s", id)
}

// RegisterSynchronization adds s to an active transaction.
func (m *Manager) RegisterSynchronization(ctx context.Context, id transaction.ID, s transaction.Synchronization) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != transaction.StatusActive && t.status != transaction.StatusMarkedRollback {
		return fmt.Errorf("%w: %s", transaction.ErrNotActive, t.status)
	}
	t.syncs = append(t.syncs, s)
	return nil
}

// SetRollbackOnly marks the transaction so that its only outcome is rollback.
func (m *Manager) SetRollbackOnly(id transaction.ID) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != transaction.StatusActive && t.status != transaction.StatusMarkedRollback {
		return fmt.Errorf("%w: %s", transaction.ErrNotActive, t.status)
	}
	t.status = transaction.StatusMarkedRollback
	return nil
}

func (t *txn) setStatus(s transaction.Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *txn) snapshot() ([]*enlisted, []transaction.Synchronization, transaction.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*enlisted(nil), t.branches...), append([]transaction.Synchronization(nil), t.syncs...), t.status
}

// endAll ends every branch still associated with its resource.
func (t *txn) endAll(ctx context.Context, flags xa.Flags) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for _, b := range t.branches {
		if b.ended && !b.suspended {
			continue
		}
		if err := b.res.End(ctx, b.xid, flags); err != nil && !xa.IsNoSuchTransaction(err) {
			errs = append(errs, err)
		}
		b.ended, b.suspended = true, false
	}
	return errors.Join(errs...)
}
