package txmanager

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/transx/core/transaction"
	"github.com/sushant-115/transx/core/xa"
)

// Commit runs completion callbacks and commits the transaction, one-phase
// when a single resource is enlisted and two-phase otherwise.
func (m *Manager) Commit(ctx context.Context, id transaction.ID) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	_, syncs, status := t.snapshot()
	if status != transaction.StatusActive && status != transaction.StatusMarkedRollback {
		return fmt.Errorf("%w: commit in %s", ErrInvalidStatus, status)
	}

	for _, s := range syncs {
		s.BeforeCompletion(ctx)
	}
	if err := t.endAll(ctx, xa.TMSuccess); err != nil {
		m.logger.Warn("Failed to end branches before commit", zap.String("txn_id", string(id)), zap.Error(err))
		t.setStatus(transaction.StatusMarkedRollback)
	}

	branches, syncs, status := t.snapshot()
	if status == transaction.StatusMarkedRollback {
		m.rollback(ctx, t, syncs)
		return fmt.Errorf("%w: %s was marked rollback-only", ErrRolledBack, id)
	}

	var commitErr error
	switch len(branches) {
	case 0:
	case 1:
		commitErr = m.commitOnePhase(ctx, t, branches[0])
	default:
		commitErr = m.commitTwoPhase(ctx, t, branches)
	}
	final := transaction.StatusCommitted
	switch {
	case errors.Is(commitErr, ErrRolledBack):
		final = transaction.StatusRolledBack
	case commitErr != nil && len(branches) == 1 && !errors.Is(commitErr, ErrHeuristic):
		final = transaction.StatusUnknown
	}
	m.finish(ctx, t, syncs, final)
	return commitErr
}

func (m *Manager) commitOnePhase(ctx context.Context, t *txn, b *enlisted) error {
	t.setStatus(transaction.StatusCommitting)
	err := b.res.Commit(ctx, b.xid, true)
	switch {
	case err == nil:
		return nil
	case xa.IsRollback(err):
		return fmt.Errorf("%w: %w", ErrRolledBack, err)
	case xa.IsHeuristic(err):
		m.forgetBranch(ctx, b)
		return fmt.Errorf("%w: %w", ErrHeuristic, err)
	}
	return err
}

func (m *Manager) commitTwoPhase(ctx context.Context, t *txn, branches []*enlisted) error {
	t.setStatus(transaction.StatusPreparing)
	for i, b := range branches {
		vote, err := b.res.Prepare(ctx, b.xid)
		if err != nil {
			m.logger.Info("Branch refused to prepare, rolling back",
				zap.String("txn_id", string(t.id)), zap.Stringer("xid", b.xid), zap.Error(err))
			t.setStatus(transaction.StatusRollingBack)
			for j, other := range branches {
				if j == i && xa.IsRollback(err) {
					continue
				}
				if other.readOnly {
					continue
				}
				if rerr := other.res.Rollback(ctx, other.xid); rerr != nil && !xa.IsNoSuchTransaction(rerr) {
					m.logger.Warn("Rollback after failed prepare", zap.Stringer("xid", other.xid), zap.Error(rerr))
				}
			}
			return fmt.Errorf("%w: prepare %s: %w", ErrRolledBack, b.xid, err)
		}
		b.readOnly = vote == xa.VoteReadOnly
	}

	t.setStatus(transaction.StatusPrepared)
	m.RecordDecision(t.gtrid, transaction.DecisionCommit)
	t.setStatus(transaction.StatusCommitting)

	var errs []error
	incomplete := false
	for _, b := range branches {
		if b.readOnly {
			continue
		}
		err := b.res.Commit(ctx, b.xid, false)
		switch {
		case err == nil, xa.IsNoSuchTransaction(err):
		case xa.IsHeuristic(err):
			m.forgetBranch(ctx, b)
			errs = append(errs, fmt.Errorf("%w: %w", ErrHeuristic, err))
		default:
			// The decision stays recorded so recovery can finish the branch.
			incomplete = true
			errs = append(errs, err)
			m.logger.Warn("Commit of prepared branch failed", zap.Stringer("xid", b.xid), zap.Error(err))
		}
	}
	if !incomplete {
		m.dropDecision(t.gtrid)
	}
	return errors.Join(errs...)
}

func (m *Manager) forgetBranch(ctx context.Context, b *enlisted) {
	if err := b.res.Forget(ctx, b.xid); err != nil {
		m.logger.Warn("Forget failed", zap.Stringer("xid", b.xid), zap.Error(err))
	}
}

// Rollback rolls the transaction back.
func (m *Manager) Rollback(ctx context.Context, id transaction.ID) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	_, syncs, status := t.snapshot()
	if status != transaction.StatusActive && status != transaction.StatusMarkedRollback {
		return fmt.Errorf("%w: rollback in %s", ErrInvalidStatus, status)
	}
	m.rollback(ctx, t, syncs)
	return nil
}

func (m *Manager) rollback(ctx context.Context, t *txn, syncs []transaction.Synchronization) {
	t.setStatus(transaction.StatusRollingBack)
	if err := t.endAll(ctx, xa.TMFail); err != nil {
		m.logger.Debug("End before rollback", zap.String("txn_id", string(t.id)), zap.Error(err))
	}
	branches, _, _ := t.snapshot()
	for _, b := range branches {
		if err := b.res.Rollback(ctx, b.xid); err != nil && !xa.IsNoSuchTransaction(err) {
			m.logger.Warn("Branch rollback failed", zap.Stringer("xid", b.xid), zap.Error(err))
		}
	}
	m.finish(ctx, t, syncs, transaction.StatusRolledBack)
}

func (m *Manager) finish(ctx context.Context, t *txn, syncs []transaction.Synchronization, status transaction.Status) {
	t.setStatus(status)
	m.forget(t.id)
	for _, s := range syncs {
		s.AfterCompletion(ctx, status)
	}
	m.logger.Debug("Transaction completed", zap.String("txn_id", string(t.id)), zap.Stringer("status", status))
}

// PrepareAndAbandon prepares every branch and then drops the transaction as
// a manager that lost its state between the phases would, leaving the
// branches in doubt. When decision is not DecisionUnknown it is recorded
// first. Completion callbacks see StatusUnknown.
func (m *Manager) PrepareAndAbandon(ctx context.Context, id transaction.ID, decision transaction.Decision) ([]xa.Xid, error) {
	t, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	_, syncs, _ := t.snapshot()
	for _, s := range syncs {
		s.BeforeCompletion(ctx)
	}
	if err := t.endAll(ctx, xa.TMSuccess); err != nil {
		return nil, err
	}
	branches, _, _ := t.snapshot()
	t.setStatus(transaction.StatusPreparing)
	var xids []xa.Xid
	for _, b := range branches {
		vote, err := b.res.Prepare(ctx, b.xid)
		if err != nil {
			return xids, err
		}
		if vote == xa.VoteCommit {
			xids = append(xids, b.xid)
		}
	}
	if decision != transaction.DecisionUnknown {
		m.RecordDecision(t.gtrid, decision)
	}
	m.finish(ctx, t, syncs, transaction.StatusUnknown)
	return xids, nil
}

// RecordDecision stores the outcome of the global transaction gtrid.
func (m *Manager) RecordDecision(gtrid []byte, d transaction.Decision) {
	m.mu.Lock()
	m.decisions[hex.EncodeToString(gtrid)] = d
	m.mu.Unlock()
}

func (m *Manager) dropDecision(gtrid []byte) {
	m.mu.Lock()
	delete(m.decisions, hex.EncodeToString(gtrid))
	m.mu.Unlock()
}

// RecordedDecision implements transaction.DecisionLog. Xids of other
// managers' format are never claimed.
func (m *Manager) RecordedDecision(ctx context.Context, xid xa.Xid) (transaction.Decision, error) {
	if xid.FormatID != m.formatID {
		return transaction.DecisionUnknown, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decisions[hex.EncodeToString(xid.GlobalID)], nil
}

// Decisions returns a copy of the recorded decisions keyed by hex gtrid.
func (m *Manager) Decisions() map[string]transaction.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]transaction.Decision, len(m.decisions))
	for k, v := range m.decisions {
		out[k] = v
	}
	return out
}
