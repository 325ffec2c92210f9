package enlistment

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sushant-115/transx/core/transaction"
	"github.com/sushant-115/transx/core/xa"
	"github.com/sushant-115/transx/pkg/connection"
)

// Handle is the caller's view of an acquired connection. Closing it returns
// the connection to the pool, or, while the connection is still enlisted,
// defers that until the transaction completes.
type Handle struct {
	ic     *Interceptor
	mc     *connection.ManagedConnection
	branch *transaction.Branch
	closed atomic.Bool
}

// Conn returns the physical connection. Once the handle's branch is
// delisted it returns ErrBranchDelisted instead, so work meant for the
// transaction cannot run in auto-commit mode.
func (h *Handle) Conn() (connection.PhysicalConnection, error) {
	if h.closed.Load() {
		return nil, ErrHandleClosed
	}
	if h.branch != nil && h.branch.State() == transaction.BranchDelisted {
		return nil, fmt.Errorf("%w: %s", ErrBranchDelisted, h.branch.TxID())
	}
	return h.mc.Physical(), nil
}

// ManagedConnection returns the pooled connection behind the handle.
func (h *Handle) ManagedConnection() *connection.ManagedConnection { return h.mc }

// Branch returns the transaction branch, or nil outside a transaction.
func (h *Handle) Branch() *transaction.Branch { return h.branch }

// TxID returns the transaction the handle was acquired in, if any.
func (h *Handle) TxID() (transaction.ID, bool) {
	if h.branch == nil {
		return "", false
	}
	return h.branch.TxID(), true
}

// SetAutoCommit switches the connection between auto-commit and a local
// transaction. It is only allowed outside a global transaction on resources
// with local transactions enabled; the pool restores auto-commit on release.
func (h *Handle) SetAutoCommit(ctx context.Context, on bool) error {
	if h.closed.Load() {
		return ErrHandleClosed
	}
	if h.branch != nil {
		return ErrInGlobalTransaction
	}
	if !on && !h.ic.cfg.LocalTransactions {
		return fmt.Errorf("%w: %s", ErrLocalTransactionsDisabled, h.ic.pool.Name())
	}
	ac, ok := h.mc.Physical().(connection.AutoCommitter)
	if !ok {
		return fmt.Errorf("connection of %s has no auto-commit mode", h.ic.pool.Name())
	}
	return ac.SetAutoCommit(ctx, on)
}

// MarkBroken tells the pool to destroy the connection instead of reusing it.
func (h *Handle) MarkBroken() { h.mc.MarkError() }

// Delist ends the branch now with TMSuccess instead of at completion. The
// connection stays with the transaction until it completes and the handle
// refuses further work. Delist fails with ErrBranchShared while other
// handles are joined to the branch.
func (h *Handle) Delist(ctx context.Context) error {
	if h.closed.Load() {
		return ErrHandleClosed
	}
	if h.branch == nil || h.branch.State() != transaction.BranchEnlisted {
		return nil
	}
	txID := h.branch.TxID()
	if err := h.ic.detachShared(txID, h.mc); err != nil {
		return err
	}
	if err := h.ic.tm.DelistResource(ctx, txID, h.branch.Resource(), xa.TMSuccess); err != nil {
		return fmt.Errorf("delist from %s: %w", txID, err)
	}
	h.ic.endBranch(ctx, h.mc, h.branch, "explicit")
	return nil
}

// Close releases the handle. A second call returns ErrHandleClosed.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return ErrHandleClosed
	}
	return h.ic.closeHandle(context.Background(), h)
}

func (i *Interceptor) closeHandle(ctx context.Context, h *Handle) error {
	mc, branch := h.mc, h.branch
	if mc.DropHandle() > 0 {
		return nil
	}
	if branch == nil || mc.Branch() != branch {
		if branch != nil {
			i.forgetShared(branch.TxID(), mc)
		}
		i.release(mc)
		return nil
	}

	txID := branch.TxID()
	log := i.logger.With(zap.String("txn_id", string(txID)), zap.String("conn_id", mc.ID()))
	status, err := i.tm.Status(ctx, txID)
	if err != nil && !errors.Is(err, transaction.ErrUnknownTransaction) {
		log.Warn("Transaction status unavailable", zap.Error(err))
		status = transaction.StatusUnknown
	}
	if errors.Is(err, transaction.ErrUnknownTransaction) || status.Completed() {
		i.completeBranch(ctx, mc, branch, "completed")
		i.release(mc)
		return nil
	}

	if !branch.ClaimSynchronization() {
		// Delisted early or closed before; a completion callback or a
		// status watch already owns the connection.
		return nil
	}
	sync := &completion{ic: i, mc: mc, branch: branch}
	if err := i.tm.RegisterSynchronization(ctx, txID, sync); err != nil {
		log.Warn("Could not register completion callback, delisting now", zap.Error(err))
		if derr := i.tm.DelistResource(ctx, txID, branch.Resource(), xa.TMSuccess); derr != nil {
			log.Error("Delist failed, destroying connection", zap.Error(derr))
			i.completeBranch(ctx, mc, branch, "failed")
			i.destroy(mc)
			return nil
		}
		if branch.MarkDelisted() {
			i.metrics.RecordDelist(ctx, "immediate")
		}
		i.forgetShared(txID, mc)
		i.watch(mc, branch)
		return nil
	}
	log.Debug("Connection parked until transaction completes")
	return nil
}

// completion delists a parked connection at transaction completion and gives
// it back to the pool.
type completion struct {
	ic     *Interceptor
	mc     *connection.ManagedConnection
	branch *transaction.Branch
}

func (c *completion) BeforeCompletion(ctx context.Context) {
	if c.branch.State() != transaction.BranchEnlisted {
		return
	}
	if err := c.ic.tm.DelistResource(ctx, c.branch.TxID(), c.branch.Resource(), xa.TMSuccess); err != nil {
		c.ic.logger.Warn("Delist before completion failed",
			zap.String("txn_id", string(c.branch.TxID())),
			zap.String("conn_id", c.mc.ID()),
			zap.Error(err))
	}
}

func (c *completion) AfterCompletion(ctx context.Context, status transaction.Status) {
	c.ic.completeBranch(ctx, c.mc, c.branch, "synchronization")
	if c.mc.Handles() > 0 {
		return
	}
	c.ic.release(c.mc)
	c.ic.logger.Debug("Connection returned after completion",
		zap.String("txn_id", string(c.branch.TxID())),
		zap.String("conn_id", c.mc.ID()),
		zap.Stringer("status", status))
}
