// Package transaction describes the contract between the connection pool and
// an external global transaction manager. The manager itself (its log and its
// commit decision) lives outside this module; only what the pool, the
// enlistment interceptor and the recovery coordinator consume is defined here.
package transaction

import (
	"context"
	"errors"

	"github.com/sushant-115/transx/core/xa"
)

// ID identifies a global transaction as seen by the transaction manager.
type ID string

// Status is the lifecycle state of a global transaction.
type Status int

const (
	StatusNoTransaction  Status = iota // no transaction is associated
	StatusActive                       // work may still be enlisted
	StatusMarkedRollback               // active, but the only outcome is rollback
	StatusPreparing                    // phase one in progress
	StatusPrepared                     // all branches voted, decision pending
	StatusCommitting                   // commit decision recorded, phase two running
	StatusCommitted                    // completed with commit
	StatusRollingBack                  // rollback in progress
	StatusRolledBack                   // completed with rollback
	StatusUnknown                      // the manager cannot tell
)

var statusNames = [...]string{
	"no_transaction", "active", "marked_rollback", "preparing", "prepared",
	"committing", "committed", "rolling_back", "rolled_back", "unknown",
}

func (s Status) String() string {
	if int(s) >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// Completed reports whether no further work can happen in the transaction.
func (s Status) Completed() bool {
	switch s {
	case StatusCommitted, StatusRolledBack, StatusNoTransaction:
		return true
	}
	return false
}

// Decision is the durable outcome a transaction manager recorded for a
// global transaction, as reported to recovery.
type Decision int

const (
	DecisionUnknown Decision = iota
	DecisionCommit
	DecisionRollback
)

func (d Decision) String() string {
	switch d {
	case DecisionCommit:
		return "commit"
	case DecisionRollback:
		return "rollback"
	}
	return "unknown"
}

// Synchronization is a single-shot completion callback. The manager calls
// BeforeCompletion once before phase one and AfterCompletion once after the
// outcome is known.
type Synchronization interface {
	BeforeCompletion(ctx context.Context)
	AfterCompletion(ctx context.Context, status Status)
}

// Manager is the subset of a JTA-style transaction manager the pool uses.
// Implementations synchronize independently; callers make no assumption
// about their locking.
type Manager interface {
	Status(ctx context.Context, id ID) (Status, error)
	// EnlistResource associates res with the transaction and starts a branch
	// on it. It fails when the transaction is not active or is marked
	// rollback-only, or when the resource refuses to start.
	EnlistResource(ctx context.Context, id ID, res xa.Resource) error
	// DelistResource ends the association with TMSuccess, TMSuspend or TMFail.
	DelistResource(ctx context.Context, id ID, res xa.Resource, flags xa.Flags) error
	RegisterSynchronization(ctx context.Context, id ID, s Synchronization) error
}

// DecisionLog answers recovery queries against the manager's durable log.
type DecisionLog interface {
	RecordedDecision(ctx context.Context, xid xa.Xid) (Decision, error)
}

var (
	ErrNoTransaction      = errors.New("no transaction associated with context")
	ErrNotActive          = errors.New("transaction is not active")
	ErrRollbackOnly       = errors.New("transaction is marked rollback-only")
	ErrUnknownTransaction = errors.New("transaction not known to manager")
)
