package transaction

import (
	"sync"

	"github.com/sushant-115/transx/core/xa"
)

// BranchState tracks one connection's participation in one transaction.
type BranchState int

const (
	BranchNotEnlisted BranchState = iota
	BranchEnlisted
	BranchSuspended
	BranchDelisted
)

func (s BranchState) String() string {
	switch s {
	case BranchEnlisted:
		return "enlisted"
	case BranchSuspended:
		return "suspended"
	case BranchDelisted:
		return "delisted"
	}
	return "not_enlisted"
}

// Branch is the participation of one XA resource in one global transaction.
type Branch struct {
	txID ID
	res  xa.Resource

	mu    sync.Mutex
	state BranchState
	// syncRegistered guards against registering a completion callback twice.
	syncRegistered bool
}

// NewBranch returns a branch in the NotEnlisted state.
func NewBranch(txID ID, res xa.Resource) *Branch {
	return &Branch{txID: txID, res: res}
}

// TxID returns the owning transaction.
func (b *Branch) TxID() ID { return b.txID }

// Resource returns the XA resource of the branch.
func (b *Branch) Resource() xa.Resource { return b.res }

// State returns the current branch state.
func (b *Branch) State() BranchState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// MarkEnlisted moves NotEnlisted or Suspended to Enlisted.
func (b *Branch) MarkEnlisted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BranchNotEnlisted && b.state != BranchSuspended {
		return false
	}
	b.state = BranchEnlisted
	return true
}

// MarkSuspended moves Enlisted to Suspended.
func (b *Branch) MarkSuspended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BranchEnlisted {
		return false
	}
	b.state = BranchSuspended
	return true
}

// MarkDelisted moves the branch to Delisted. It reports true only for the
// call that performed the transition, so callers can run delist side effects
// exactly once.
func (b *Branch) MarkDelisted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BranchDelisted || b.state == BranchNotEnlisted {
		return false
	}
	b.state = BranchDelisted
	return true
}

// ClaimSynchronization reports true the first time it is called.
func (b *Branch) ClaimSynchronization() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.syncRegistered {
		return false
	}
	b.syncRegistered = true
	return true
}
