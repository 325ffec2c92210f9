package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sushant-115/transx/core/transaction"
	"github.com/sushant-115/transx/core/xa"
)

// State is the lifecycle state of a managed connection.
type State int

const (
	StateFree State = iota
	StateInUse
	StateEnlisted
	StateError
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateInUse:
		return "in_use"
	case StateEnlisted:
		return "enlisted"
	case StateError:
		return "error"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[State][]State{
	StateFree:     {StateInUse, StateError, StateDestroyed},
	StateInUse:    {StateEnlisted, StateFree, StateError, StateDestroyed},
	StateEnlisted: {StateInUse, StateError, StateDestroyed},
	StateError:    {StateDestroyed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ManagedConnection wraps a physical connection with the transactional state
// the pool and the enlistment interceptor need.
type ManagedConnection struct {
	id        string
	phys      PhysicalConnection
	xaRes     xa.Resource
	part      *partition
	createdAt time.Time

	mu       sync.Mutex
	state    State
	owner    transaction.ID
	branch   *transaction.Branch
	lastUsed time.Time
	handles  int

	closeOnce sync.Once
	closeErr  error
}

func newManagedConnection(phys PhysicalConnection, res xa.Resource, part *partition, now time.Time) *ManagedConnection {
	return &ManagedConnection{
		id:        uuid.NewString(),
		phys:      phys,
		xaRes:     res,
		part:      part,
		createdAt: now,
		lastUsed:  now,
		state:     StateFree,
	}
}

// ID is a random identifier used in logs.
func (mc *ManagedConnection) ID() string { return mc.id }

// Physical returns the wrapped connection.
func (mc *ManagedConnection) Physical() PhysicalConnection { return mc.phys }

// CreatedAt is when the physical connection was opened.
func (mc *ManagedConnection) CreatedAt() time.Time { return mc.createdAt }

// XAResource returns the connection's XA resource, or nil when the factory
// does not support XA.
func (mc *ManagedConnection) XAResource() xa.Resource { return mc.xaRes }

// Partition returns the key of the partition that owns the connection.
func (mc *ManagedConnection) Partition() string {
	if mc.part == nil {
		return ""
	}
	return mc.part.key
}

// State returns the current lifecycle state.
func (mc *ManagedConnection) State() State {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.state
}

// Owner returns the transaction the connection is enlisted in, if any.
func (mc *ManagedConnection) Owner() transaction.ID {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.owner
}

// Branch returns the enlisted branch, or nil.
func (mc *ManagedConnection) Branch() *transaction.Branch {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.branch
}

// LastUsed is when the connection was last acquired or released.
func (mc *ManagedConnection) LastUsed() time.Time {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.lastUsed
}

// transitionLocked must be called with mc.mu held.
func (mc *ManagedConnection) transitionLocked(to State) error {
	if mc.state == to {
		return nil
	}
	if !canTransition(mc.state, to) {
		return fmt.Errorf("%w: %s -> %s (conn %s)", ErrIllegalTransition, mc.state, to, mc.id)
	}
	mc.state = to
	return nil
}

// Enlist associates the connection with branch and marks it ENLISTED.
func (mc *ManagedConnection) Enlist(branch *transaction.Branch) error {
	if branch == nil {
		return fmt.Errorf("enlist conn %s: nil branch", mc.id)
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.branch != nil && mc.branch != branch {
		return fmt.Errorf("%w: conn %s owned by %s", ErrBranchMismatch, mc.id, mc.owner)
	}
	if err := mc.transitionLocked(StateEnlisted); err != nil {
		return err
	}
	mc.branch = branch
	mc.owner = branch.TxID()
	branch.MarkEnlisted()
	return nil
}

// Delist ends the association with branch. Delisting an already delisted
// connection is a no-op.
func (mc *ManagedConnection) Delist(branch *transaction.Branch) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.branch == nil {
		return nil
	}
	if branch != nil && mc.branch != branch {
		return fmt.Errorf("%w: conn %s owned by %s", ErrBranchMismatch, mc.id, mc.owner)
	}
	mc.branch.MarkDelisted()
	mc.branch = nil
	mc.owner = ""
	if mc.state == StateEnlisted {
		mc.state = StateInUse
	}
	return nil
}

// Reset clears the transactional association and resets the session.
func (mc *ManagedConnection) Reset(ctx context.Context) error {
	mc.mu.Lock()
	if mc.state == StateEnlisted {
		mc.mu.Unlock()
		return ErrConnectionEnlisted
	}
	mc.branch = nil
	mc.owner = ""
	mc.handles = 0
	mc.mu.Unlock()
	return mc.phys.Reset(ctx)
}

// MarkError flags the connection as broken; the pool destroys it on release.
func (mc *ManagedConnection) MarkError() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.state != StateDestroyed {
		mc.state = StateError
	}
}

// Destroy closes the physical connection. Safe to call more than once.
func (mc *ManagedConnection) Destroy() error {
	mc.mu.Lock()
	mc.state = StateDestroyed
	if mc.branch != nil {
		mc.branch.MarkDelisted()
		mc.branch = nil
		mc.owner = ""
	}
	mc.mu.Unlock()
	mc.closeOnce.Do(func() {
		mc.closeErr = mc.phys.Close()
	})
	return mc.closeErr
}

// AddHandle records another caller handle sharing the connection and returns
// the new count.
func (mc *ManagedConnection) AddHandle() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.handles++
	return mc.handles
}

// DropHandle releases one caller handle and returns the remaining count.
func (mc *ManagedConnection) DropHandle() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.handles > 0 {
		mc.handles--
	}
	return mc.handles
}

func (mc *ManagedConnection) markInUse(now time.Time) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if err := mc.transitionLocked(StateInUse); err != nil {
		return err
	}
	mc.lastUsed = now
	return nil
}

func (mc *ManagedConnection) markFree(now time.Time) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if err := mc.transitionLocked(StateFree); err != nil {
		return err
	}
	mc.lastUsed = now
	return nil
}

// Handles returns the number of open caller handles.
func (mc *ManagedConnection) Handles() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.handles
}
