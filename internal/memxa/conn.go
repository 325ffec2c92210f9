package memxa

import (
	"context"
	"errors"
	"sync"

	"github.com/sushant-115/transx/core/xa"
)

// Conn is one session against a Store. Outside a branch it either applies
// changes immediately (auto-commit) or buffers them in a local transaction.
type Conn struct {
	store *Store
	user  string

	mu         sync.Mutex
	autoCommit bool
	xid        *xa.Xid
	local      []op
	closed     bool
	res        *Resource
}

// User is the user the connection was opened for.
func (c *Conn) User() string { return c.user }

// XA returns the XA resource bound to this connection.
func (c *Conn) XA() *Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.res == nil {
		c.res = &Resource{store: c.store, conn: c}
	}
	return c.res
}

// Put writes key, buffered while a transaction is open.
func (c *Conn) Put(ctx context.Context, key, value string) error {
	return c.do(op{Kind: opPut, Key: key, Value: value})
}

// Delete removes key, buffered while a transaction is open.
func (c *Conn) Delete(ctx context.Context, key string) error {
	return c.do(op{Kind: opDelete, Key: key})
}

// Send enqueues msg; it becomes visible to receivers once committed.
func (c *Conn) Send(ctx context.Context, msg string) error {
	return c.do(op{Kind: opSend, Value: msg})
}

func (c *Conn) do(o op) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case c.xid != nil:
		b, ok := s.branches[c.xid.Key()]
		if !ok || b.state != branchActive {
			return xa.NewError(xa.XAERProto, "write", errors.New("branch is not active"))
		}
		b.ops = append(b.ops, o)
	case !c.autoCommit:
		c.local = append(c.local, o)
	default:
		s.applyLocked([]op{o})
	}
	return nil
}

// Get reads key, seeing this connection's own uncommitted writes.
func (c *Conn) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", false, ErrConnClosed
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	pending := c.local
	if c.xid != nil {
		if b, found := s.branches[c.xid.Key()]; found {
			pending = b.ops
		}
	}
	for _, o := range pending {
		if o.Key != key {
			continue
		}
		switch o.Kind {
		case opPut:
			v, ok = o.Value, true
		case opDelete:
			v, ok = "", false
		}
	}
	return v, ok, nil
}

// Receive takes the next committed message. Inside a branch or a local
// transaction the message returns to the queue if the work rolls back.
func (c *Conn) Receive(ctx context.Context) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", false, ErrConnClosed
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	var b *branch
	if c.xid != nil {
		var ok bool
		if b, ok = s.branches[c.xid.Key()]; !ok || b.state != branchActive {
			return "", false, xa.NewError(xa.XAERProto, "receive", errors.New("branch is not active"))
		}
	}
	msg, ok := s.receiveLocked()
	if !ok {
		return "", false, nil
	}
	rec := op{Kind: opReceive, Value: msg}
	switch {
	case b != nil:
		b.ops = append(b.ops, rec)
	case !c.autoCommit:
		c.local = append(c.local, rec)
	}
	return msg, true, nil
}

// AutoCommit reports whether the connection is outside a local transaction.
func (c *Conn) AutoCommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommit
}

// SetAutoCommit switches modes. Turning auto-commit on commits pending local
// work.
func (c *Conn) SetAutoCommit(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if on && !c.autoCommit {
		c.commitLocalLocked()
	}
	c.autoCommit = on
	return nil
}

// Commit commits the local transaction.
func (c *Conn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.commitLocalLocked()
	return nil
}

// Rollback discards the local transaction.
func (c *Conn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.rollbackLocalLocked()
	return nil
}

func (c *Conn) commitLocalLocked() {
	if len(c.local) == 0 {
		return
	}
	c.store.mu.Lock()
	c.store.applyLocked(c.local)
	c.store.mu.Unlock()
	c.local = nil
}

func (c *Conn) rollbackLocalLocked() {
	if len(c.local) == 0 {
		return
	}
	c.store.mu.Lock()
	c.store.undoLocked(c.local)
	c.store.mu.Unlock()
	c.local = nil
}

func (c *Conn) Validate(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnClosed
	}
	c.store.mu.Lock()
	storeClosed := c.store.closed
	c.store.mu.Unlock()
	if storeClosed {
		return ErrStoreClosed
	}
	if consume(&c.store.failValidate) {
		return ErrInjected
	}
	return ctx.Err()
}

// Reset discards local work and restores auto-commit.
func (c *Conn) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.xid != nil {
		return xa.NewError(xa.XAERProto, "reset", errors.New("connection is associated with a branch"))
	}
	c.rollbackLocalLocked()
	c.autoCommit = true
	return nil
}

// Close rolls back local work and closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.rollbackLocalLocked()
	c.closed = true
	c.store.open.Add(-1)
	return nil
}

func (c *Conn) associate(xid xa.Xid) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return xa.NewError(xa.XAERRMFail, "start", ErrConnClosed)
	}
	if c.xid != nil && !c.xid.Equal(xid) {
		return xa.NewError(xa.XAEROutside, "start", errors.New("connection is associated with another branch"))
	}
	x := xid
	c.xid = &x
	return nil
}

func (c *Conn) dissociate(xid xa.Xid) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.xid != nil && c.xid.Equal(xid) {
		c.xid = nil
	}
}
