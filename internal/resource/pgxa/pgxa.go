// Package pgxa adapts PostgreSQL to the pool's XA contract. A branch is an
// ordinary transaction on one session, prepared with PREPARE TRANSACTION and
// completed, from any session, with COMMIT PREPARED or ROLLBACK PREPARED.
// The server needs max_prepared_transactions > 0.
package pgxa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sushant-115/transx/core/xa"
	"github.com/sushant-115/transx/pkg/connection"
)

var (
	ErrInBranch = errors.New("pgxa: connection is associated with an XA branch")
	ErrClosed   = errors.New("pgxa: connection closed")
)

// Factory opens pgx connections. It implements connection.XAFactory.
type Factory struct {
	config *pgx.ConnConfig
}

var _ connection.XAFactory = (*Factory)(nil)

// NewFactory parses a PostgreSQL connection string.
func NewFactory(dsn string) (*Factory, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxa: parse dsn: %w", err)
	}
	return &Factory{config: cfg}, nil
}

// Connect opens a session, using creds in place of the DSN user when set.
func (f *Factory) Connect(ctx context.Context, creds connection.Credentials) (connection.PhysicalConnection, error) {
	cfg := f.config.Copy()
	if creds.User != "" {
		cfg.User = creds.User
		cfg.Password = creds.Password
	}
	pg, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxa: connect %s@%s/%s: %w", cfg.User, cfg.Host, cfg.Database, err)
	}
	return &Conn{pg: pg, autoCommit: true}, nil
}

// XAResource returns the branch-management side of conn.
func (f *Factory) XAResource(conn connection.PhysicalConnection) (xa.Resource, error) {
	c, ok := conn.(*Conn)
	if !ok {
		return nil, fmt.Errorf("pgxa: unexpected connection type %T", conn)
	}
	return &Resource{conn: c}, nil
}

type branch struct {
	xid          xa.Xid
	rollbackOnly bool
}

// Conn is a pooled PostgreSQL session. Statements run in the open XA branch,
// in a local transaction when auto-commit is off, or on their own otherwise.
type Conn struct {
	mu         sync.Mutex
	pg         *pgx.Conn
	autoCommit bool
	inTx       bool
	branch     *branch
}

// Exec runs sql, inside the open branch or local transaction if any.
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.beginIfNeededLocked(ctx); err != nil {
		return pgconn.CommandTag{}, err
	}
	return c.pg.Exec(ctx, sql, args...)
}

// QueryRow runs a single-row query and scans it into dest.
func (c *Conn) QueryRow(ctx context.Context, dest []any, sql string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.beginIfNeededLocked(ctx); err != nil {
		return err
	}
	return c.pg.QueryRow(ctx, sql, args...).Scan(dest...)
}

func (c *Conn) beginIfNeededLocked(ctx context.Context) error {
	if c.inTx || (c.autoCommit && c.branch == nil) {
		return nil
	}
	if _, err := c.pg.Exec(ctx, "BEGIN"); err != nil {
		return err
	}
	c.inTx = true
	return nil
}

// AutoCommit reports whether the session is outside a local transaction.
func (c *Conn) AutoCommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommit
}

// SetAutoCommit switches modes. Turning auto-commit on commits an open local
// transaction.
func (c *Conn) SetAutoCommit(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on && c.inTx && c.branch == nil {
		if err := c.endLocked(ctx, "COMMIT"); err != nil {
			return err
		}
	}
	c.autoCommit = on
	return nil
}

// Commit commits the local transaction.
func (c *Conn) Commit(ctx context.Context) error {
	return c.finishLocal(ctx, "COMMIT")
}

// Rollback rolls back the local transaction.
func (c *Conn) Rollback(ctx context.Context) error {
	return c.finishLocal(ctx, "ROLLBACK")
}

func (c *Conn) finishLocal(ctx context.Context, stmt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.branch != nil {
		return ErrInBranch
	}
	if !c.inTx {
		return nil
	}
	return c.endLocked(ctx, stmt)
}

func (c *Conn) endLocked(ctx context.Context, stmt string) error {
	_, err := c.pg.Exec(ctx, stmt)
	c.inTx = false
	return err
}

func (c *Conn) Validate(ctx context.Context) error {
	if c.pg.IsClosed() {
		return ErrClosed
	}
	return c.pg.Ping(ctx)
}

// Reset rolls back local work and restores auto-commit.
func (c *Conn) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.branch != nil {
		return ErrInBranch
	}
	c.autoCommit = true
	if c.inTx {
		return c.endLocked(ctx, "ROLLBACK")
	}
	return nil
}

// Close closes the session. An open branch is rolled back by the server.
func (c *Conn) Close() error {
	return c.pg.Close(context.Background())
}

// Resource implements xa.Resource on one session. Branches can only be
// started, ended and prepared on the session that runs them; prepared
// branches can be completed from any session of the same database.
type Resource struct {
	conn *Conn
}

var _ xa.Resource = (*Resource)(nil)

func (r *Resource) Start(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if flags.Has(xa.TMJoin) || flags.Has(xa.TMResume) {
		if c.branch == nil || !c.branch.xid.Equal(xid) {
			return xa.NewError(xa.XAERNoTA, "start", nil)
		}
		return nil
	}
	if c.branch != nil {
		return xa.NewError(xa.XAERProto, "start", ErrInBranch)
	}
	if c.inTx {
		return xa.NewError(xa.XAEROutside, "start", errors.New("local transaction in progress"))
	}
	if _, err := c.pg.Exec(ctx, "BEGIN"); err != nil {
		return toXA("start", err)
	}
	c.inTx = true
	c.branch = &branch{xid: xa.NewXid(xid.FormatID, xid.GlobalID, xid.BranchQualifier)}
	return nil
}

func (r *Resource) End(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.branchLocked("end", xid)
	if err != nil {
		return err
	}
	if flags.Has(xa.TMFail) {
		b.rollbackOnly = true
	}
	return nil
}

func (c *Conn) branchLocked(op string, xid xa.Xid) (*branch, error) {
	if c.branch == nil || !c.branch.xid.Equal(xid) {
		return nil, xa.NewError(xa.XAERNoTA, op, nil)
	}
	return c.branch, nil
}

func (r *Resource) Prepare(ctx context.Context, xid xa.Xid) (xa.Vote, error) {
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.branchLocked("prepare", xid)
	if err != nil {
		return xa.VoteCommit, err
	}
	defer func() { c.branch = nil }()

	if b.rollbackOnly {
		if err := c.endLocked(ctx, "ROLLBACK"); err != nil {
			return xa.VoteCommit, toXA("prepare", err)
		}
		return xa.VoteCommit, xa.NewError(xa.XARBRollback, "prepare", nil)
	}

	var readOnly bool
	if err := c.pg.QueryRow(ctx, "SELECT txid_current_if_assigned() IS NULL").Scan(&readOnly); err != nil {
		_ = c.endLocked(ctx, "ROLLBACK")
		return xa.VoteCommit, toXA("prepare", err)
	}
	if readOnly {
		if err := c.endLocked(ctx, "COMMIT"); err != nil {
			return xa.VoteCommit, toXA("prepare", err)
		}
		return xa.VoteReadOnly, nil
	}
	if err := c.endLocked(ctx, "PREPARE TRANSACTION "+quoteGID(xid)); err != nil {
		return xa.VoteCommit, toXA("prepare", err)
	}
	return xa.VoteCommit, nil
}

func (r *Resource) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.branch != nil && c.branch.xid.Equal(xid) {
		if !onePhase {
			return xa.NewError(xa.XAERProto, "commit", errors.New("branch not prepared"))
		}
		b := c.branch
		c.branch = nil
		if b.rollbackOnly {
			_ = c.endLocked(ctx, "ROLLBACK")
			return xa.NewError(xa.XARBRollback, "commit", nil)
		}
		if err := c.endLocked(ctx, "COMMIT"); err != nil {
			return toXA("commit", err)
		}
		return nil
	}
	if onePhase {
		return xa.NewError(xa.XAERNoTA, "commit", nil)
	}
	if _, err := c.pg.Exec(ctx, "COMMIT PREPARED "+quoteGID(xid)); err != nil {
		return toXA("commit", err)
	}
	return nil
}

func (r *Resource) Rollback(ctx context.Context, xid xa.Xid) error {
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.branch != nil && c.branch.xid.Equal(xid) {
		c.branch = nil
		if err := c.endLocked(ctx, "ROLLBACK"); err != nil {
			return toXA("rollback", err)
		}
		return nil
	}
	if _, err := c.pg.Exec(ctx, "ROLLBACK PREPARED "+quoteGID(xid)); err != nil {
		return toXA("rollback", err)
	}
	return nil
}

// Forget is a no-op: PostgreSQL never completes prepared transactions
// heuristically.
func (r *Resource) Forget(ctx context.Context, xid xa.Xid) error { return nil }

// Recover lists prepared transactions of the current database whose gid this
// package produced. The whole list is returned on TMStartRScan; later pages
// are empty.
func (r *Resource) Recover(ctx context.Context, flags xa.Flags) ([]xa.Xid, error) {
	if !flags.Has(xa.TMStartRScan) {
		return nil, nil
	}
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.pg.Query(ctx, "SELECT gid FROM pg_prepared_xacts WHERE database = current_database()")
	if err != nil {
		return nil, toXA("recover", err)
	}
	gids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, toXA("recover", err)
	}
	var xids []xa.Xid
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
	a, b := r.conn.pg.Config(), o.conn.pg.Config()
	return a.Host == b.Host && a.Port == b.Port && a.Database == b.Database
}

// quoteGID renders the gid as a SQL literal. FormatGID only emits digits,
// '-', '_' and base64 characters, none of which need escaping.
func quoteGID(xid xa.Xid) string {
	return "'" + xa.FormatGID(xid) + "'"
}

func toXA(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42704": // undefined_object: no prepared transaction with that gid
			return xa.NewError(xa.XAERNoTA, op, err)
		case "25001", "55000":
			return xa.NewError(xa.XAERProto, op, err)
		}
		if strings.HasPrefix(pgErr.Code, "40") { // transaction_rollback class
			return xa.NewError(xa.XARBRollback, op, err)
		}
		return xa.NewError(xa.XAERRMErr, op, err)
	}
	return xa.NewError(xa.XAERRMFail, op, err)
}
