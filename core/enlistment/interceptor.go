// Package enlistment ties pooled connections to the ambient global
// transaction. A connection acquired inside a transaction is enlisted with
// the transaction manager before the caller sees it and stays associated
// with that transaction until completion, even after the caller closes its
// handle.
package enlistment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/transx/core/transaction"
	"github.com/sushant-115/transx/core/xa"
	internaltelemetry "github.com/sushant-115/transx/internal/telemetry"
	"github.com/sushant-115/transx/pkg/connection"
)

// JoinPolicy decides what a second acquire in the same transaction gets.
type JoinPolicy int

const (
	// JoinSeparateBranches gives every acquire its own connection and branch.
	JoinSeparateBranches JoinPolicy = iota
	// JoinSharedBranch hands another handle to the connection already
	// enlisted in the transaction.
	JoinSharedBranch
)

func (p JoinPolicy) String() string {
	if p == JoinSharedBranch {
		return "shared"
	}
	return "separate"
}

// ParseJoinPolicy maps "separate" or "shared" to a JoinPolicy.
func ParseJoinPolicy(s string) (JoinPolicy, error) {
	switch s {
	case "", "separate":
		return JoinSeparateBranches, nil
	case "shared":
		return JoinSharedBranch, nil
	}
	return JoinSeparateBranches, fmt.Errorf("unknown join policy %q", s)
}

// Config selects the transaction behaviour of an Interceptor.
type Config struct {
	XAEnabled         bool
	LocalTransactions bool
	JoinPolicy        JoinPolicy
}

// RecoveryGate blocks transactional work until recovery of the resource has
// completed once.
type RecoveryGate interface {
	Wait(ctx context.Context) error
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithLogger sets the logger; nil keeps the no-op default.
func WithLogger(l *zap.Logger) Option {
	return func(i *Interceptor) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithMeter enables enlistment metrics.
func WithMeter(m metric.Meter) Option { return func(i *Interceptor) { i.meter = m } }

// WithTracer sets the tracer for enlistment.acquire spans.
func WithTracer(t trace.Tracer) Option {
	return func(i *Interceptor) {
		if t != nil {
			i.tracer = t
		}
	}
}

// WithRecoveryGate holds transactional acquires until g opens.
func WithRecoveryGate(g RecoveryGate) Option { return func(i *Interceptor) { i.gate = g } }

// Interceptor wraps a pool with transaction enlistment.
type Interceptor struct {
	cfg     Config
	pool    *connection.Pool
	tm      transaction.Manager
	gate    RecoveryGate
	logger  *zap.Logger
	meter   metric.Meter
	metrics *internaltelemetry.EnlistmentMetrics
	tracer  trace.Tracer

	mu     sync.Mutex
	shared map[transaction.ID]*sharedConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type sharedConn struct {
	mc     *connection.ManagedConnection
	branch *transaction.Branch
}

// New wraps pool. tm is required when cfg.XAEnabled is set.
func New(pool *connection.Pool, tm transaction.Manager, cfg Config, opts ...Option) (*Interceptor, error) {
	if pool == nil {
		return nil, errors.New("enlistment: nil pool")
	}
	if cfg.XAEnabled {
		if !pool.XAEnabled() {
			return nil, fmt.Errorf("%w: %s", ErrXAUnsupported, pool.Name())
		}
		if tm == nil {
			return nil, fmt.Errorf("enlistment: resource %s has XA enabled but no transaction manager", pool.Name())
		}
	}
	i := &Interceptor{
		cfg:    cfg,
		pool:   pool,
		tm:     tm,
		logger: zap.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("transx/enlistment"),
		shared: make(map[transaction.ID]*sharedConn),
	}
	i.ctx, i.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.Named("enlistment").With(zap.String("resource", pool.Name()))
	if i.meter != nil {
		m, err := internaltelemetry.NewEnlistmentMetrics(i.meter, pool.Name())
		if err != nil {
			i.logger.Warn("Failed to create enlistment metrics", zap.Error(err))
		} else {
			i.metrics = m
		}
	}
	return i, nil
}

// Pool returns the wrapped pool.
func (i *Interceptor) Pool() *connection.Pool { return i.pool }

// Close stops the status watches of parked connections. Connections still
// parked stay borrowed until the pool closes.
func (i *Interceptor) Close() {
	i.cancel()
	i.wg.Wait()
}

// Acquire returns a handle to a pooled connection. When ctx carries a
// transaction and XA is enabled the connection comes back enlisted in it;
// otherwise it comes back in auto-commit mode.
func (i *Interceptor) Acquire(ctx context.Context, key connection.Key, timeout time.Duration) (*Handle, error) {
	txID, inTx := transaction.FromContext(ctx)
	if !inTx || !i.cfg.XAEnabled {
		return i.acquireLocal(ctx, key, timeout)
	}
	if timeout <= 0 {
		timeout = i.pool.Config().BlockingTimeout
	}

	ctx, span := i.tracer.Start(ctx, "enlistment.acquire", trace.WithAttributes(
		attribute.String("transx.resource", i.pool.Name()),
		attribute.String("transx.txn_id", string(txID)),
	))
	defer span.End()

	h, err := i.acquireEnlisted(ctx, key, txID, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return h, nil
}

func (i *Interceptor) acquireEnlisted(ctx context.Context, key connection.Key, txID transaction.ID, timeout time.Duration) (*Handle, error) {
	start := time.Now()
	if i.gate != nil {
		gctx, cancel := context.WithTimeout(ctx, timeout)
		err := i.gate.Wait(gctx)
		cancel()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			i.metrics.RecordEnlist(ctx, "recovering")
			return nil, fmt.Errorf("%w: %s", ErrRecoveryInProgress, i.pool.Name())
		}
	}

	if i.cfg.JoinPolicy == JoinSharedBranch {
		if h := i.joinShared(txID); h != nil {
			i.metrics.RecordEnlist(ctx, "joined")
			return h, nil
		}
	}

	remaining := timeout - time.Since(start)
	if remaining <= 0 {
		return nil, connection.ErrPoolExhausted
	}
	mc, err := i.pool.Acquire(ctx, key, remaining)
	if err != nil {
		return nil, err
	}

	log := i.logger.With(zap.String("txn_id", string(txID)), zap.String("conn_id", mc.ID()))
	res := mc.XAResource()
	branch := transaction.NewBranch(txID, res)
	if err := i.tm.EnlistResource(ctx, txID, res); err != nil {
		i.metrics.RecordEnlist(ctx, "failed")
		log.Info("Enlistment refused", zap.Error(err))
		i.release(mc)
		return nil, fmt.Errorf("%w: %w", ErrEnlistmentFailed, err)
	}
	if err := mc.Enlist(branch); err != nil {
		i.metrics.RecordEnlist(ctx, "failed")
		log.Error("Connection could not enter enlisted state", zap.Error(err))
		if derr := i.tm.DelistResource(ctx, txID, res, xa.TMFail); derr != nil {
			log.Warn("Delist after failed enlistment", zap.Error(derr))
		}
		mc.MarkError()
		i.release(mc)
		return nil, fmt.Errorf("%w: %w", ErrEnlistmentFailed, err)
	}
	mc.AddHandle()

	if i.cfg.JoinPolicy == JoinSharedBranch {
		i.mu.Lock()
		if _, exists := i.shared[txID]; !exists {
			i.shared[txID] = &sharedConn{mc: mc, branch: branch}
		}
		i.mu.Unlock()
	}
	i.metrics.RecordEnlist(ctx, "enlisted")
	log.Debug("Connection enlisted")
	return &Handle{ic: i, mc: mc, branch: branch}, nil
}

func (i *Interceptor) joinShared(txID transaction.ID) *Handle {
	i.mu.Lock()
	defer i.mu.Unlock()
	sc, ok := i.shared[txID]
	if !ok {
		return nil
	}
	if sc.mc.State() != connection.StateEnlisted || sc.branch.State() != transaction.BranchEnlisted {
		delete(i.shared, txID)
		return nil
	}
	sc.mc.AddHandle()
	return &Handle{ic: i, mc: sc.mc, branch: sc.branch}
}

// detachShared removes mc from the shared table unless other handles are
// still joined to its branch.
func (i *Interceptor) detachShared(txID transaction.ID, mc *connection.ManagedConnection) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if n := mc.Handles(); n > 1 {
		return fmt.Errorf("%w: %d handles on conn %s", ErrBranchShared, n, mc.ID())
	}
	if sc, ok := i.shared[txID]; ok && sc.mc == mc {
		delete(i.shared, txID)
	}
	return nil
}

func (i *Interceptor) forgetShared(txID transaction.ID, mc *connection.ManagedConnection) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if sc, ok := i.shared[txID]; ok && sc.mc == mc {
		delete(i.shared, txID)
	}
}

func (i *Interceptor) acquireLocal(ctx context.Context, key connection.Key, timeout time.Duration) (*Handle, error) {
	mc, err := i.pool.Acquire(ctx, key, timeout)
	if err != nil {
		return nil, err
	}
	if ac, ok := mc.Physical().(connection.AutoCommitter); ok && !ac.AutoCommit() {
		if err := ac.SetAutoCommit(ctx, true); err != nil {
			i.logger.Warn("Failed to force auto-commit", zap.String("conn_id", mc.ID()), zap.Error(err))
			mc.MarkError()
			i.release(mc)
			return nil, fmt.Errorf("force auto-commit on %s: %w", i.pool.Name(), err)
		}
	}
	mc.AddHandle()
	return &Handle{ic: i, mc: mc}, nil
}

// release returns mc to the pool. A pool that already force-destroyed the
// connection during shutdown is not an error.
func (i *Interceptor) release(mc *connection.ManagedConnection) {
	if err := i.pool.Release(mc); err != nil {
		if errors.Is(err, connection.ErrNotBorrowed) {
			i.logger.Debug("Connection already reclaimed by pool", zap.String("conn_id", mc.ID()))
			return
		}
		i.logger.Error("Failed to release connection", zap.String("conn_id", mc.ID()), zap.Error(err))
	}
}

func (i *Interceptor) destroy(mc *connection.ManagedConnection) {
	if err := i.pool.Destroy(mc); err != nil && !errors.Is(err, connection.ErrNotBorrowed) {
		i.logger.Error("Failed to destroy connection", zap.String("conn_id", mc.ID()), zap.Error(err))
	}
}

// completeBranch ends the local association of mc with branch after the
// transaction has completed.
func (i *Interceptor) completeBranch(ctx context.Context, mc *connection.ManagedConnection, branch *transaction.Branch, path string) {
	first := branch.MarkDelisted()
	if err := mc.Delist(branch); err != nil {
		i.logger.Warn("Local delist failed", zap.String("conn_id", mc.ID()), zap.Error(err))
	}
	i.forgetShared(branch.TxID(), mc)
	if first {
		i.metrics.RecordDelist(ctx, path)
	}
}

// endBranch records an early delist. The resource manager may keep the
// branch on the session until completion, so mc stays enlisted and returns
// to the pool from the completion callback.
func (i *Interceptor) endBranch(ctx context.Context, mc *connection.ManagedConnection, branch *transaction.Branch, path string) {
	if branch.MarkDelisted() {
		i.metrics.RecordDelist(ctx, path)
	}
	if !branch.ClaimSynchronization() {
		return
	}
	cb := &completion{ic: i, mc: mc, branch: branch}
	if err := i.tm.RegisterSynchronization(ctx, branch.TxID(), cb); err != nil {
		i.logger.Debug("Completion callback refused, watching transaction status",
			zap.String("txn_id", string(branch.TxID())),
			zap.String("conn_id", mc.ID()),
			zap.Error(err))
		i.watch(mc, branch)
	}
}

// watch polls the transaction status for a parked connection that has no
// completion callback and hands it back once the transaction has completed.
func (i *Interceptor) watch(mc *connection.ManagedConnection, branch *transaction.Branch) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 5 * time.Millisecond
		b.MaxInterval = time.Second
		b.Reset()
		done := &completion{ic: i, mc: mc, branch: branch}
		for {
			status, err := i.tm.Status(i.ctx, branch.TxID())
			if errors.Is(err, transaction.ErrUnknownTransaction) || (err == nil && status.Completed()) {
				done.AfterCompletion(i.ctx, status)
				return
			}
			timer := time.NewTimer(b.NextBackOff())
			select {
			case <-i.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
}
