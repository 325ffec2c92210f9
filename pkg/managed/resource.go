// Package managed assembles one named transactional resource: a partitioned
// connection pool, the enlistment interceptor in front of it, its registry
// entry and its recovery gate.
package managed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/transx/core/enlistment"
	"github.com/sushant-115/transx/core/recovery"
	"github.com/sushant-115/transx/core/registry"
	"github.com/sushant-115/transx/core/transaction"
	"github.com/sushant-115/transx/core/xa"
	"github.com/sushant-115/transx/pkg/connection"
)

// Config describes one managed resource.
type Config struct {
	Name              string
	Pool              connection.Config
	XATransactions    bool
	LocalTransactions bool
	JoinPolicy        enlistment.JoinPolicy
	// Paginated makes recovery page through Recover results.
	Paginated bool
}

type options struct {
	logger      *zap.Logger
	meter       metric.Meter
	tracer      trace.Tracer
	registry    *registry.Registry
	coordinator *recovery.Coordinator
}

// Option configures New.
type Option func(*options)

// WithLogger, WithMeter and WithTracer pass observability to the pool and interceptor.
func WithLogger(l *zap.Logger) Option  { return func(o *options) { o.logger = l } }
func WithMeter(m metric.Meter) Option  { return func(o *options) { o.meter = m } }
func WithTracer(t trace.Tracer) Option { return func(o *options) { o.tracer = t } }

// WithRegistry registers XA resources for recovery.
func WithRegistry(r *registry.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithCoordinator gates transactional acquires on the resource's first
// recovery pass.
func WithCoordinator(c *recovery.Coordinator) Option {
	return func(o *options) { o.coordinator = c }
}

// Resource is a pooled, transactionally aware resource.
type Resource struct {
	cfg     Config
	factory connection.Factory
	pool    *connection.Pool
	ic      *enlistment.Interceptor
	reg     *registry.Registry
	gate    *recovery.Gate
	logger  *zap.Logger
	closed  atomic.Bool
}

var _ registry.Resource = (*Resource)(nil)

// New builds the resource, starts pool maintenance and, for XA resources,
// registers it so recovery runs against it.
func New(cfg Config, factory connection.Factory, tm transaction.Manager, opts ...Option) (*Resource, error) {
	if cfg.Name == "" {
		return nil, errors.New("managed: resource name is required")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	poolOpts := []connection.Option{
		connection.WithName(cfg.Name),
		connection.WithLogger(o.logger),
		connection.WithTracer(o.tracer),
	}
	if o.meter != nil {
		poolOpts = append(poolOpts, connection.WithMeter(o.meter))
	}
	pool, err := connection.New(factory, cfg.Pool, poolOpts...)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", cfg.Name, err)
	}

	r := &Resource{
		cfg:     cfg,
		factory: factory,
		pool:    pool,
		reg:     o.registry,
		logger:  o.logger.Named("managed").With(zap.String("resource", cfg.Name)),
	}

	icOpts := []enlistment.Option{
		enlistment.WithLogger(o.logger),
		enlistment.WithTracer(o.tracer),
	}
	if o.meter != nil {
		icOpts = append(icOpts, enlistment.WithMeter(o.meter))
	}
	if o.coordinator != nil && cfg.XATransactions {
		r.gate = o.coordinator.Gate(cfg.Name)
		icOpts = append(icOpts, enlistment.WithRecoveryGate(r.gate))
	}
	r.ic, err = enlistment.New(pool, tm, enlistment.Config{
		XAEnabled:         cfg.XATransactions,
		LocalTransactions: cfg.LocalTransactions,
		JoinPolicy:        cfg.JoinPolicy,
	}, icOpts...)
	if err != nil {
		_ = pool.Close(context.Background())
		return nil, fmt.Errorf("resource %s: %w", cfg.Name, err)
	}

	pool.Start()
	if r.reg != nil && cfg.XATransactions {
		if err := r.reg.Register(r); err != nil {
			_ = pool.Close(context.Background())
			return nil, err
		}
	}
	r.logger.Info("Resource started",
		zap.Int("min_size", pool.Config().MinSize),
		zap.Int("max_size", pool.Config().MaxSize),
		zap.Bool("xa", cfg.XATransactions),
		zap.Stringer("join_policy", cfg.JoinPolicy))
	return r, nil
}

// Name and Paginated implement registry.Resource.
func (r *Resource) Name() string    { return r.cfg.Name }
func (r *Resource) Paginated() bool { return r.cfg.Paginated }

// OpenRecovery opens a connection outside the pool for recovery scans.
func (r *Resource) OpenRecovery(ctx context.Context) (xa.Resource, io.Closer, error) {
	xf, ok := r.factory.(connection.XAFactory)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", enlistment.ErrXAUnsupported, r.cfg.Name)
	}
	pc, err := xf.Connect(ctx, r.cfg.Pool.Credentials)
	if err != nil {
		return nil, nil, err
	}
	res, err := xf.XAResource(pc)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return res, pc, nil
}

// Acquire returns a connection handle using the resource's default
// credentials, enlisted in the transaction carried by ctx if there is one.
func (r *Resource) Acquire(ctx context.Context, timeout time.Duration) (*enlistment.Handle, error) {
	return r.AcquireAs(ctx, connection.Credentials{}, timeout)
}

// AcquireAs is Acquire with explicit credentials, served from the partition
// of their subject.
func (r *Resource) AcquireAs(ctx context.Context, creds connection.Credentials, timeout time.Duration) (*enlistment.Handle, error) {
	if r.closed.Load() {
		return nil, connection.ErrPoolClosed
	}
	return r.ic.Acquire(ctx, connection.Key{Credentials: creds}, timeout)
}

// Stats returns pool statistics.
func (r *Resource) Stats() connection.Stats { return r.pool.Stats() }

// Recovered reports whether transactional acquires are open, that is the
// first recovery pass has completed or the resource is not gated.
func (r *Resource) Recovered() bool { return r.gate == nil || r.gate.IsOpen() }

// XATransactions reports whether the resource enlists in global transactions.
func (r *Resource) XATransactions() bool { return r.cfg.XATransactions }

// Close deregisters the resource and closes its pool.
func (r *Resource) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.reg != nil && r.cfg.XATransactions {
		if err := r.reg.Deregister(r.cfg.Name); err != nil && !errors.Is(err, registry.ErrUnknownResource) {
			r.logger.Warn("Deregister failed", zap.Error(err))
		}
	}
	r.ic.Close()
	return r.pool.Close(ctx)
}
