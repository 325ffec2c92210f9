package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/transx/core/xa"
	internaltelemetry "github.com/sushant-115/transx/internal/telemetry"
)

// Pool is a partitioned pool of managed connections for one resource.
type Pool struct {
	name      string
	cfg       Config
	factory   Factory
	xaFactory XAFactory
	logger    *zap.Logger
	meter     metric.Meter
	metrics   *internaltelemetry.PoolMetrics
	tracer    trace.Tracer
	now       func() time.Time

	mu         sync.RWMutex
	partitions map[string]*partition
	buckets    []*partition
	next       atomic.Uint64

	closed      atomic.Bool
	closeCtx    context.Context
	closeCancel context.CancelFunc
	replenish   chan struct{}
	limiter     *rate.Limiter
	startOnce   sync.Once
	wg          sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithName names the pool in logs and metrics.
func WithName(name string) Option { return func(p *Pool) { p.name = name } }

// WithLogger sets the logger; nil keeps the no-op default.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMeter enables pool metrics.
func WithMeter(m metric.Meter) Option { return func(p *Pool) { p.meter = m } }

// WithTracer sets the tracer for pool.acquire spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pool) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithClock overrides the time source used for idle and lifetime checks.
func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

// New builds a pool. Background maintenance starts with Start.
func New(factory Factory, cfg Config, opts ...Option) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: nil factory", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		name:       "default",
		cfg:        cfg,
		factory:    factory,
		logger:     zap.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer("transx/pool"),
		now:        time.Now,
		partitions: make(map[string]*partition),
		replenish:  make(chan struct{}, 1),
	}
	if xf, ok := factory.(XAFactory); ok {
		p.xaFactory = xf
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("pool").With(zap.String("resource", p.name))
	if p.meter != nil {
		m, err := internaltelemetry.NewPoolMetrics(p.meter, p.name)
		if err != nil {
			p.logger.Warn("Failed to create pool metrics", zap.Error(err))
		} else {
			p.metrics = m
		}
	}

	limit := rate.Inf
	if cfg.ReplenishRate > 0 {
		limit = rate.Limit(cfg.ReplenishRate)
	}
	p.limiter = rate.NewLimiter(limit, max(1, cfg.MinSize))
	p.closeCtx, p.closeCancel = context.WithCancel(context.Background())

	switch cfg.PartitionStrategy {
	case PartitionRoundRobin:
		for i := 0; i < cfg.PartitionCount; i++ {
			pt := newPartition(fmt.Sprintf("bucket-%d", i), cfg.Credentials, cfg.MaxSize)
			p.buckets = append(p.buckets, pt)
			p.partitions[pt.key] = pt
		}
	default:
		pt := newPartition(cfg.Credentials.Subject(), cfg.Credentials, cfg.MaxSize)
		p.partitions[pt.key] = pt
	}
	return p, nil
}

// Name returns the resource name the pool serves.
func (p *Pool) Name() string { return p.name }

// Config returns the effective configuration.
func (p *Pool) Config() Config { return p.cfg }

// XAEnabled reports whether connections carry an XA resource.
func (p *Pool) XAEnabled() bool { return p.xaFactory != nil }

// Start launches the maintenance goroutine that grows partitions to their
// minimum size and evicts idle connections.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		if p.closed.Load() {
			return
		}
		p.wg.Add(1)
		go p.maintain()
	})
}

func (p *Pool) maintain() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	p.Grow(p.closeCtx)
	for {
		select {
		case <-p.closeCtx.Done():
			return
		case <-ticker.C:
			p.Shrink()
			p.Grow(p.closeCtx)
		case <-p.replenish:
			p.Grow(p.closeCtx)
		}
	}
}

func (p *Pool) requestReplenish() {
	select {
	case p.replenish <- struct{}{}:
	default:
	}
}

func (p *Pool) partitionFor(key Key) *partition {
	if p.cfg.PartitionStrategy == PartitionRoundRobin {
		n := p.next.Add(1) - 1
		return p.buckets[n%uint64(len(p.buckets))]
	}

	creds := key.Credentials
	if key.isZero() {
		creds = p.cfg.Credentials
	}
	subject := creds.Subject()

	p.mu.RLock()
	pt, ok := p.partitions[subject]
	p.mu.RUnlock()
	if ok {
		return pt
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Double-check after acquiring write lock
	if pt, ok = p.partitions[subject]; !ok {
		pt = newPartition(subject, creds, p.cfg.MaxSize)
		p.partitions[subject] = pt
		p.logger.Debug("Created partition", zap.String("partition", subject))
	}
	return pt
}

func (p *Pool) snapshot() []*partition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	parts := make([]*partition, 0, len(p.partitions))
	for _, pt := range p.partitions {
		parts = append(parts, pt)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].key < parts[j].key })
	return parts
}

// Acquire returns an IN_USE connection from the partition selected by key. It
// blocks up to timeout (cfg.BlockingTimeout when zero) for a free slot.
func (p *Pool) Acquire(ctx context.Context, key Key, timeout time.Duration) (*ManagedConnection, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if timeout <= 0 {
		timeout = p.cfg.BlockingTimeout
	}
	pt := p.partitionFor(key)

	ctx, span := p.tracer.Start(ctx, "pool.acquire", trace.WithAttributes(
		attribute.String("transx.resource", p.name),
		attribute.String("transx.partition", pt.key),
	))
	defer span.End()
	start := p.now()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(p.closeCtx, cancel)
	defer stop()

	mc, err := p.acquire(waitCtx, pt)
	if err != nil {
		err = p.acquireError(ctx, err)
		p.metrics.RecordAcquire(ctx, pt.key, acquireResult(err), p.now().Sub(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	p.metrics.RecordAcquire(ctx, pt.key, "ok", p.now().Sub(start))
	p.metrics.AddInUse(ctx, pt.key, 1)
	span.SetAttributes(attribute.String("transx.conn_id", mc.id))
	return mc, nil
}

func (p *Pool) acquire(ctx context.Context, pt *partition) (*ManagedConnection, error) {
	if err := pt.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if p.closed.Load() {
		pt.sem.Release(1)
		return nil, ErrPoolClosed
	}
	mc, err := p.take(ctx, pt)
	if err != nil {
		pt.sem.Release(1)
		return nil, err
	}
	return mc, nil
}

// take runs while holding a permit, so the partition has room for one more
// borrowed connection.
func (p *Pool) take(ctx context.Context, pt *partition) (*ManagedConnection, error) {
	for {
		if p.closed.Load() {
			return nil, ErrPoolClosed
		}
		pt.mu.Lock()
		mc := pt.popFreeLocked()
		if mc == nil {
			pt.creating++
			pt.mu.Unlock()

			mc, err := p.create(ctx, pt)

			pt.mu.Lock()
			pt.creating--
			if err == nil {
				pt.borrowed[mc] = struct{}{}
			}
			pt.mu.Unlock()
			if err != nil {
				return nil, err
			}
			if err := mc.markInUse(p.now()); err != nil {
				p.discard(ctx, mc, "error")
				continue
			}
			return mc, nil
		}
		pt.borrowed[mc] = struct{}{}
		pt.mu.Unlock()

		if err := mc.markInUse(p.now()); err != nil {
			p.discard(ctx, mc, "error")
			continue
		}
		if p.expired(mc) {
			p.discard(ctx, mc, "max_lifetime")
			p.requestReplenish()
			continue
		}
		if p.cfg.ValidateOnBorrow && !p.Validate(ctx, mc) {
			p.discard(ctx, mc, "validation")
			p.requestReplenish()
			continue
		}
		return mc, nil
	}
}

func (p *Pool) acquireError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrPoolClosed), p.closed.Load():
		return ErrPoolClosed
	case errors.Is(err, ErrConnectionCreationFailed):
		return err
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrPoolExhausted
	}
	return err
}

func acquireResult(err error) string {
	switch {
	case errors.Is(err, ErrPoolExhausted):
		return "exhausted"
	case errors.Is(err, ErrPoolClosed):
		return "closed"
	case errors.Is(err, ErrConnectionCreationFailed):
		return "create_failed"
	}
	return "canceled"
}

func (p *Pool) create(ctx context.Context, pt *partition) (*ManagedConnection, error) {
	phys, err := p.factory.Connect(ctx, pt.creds)
	if err != nil {
		p.logger.Warn("Failed to create connection", zap.String("partition", pt.key), zap.Error(err))
		return nil, &CreationError{Resource: p.name, Partition: pt.key, Err: err}
	}
	var res xa.Resource
	if p.xaFactory != nil {
		res, err = p.xaFactory.XAResource(phys)
		if err != nil {
			_ = phys.Close()
			return nil, &CreationError{Resource: p.name, Partition: pt.key, Err: fmt.Errorf("xa resource: %w", err)}
		}
	}
	mc := newManagedConnection(phys, res, pt, p.now())
	p.metrics.RecordCreated(ctx, pt.key)
	p.logger.Debug("Created connection", zap.String("partition", pt.key), zap.String("conn_id", mc.id))
	return mc, nil
}

func (p *Pool) expired(mc *ManagedConnection) bool {
	return p.cfg.MaxLifetime > 0 && p.now().Sub(mc.createdAt) >= p.cfg.MaxLifetime
}

// Validate runs the driver liveness check on mc.
func (p *Pool) Validate(ctx context.Context, mc *ManagedConnection) bool {
	vctx, cancel := context.WithTimeout(ctx, p.cfg.ValidationTimeout)
	defer cancel()
	if err := mc.phys.Validate(vctx); err != nil {
		p.metrics.RecordValidationFailure(ctx, mc.Partition())
		p.logger.Warn("Connection failed validation",
			zap.String("partition", mc.Partition()),
			zap.String("conn_id", mc.id),
			zap.Error(fmt.Errorf("%w: %w", ErrValidationFailed, err)))
		return false
	}
	return true
}

// discard destroys a borrowed connection without giving up the caller's permit.
func (p *Pool) discard(ctx context.Context, mc *ManagedConnection, reason string) {
	pt := mc.part
	pt.mu.Lock()
	delete(pt.borrowed, mc)
	pt.mu.Unlock()
	p.destroy(ctx, mc, reason)
}

func (p *Pool) destroy(ctx context.Context, mc *ManagedConnection, reason string) {
	if err := mc.Destroy(); err != nil {
		p.logger.Debug("Error closing physical connection", zap.String("conn_id", mc.id), zap.Error(err))
	}
	p.metrics.RecordDestroyed(ctx, mc.Partition(), reason)
	p.logger.Debug("Destroyed connection",
		zap.String("partition", mc.Partition()),
		zap.String("conn_id", mc.id),
		zap.String("reason", reason))
}

// Release returns a borrowed connection. Healthy connections are reset and
// become FREE; broken ones are destroyed. Enlisted connections are refused.
func (p *Pool) Release(mc *ManagedConnection) error {
	if mc == nil {
		return nil
	}
	pt := mc.part
	if pt == nil || !pt.isBorrowed(mc) {
		return ErrNotBorrowed
	}
	state := mc.State()
	if state == StateEnlisted {
		return ErrConnectionEnlisted
	}

	ctx := context.Background()
	healthy, reason := state == StateInUse, "error"
	if healthy && p.closed.Load() {
		healthy, reason = false, "closed"
	}
	if healthy && p.expired(mc) {
		healthy, reason = false, "max_lifetime"
	}
	if healthy {
		if err := mc.Reset(ctx); err != nil {
			p.logger.Warn("Failed to reset connection", zap.String("conn_id", mc.id), zap.Error(err))
			healthy, reason = false, "reset"
		}
	}
	if healthy && p.cfg.ValidateOnReturn && !p.Validate(ctx, mc) {
		healthy, reason = false, "validation"
	}

	if !healthy {
		p.destroy(ctx, mc, reason)
	}

	pt.mu.Lock()
	if _, ok := pt.borrowed[mc]; !ok {
		// Force-destroyed by Close while we were resetting.
		pt.mu.Unlock()
		return ErrNotBorrowed
	}
	delete(pt.borrowed, mc)
	requeued := false
	if healthy && mc.markFree(p.now()) == nil {
		pt.free = append(pt.free, mc)
		requeued = true
	}
	below := pt.totalLocked() < p.cfg.MinSize
	pt.mu.Unlock()

	if healthy && !requeued {
		p.destroy(ctx, mc, "error")
	}
	p.metrics.AddInUse(ctx, pt.key, -1)
	pt.sem.Release(1)
	if below && !p.closed.Load() {
		p.requestReplenish()
	}
	return nil
}

// Destroy drops a borrowed connection and frees its slot.
func (p *Pool) Destroy(mc *ManagedConnection) error {
	if mc == nil {
		return nil
	}
	pt := mc.part
	if pt == nil {
		return ErrNotBorrowed
	}
	if !pt.isBorrowed(mc) {
		return ErrNotBorrowed
	}

	ctx := context.Background()
	p.destroy(ctx, mc, "destroyed")
	pt.mu.Lock()
	_, ok := pt.borrowed[mc]
	delete(pt.borrowed, mc)
	pt.mu.Unlock()
	if !ok {
		return ErrNotBorrowed
	}
	p.metrics.AddInUse(ctx, pt.key, -1)
	pt.sem.Release(1)
	if !p.closed.Load() {
		p.requestReplenish()
	}
	return nil
}

// Shrink evicts free connections idle longer than IdleTimeout, keeping each
// partition at MinSize, and any connection past MaxLifetime. It returns the
// number of connections evicted.
func (p *Pool) Shrink() int {
	ctx := context.Background()
	now := p.now()
	evicted := 0
	for _, pt := range p.snapshot() {
		var victims []*ManagedConnection
		pt.mu.Lock()
		total := pt.totalLocked()
		keep := pt.free[:0]
		for _, mc := range pt.free {
			idle := p.cfg.IdleTimeout > 0 && now.Sub(mc.LastUsed()) >= p.cfg.IdleTimeout
			if p.expired(mc) || (idle && total > p.cfg.MinSize) {
				victims = append(victims, mc)
				total--
				continue
			}
			keep = append(keep, mc)
		}
		for i := len(keep); i < len(pt.free); i++ {
			pt.free[i] = nil
		}
		pt.free = keep
		pt.mu.Unlock()

		for _, mc := range victims {
			p.destroy(ctx, mc, "idle")
		}
		evicted += len(victims)
	}
	if evicted > 0 {
		p.logger.Debug("Evicted idle connections", zap.Int("count", evicted))
	}
	return evicted
}

// Grow creates connections until every partition holds MinSize, subject to
// the replenish rate. It returns the number created.
func (p *Pool) Grow(ctx context.Context) int {
	created := 0
	for _, pt := range p.snapshot() {
		for {
			if p.closed.Load() || ctx.Err() != nil {
				return created
			}
			pt.mu.Lock()
			need := pt.totalLocked() < min(p.cfg.MinSize, p.cfg.MaxSize)
			pt.mu.Unlock()
			if !need {
				break
			}
			if !p.limiter.Allow() {
				p.logger.Debug("Replenish throttled", zap.String("partition", pt.key))
				return created
			}
			// A permit keeps the new connection inside the partition bound
			// while it is being created.
			if !pt.sem.TryAcquire(1) {
				break
			}
			pt.mu.Lock()
			if pt.totalLocked() >= min(p.cfg.MinSize, p.cfg.MaxSize) {
				pt.mu.Unlock()
				pt.sem.Release(1)
				break
			}
			pt.creating++
			pt.mu.Unlock()

			mc, err := p.create(ctx, pt)

			pt.mu.Lock()
			pt.creating--
			if err == nil {
				pt.free = append(pt.free, mc)
			}
			pt.mu.Unlock()
			pt.sem.Release(1)
			if err != nil {
				break
			}
			created++
		}
	}
	return created
}

// Stats returns per-partition counters.
func (p *Pool) Stats() Stats {
	s := Stats{Resource: p.name, Closed: p.closed.Load()}
	for _, pt := range p.snapshot() {
		s.Partitions = append(s.Partitions, pt.stats())
	}
	return s
}

// Close stops maintenance, fails pending acquires with ErrPoolClosed and
// destroys every connection. Borrowed connections are given until ctx or
// ShutdownGrace expires to come back before they are destroyed; with neither
// set they are destroyed at once.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.closeCancel()
	p.wg.Wait()

	parts := p.snapshot()
	for _, pt := range parts {
		pt.mu.Lock()
		free := pt.free
		pt.free = nil
		pt.mu.Unlock()
		for _, mc := range free {
			p.destroy(ctx, mc, "closed")
		}
	}

	wait := true
	if p.cfg.ShutdownGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ShutdownGrace)
		defer cancel()
	} else if _, ok := ctx.Deadline(); !ok {
		wait = false
	}
	if p.borrowedCount() == 0 || (wait && p.waitDrained(ctx)) {
		p.logger.Info("Pool closed")
		return nil
	}

	forced := 0
	for _, pt := range parts {
		pt.mu.Lock()
		borrowed := make([]*ManagedConnection, 0, len(pt.borrowed))
		for mc := range pt.borrowed {
			borrowed = append(borrowed, mc)
		}
		clear(pt.borrowed)
		pt.mu.Unlock()
		for _, mc := range borrowed {
			if mc.State() == StateEnlisted {
				p.logger.Warn("Destroying connection still enlisted at shutdown",
					zap.String("conn_id", mc.id),
					zap.String("txn_id", string(mc.Owner())))
			}
			p.destroy(context.Background(), mc, "shutdown")
			pt.sem.Release(1)
			forced++
		}
	}
	p.logger.Warn("Pool closed with borrowed connections", zap.Int("forced", forced))
	return nil
}

func (p *Pool) borrowedCount() int {
	n := 0
	for _, pt := range p.snapshot() {
		pt.mu.Lock()
		n += len(pt.borrowed)
		pt.mu.Unlock()
	}
	return n
}

func (p *Pool) waitDrained(ctx context.Context) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for p.borrowedCount() > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}
