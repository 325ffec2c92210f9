// Package recovery completes in-doubt XA branches left behind by a crash.
// For every registered resource it scans for prepared branches, replays the
// transaction manager's recorded decision, and rolls back branches nobody
// claims, raising one orphan notification for each.
package recovery

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
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/transx/core/registry"
	"github.com/sushant-115/transx/core/transaction"
	"github.com/sushant-115/transx/core/xa"
	internaltelemetry "github.com/sushant-115/transx/internal/telemetry"
)

// Config controls retries and which branches recovery may touch.
type Config struct {
	// FormatIDs restricts recovery to branches of these formats. Empty
	// means every branch the resource reports.
	FormatIDs []int32
	// MaxAttempts bounds scan attempts per resource and run; zero retries
	// until the context ends.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig retries forever with backoff from 500ms up to 30s.
func DefaultConfig() Config {
	return Config{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger; nil keeps the no-op default.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMeter enables recovery metrics.
func WithMeter(m metric.Meter) Option { return func(c *Coordinator) { c.meter = m } }

// WithTracer sets the tracer for recovery.resource spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithNotifier receives one event per orphaned branch.
func WithNotifier(n Notifier) Option { return func(c *Coordinator) { c.notifier = n } }

// Coordinator runs recovery against the resources of a registry.
type Coordinator struct {
	reg       *registry.Registry
	decisions transaction.DecisionLog
	cfg       Config
	logger    *zap.Logger
	meter     metric.Meter
	metrics   *internaltelemetry.RecoveryMetrics
	tracer    trace.Tracer
	notifier  Notifier

	mu       sync.Mutex
	gates    map[string]*Gate
	notified map[string]struct{}
	running  map[string]bool
	last     map[string]ResourceReport

	started     bool
	runCtx      context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New builds a coordinator. decisions may be nil, in which case every
// in-doubt branch is treated as orphaned.
func New(reg *registry.Registry, decisions transaction.DecisionLog, cfg Config, opts ...Option) *Coordinator {
	d := DefaultConfig()
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = d.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = d.MaxBackoff
	}
	c := &Coordinator{
		reg:       reg,
		decisions: decisions,
		cfg:       cfg,
		logger:    zap.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("transx/recovery"),
		gates:     make(map[string]*Gate),
		notified:  make(map[string]struct{}),
		running:   make(map[string]bool),
		last:      make(map[string]ResourceReport),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("recovery")
	if c.meter != nil {
		m, err := internaltelemetry.NewRecoveryMetrics(c.meter)
		if err != nil {
			c.logger.Warn("Failed to create recovery metrics", zap.Error(err))
		} else {
			c.metrics = m
		}
	}
	return c
}

// Gate returns the recovery gate of a resource, creating it closed.
func (c *Coordinator) Gate(name string) *Gate {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gates[name]
	if !ok {
		g = newGate()
		c.gates[name] = g
	}
	return g
}

// GateStatus reports, per resource, whether its first recovery pass has
// completed.
func (c *Coordinator) GateStatus() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.gates))
	for name, g := range c.gates {
		out[name] = g.IsOpen()
	}
	return out
}

// LastReport returns the most recent report for a resource.
func (c *Coordinator) LastReport(name string) (ResourceReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.last[name]
	return r, ok
}

// Start subscribes to registry changes and recovers every registered
// resource in the background, including ones registered later.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.runCtx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	unsubscribe := c.reg.Subscribe(c.onEvent)
	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	for _, res := range c.reg.List() {
		c.Gate(res.Name())
		c.spawn(res.Name())
	}
	c.logger.Info("Recovery coordinator started")
}

// Stop cancels background recovery and waits for it to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.cancel()
	unsubscribe := c.unsubscribe
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.wg.Wait()
	c.logger.Info("Recovery coordinator stopped")
}

func (c *Coordinator) onEvent(ev registry.Event) {
	switch ev.Kind {
	case registry.EventRegistered:
		c.Gate(ev.Name)
		c.spawn(ev.Name)
	case registry.EventDeregistered:
		c.mu.Lock()
		delete(c.gates, ev.Name)
		delete(c.last, ev.Name)
		c.mu.Unlock()
	}
}

func (c *Coordinator) spawn(name string) {
	c.mu.Lock()
	if !c.started || c.running[name] {
		c.mu.Unlock()
		return
	}
	c.running[name] = true
	ctx := c.runCtx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.running, name)
			c.mu.Unlock()
		}()
		c.recoverWithRetry(ctx, name)
	}()
}

// Recover runs recovery against every registered resource concurrently.
// A failing resource does not affect the others.
func (c *Coordinator) Recover(ctx context.Context) Report {
	resources := c.reg.List()
	reports := make([]ResourceReport, len(resources))
	var g errgroup.Group
	for i, res := range resources {
		g.Go(func() error {
			reports[i] = c.recoverWithRetry(ctx, res.Name())
			return nil
		})
	}
	_ = g.Wait()
	return Report{Resources: reports}
}

func (c *Coordinator) recoverWithRetry(ctx context.Context, name string) ResourceReport {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.Reset()

	attempts := 0
	for {
		attempts++
		rep, err := c.RecoverResource(ctx, name)
		rep.Attempts = attempts
		if err == nil || !errors.Is(err, ErrRecoveryScanFailed) {
			return rep
		}
		if c.cfg.MaxAttempts > 0 && attempts >= c.cfg.MaxAttempts {
			c.logger.Error("Giving up recovery of resource",
				zap.String("resource", name), zap.Int("attempts", attempts), zap.Error(err))
			return rep
		}
		wait := b.NextBackOff()
		c.logger.Warn("Recovery scan failed, retrying",
			zap.String("resource", name), zap.Int("attempt", attempts), zap.Duration("backoff", wait), zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return rep
		case <-timer.C:
		}
	}
}

// RecoverResource runs one recovery pass against the named resource. The
// resource's gate opens when the scan succeeds, even if individual branches
// could not be completed; those are retried on the next pass.
func (c *Coordinator) RecoverResource(ctx context.Context, name string) (ResourceReport, error) {
	rep := ResourceReport{Resource: name}
	res, ok := c.reg.Lookup(name)
	if !ok {
		rep.Err = fmt.Errorf("%w: %s", registry.ErrUnknownResource, name)
		return rep, rep.Err
	}

	ctx, span := c.tracer.Start(ctx, "recovery.resource", trace.WithAttributes(
		attribute.String("transx.resource", name),
		attribute.Bool("transx.paginated", res.Paginated()),
	))
	defer span.End()

	scanned, err := c.scanResource(ctx, res, func(xaRes xa.Resource, xids []xa.Xid) {
		for _, xid := range xids {
			rep.Resolutions = append(rep.Resolutions, c.resolve(ctx, name, xaRes, xid))
		}
	})
	if err != nil {
		se := &ScanError{Resource: name, Err: err}
		c.metrics.RecordScan(ctx, name, true)
		span.RecordError(se)
		span.SetStatus(codes.Error, se.Error())
		rep.Err = se
		if c.registered(name) {
			c.record(&rep)
		}
		return rep, se
	}
	c.metrics.RecordScan(ctx, name, false)
	rep.Scanned = scanned
	if !c.registered(name) {
		c.logger.Debug("Resource deregistered during recovery", zap.String("resource", name))
		return rep, nil
	}
	c.record(&rep)
	c.Gate(name).Open()

	if rep.Scanned > 0 {
		c.logger.Info("Recovered resource",
			zap.String("resource", name),
			zap.Int("in_doubt", rep.Scanned),
			zap.Int("committed", rep.Count(OutcomeCommitted)),
			zap.Int("rolled_back", rep.Count(OutcomeRolledBack)),
			zap.Int("orphaned", rep.Count(OutcomeOrphaned)),
			zap.Int("failed", rep.Count(OutcomeFailed)))
	} else {
		c.logger.Debug("No in-doubt branches", zap.String("resource", name))
	}
	return rep, nil
}

func (c *Coordinator) registered(name string) bool {
	_, ok := c.reg.Lookup(name)
	return ok
}

func (c *Coordinator) record(rep *ResourceReport) {
	rep.Finished = time.Now()
	c.mu.Lock()
	c.last[rep.Resource] = *rep
	c.mu.Unlock()
}

// scanResource opens a recovery connection, lists in-doubt xids and hands
// them to resolve while the connection is still open.
func (c *Coordinator) scanResource(ctx context.Context, res registry.Resource, resolve func(xa.Resource, []xa.Xid)) (int, error) {
	xaRes, closer, err := res.OpenRecovery(ctx)
	if err != nil {
		return 0, fmt.Errorf("open recovery connection: %w", err)
	}
	defer func() {
		if closer == nil {
			return
		}
		if cerr := closer.Close(); cerr != nil {
			c.logger.Debug("Closing recovery connection", zap.String("resource", res.Name()), zap.Error(cerr))
		}
	}()

	xids, err := scan(ctx, xaRes, res.Paginated())
	if err != nil {
		return 0, err
	}
	xids = c.filter(xids)
	resolve(xaRes, xids)
	return len(xids), nil
}

// scan lists in-doubt xids, deduplicated in the order first seen.
func scan(ctx context.Context, res xa.Resource, paginated bool) ([]xa.Xid, error) {
	seen := make(map[string]struct{})
	var out []xa.Xid
	add := func(batch []xa.Xid) int {
		added := 0
		for _, xid := range batch {
			k := xid.Key()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, xid)
			added++
		}
		return added
	}

	if !paginated {
		batch, err := res.Recover(ctx, xa.TMStartRScan|xa.TMEndRScan)
		if err != nil {
			return nil, err
		}
		add(batch)
		return out, nil
	}

	batch, err := res.Recover(ctx, xa.TMStartRScan)
	for err == nil && len(batch) > 0 && add(batch) > 0 {
		batch, err = res.Recover(ctx, xa.TMNoFlags)
	}
	if err != nil {
		_, _ = res.Recover(ctx, xa.TMEndRScan)
		return nil, err
	}
	if _, err := res.Recover(ctx, xa.TMEndRScan); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) filter(xids []xa.Xid) []xa.Xid {
	if len(c.cfg.FormatIDs) == 0 {
		return xids
	}
	out := xids[:0:0]
	for _, xid := range xids {
		for _, f := range c.cfg.FormatIDs {
			if xid.FormatID == f {
				out = append(out, xid)
				break
			}
		}
	}
	return out
}

func (c *Coordinator) resolve(ctx context.Context, name string, res xa.Resource, xid xa.Xid) Resolution {
	rec := InDoubtRecord{
		Resource:        name,
		GlobalID:        xid.GlobalID,
		BranchQualifier: xid.BranchQualifier,
		Xid:             xid,
	}
	log := c.logger.With(zap.String("resource", name), zap.Stringer("xid", xid))

	decision := transaction.DecisionUnknown
	if c.decisions != nil {
		d, err := c.decisions.RecordedDecision(ctx, xid)
		if err != nil {
			log.Warn("Decision lookup failed, leaving branch in doubt", zap.Error(err))
			c.metrics.RecordResolved(ctx, name, string(OutcomeFailed))
			return Resolution{Record: rec, Outcome: OutcomeFailed, Err: err}
		}
		decision = d
	}

	var err error
	outcome := OutcomeOrphaned
	switch decision {
	case transaction.DecisionCommit:
		outcome = OutcomeCommitted
		err = res.Commit(ctx, xid, false)
	case transaction.DecisionRollback:
		outcome = OutcomeRolledBack
		err = res.Rollback(ctx, xid)
	default:
		err = res.Rollback(ctx, xid)
	}

	switch {
	case err == nil:
	case xa.IsNoSuchTransaction(err):
		// Completed by someone else since the scan.
		err = nil
		if outcome != OutcomeOrphaned {
			outcome = OutcomeAlreadyCompleted
		}
	case xa.IsHeuristic(err):
		log.Warn("Heuristic outcome, forgetting branch", zap.Stringer("decision", decision), zap.Error(err))
		if ferr := res.Forget(ctx, xid); ferr != nil && !xa.IsNoSuchTransaction(ferr) {
			log.Warn("Forget failed", zap.Error(ferr))
		}
		outcome = OutcomeHeuristic
	default:
		log.Warn("Failed to complete in-doubt branch", zap.Stringer("decision", decision), zap.Error(err))
		if decision != transaction.DecisionUnknown {
			outcome = OutcomeFailed
		}
	}

	if decision == transaction.DecisionUnknown {
		c.notifyOrphan(ctx, rec, err)
		if err != nil {
			outcome = OutcomeFailed
		}
	}
	c.metrics.RecordResolved(ctx, name, string(outcome))
	return Resolution{Record: rec, Outcome: outcome, Err: err}
}

// notifyOrphan raises the orphan event at most once per xid for the
// lifetime of the coordinator.
func (c *Coordinator) notifyOrphan(ctx context.Context, rec InDoubtRecord, rollbackErr error) {
	key := rec.Xid.Key()
	c.mu.Lock()
	if _, done := c.notified[key]; done {
		c.mu.Unlock()
		return
	}
	c.notified[key] = struct{}{}
	c.mu.Unlock()

	ev := OrphanEvent{
		Record:      rec,
		Err:         fmt.Errorf("%w: %s on %s", ErrOrphanedBranch, rec.Xid, rec.Resource),
		RollbackErr: rollbackErr,
	}
	c.logger.Warn("Orphaned branch rolled back",
		zap.String("resource", rec.Resource),
		zap.Stringer("xid", rec.Xid),
		zap.NamedError("rollback_error", rollbackErr))
	c.metrics.RecordOrphan(ctx, rec.Resource)
	if c.notifier != nil {
		c.notifier.OrphanedBranch(ctx, ev)
	}
}
