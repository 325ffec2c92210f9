package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/transx/core/transaction"
)

type fakeConn struct {
	id       int
	creds    Credentials
	invalid  atomic.Bool
	resets   atomic.Int32
	closed   atomic.Bool
	factory  *fakeFactory
	closeErr error
}

func (c *fakeConn) Validate(context.Context) error {
	if c.invalid.Load() {
		return errors.New("broken pipe")
	}
	return nil
}

func (c *fakeConn) Reset(context.Context) error {
	c.resets.Add(1)
	return nil
}

func (c *fakeConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.factory.live.Add(-1)
	}
	return c.closeErr
}

type fakeFactory struct {
	mu      sync.Mutex
	conns   []*fakeConn
	failN   atomic.Int32
	live    atomic.Int64
	peak    atomic.Int64
	created atomic.Int32
}

func (f *fakeFactory) Connect(ctx context.Context, creds Credentials) (PhysicalConnection, error) {
	if f.failN.Load() > 0 {
		f.failN.Add(-1)
		return nil, errors.New("connection refused")
	}
	n := f.live.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	c := &fakeConn{id: int(f.created.Add(1)), creds: creds, factory: f}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeFactory) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setupPool(t *testing.T, cfg Config, opts ...Option) (*Pool, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	p, err := New(f, cfg, append([]Option{WithName("test")}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, f
}

func TestAcquireReleaseReusesConnection(t *testing.T) {
	p, f := setupPool(t, Config{MaxSize: 2, ValidateOnBorrow: true})
	ctx := context.Background()

	mc, err := p.Acquire(ctx, DefaultKey, time.Second)
	require.NoError(t, err)
	require.Equal(t, StateInUse, mc.State())
	require.Equal(t, "default", mc.Partition())
	require.NoError(t, p.Release(mc))
	require.Equal(t, StateFree, mc.State())

	again, err := p.Acquire(ctx, DefaultKey, time.Second)
	require.NoError(t, err)
	require.Same(t, mc, again)
	require.EqualValues(t, 1, f.created.Load())
	require.EqualValues(t, 1, mc.Physical().(*fakeConn).resets.Load())
	require.NoError(t, p.Release(again))
	require.ErrorIs(t, p.Release(again), ErrNotBorrowed)
}

func TestMaxSizeBoundUnderConcurrency(t *testing.T) {
	const maxSize = 3
	p, f := setupPool(t, Config{MaxSize: maxSize, BlockingTimeout: 5 * time.Second})
	ctx := context.Background()

	var inUse, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mc, err := p.Acquire(ctx, DefaultKey, 0)
			if !assert.NoError(t, err) {
				return
			}
			n := inUse.Add(1)
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inUse.Add(-1)
			assert.NoError(t, p.Release(mc))
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int64(maxSize))
	require.LessOrEqual(t, f.peak.Load(), int64(maxSize))
	require.LessOrEqual(t, p.Stats().Totals().Total, maxSize)
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	p, _ := setupPool(t, Config{MaxSize: 1})
	ctx := context.Background()

	held, err := p.Acquire(ctx, DefaultKey, time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(ctx, DefaultKey, 100*time.Millisecond)
	elapsed := time.Since(start)
	require.ErrorIs(t, err, ErrPoolExhausted)
	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	require.Less(t, elapsed, time.Second)

	require.NoError(t, p.Release(held))
	mc, err := p.Acquire(ctx, DefaultKey, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, p.Release(mc))
}

func TestAcquireReturnsCallerCancellation(t *testing.T) {
	p, _ := setupPool(t, Config{MaxSize: 1})
	held, err := p.Acquire(context.Background(), DefaultKey, time.Second)
	require.NoError(t, err)
	defer p.Release(held)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = p.Acquire(ctx, DefaultKey, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestValidationFailureIsNeverReturned(t *testing.T) {
	p, f := setupPool(t, Config{MinSize: 2, MaxSize: 2, ValidateOnBorrow: true})
	ctx := context.Background()

	require.Equal(t, 2, p.Grow(ctx))
	require.Equal(t, 2, p.Stats().Totals().Free)

	broken := f.last()
	broken.invalid.Store(true)

	mc, err := p.Acquire(ctx, DefaultKey, time.Second)
	require.NoError(t, err)
	require.NotSame(t, broken, mc.Physical())
	require.True(t, broken.closed.Load())

	totals := p.Stats().Totals()
	require.Equal(t, 1, totals.Total)
	require.Equal(t, 1, totals.InUse)

	require.NoError(t, p.Release(mc))
	require.Equal(t, 1, p.Grow(ctx))
	require.Equal(t, 2, p.Stats().Totals().Total)
}

func TestValidateOnReturnDestroysBrokenConnection(t *testing.T) {
	p, f := setupPool(t, Config{MaxSize: 1, ValidateOnReturn: true})
	mc, err := p.Acquire(context.Background(), DefaultKey, time.Second)
	require.NoError(t, err)
	f.last().invalid.Store(true)

	require.NoError(t, p.Release(mc))
	require.Equal(t, StateDestroyed, mc.State())
	require.Equal(t, 0, p.Stats().Totals().Total)
}

func TestCreationFailureOnlyFailsCurrentAttempt(t *testing.T) {
	p, f := setupPool(t, Config{MaxSize: 1})
	f.failN.Store(1)

	_, err := p.Acquire(context.Background(), DefaultKey, time.Second)
	require.ErrorIs(t, err, ErrConnectionCreationFailed)
	var ce *CreationError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "test", ce.Resource)
	require.Equal(t, 0, p.Stats().Totals().Total)

	mc, err := p.Acquire(context.Background(), DefaultKey, time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Release(mc))
}

func TestReleaseRefusesEnlistedConnection(t *testing.T) {
	p, _ := setupPool(t, Config{MaxSize: 1})
	mc, err := p.Acquire(context.Background(), DefaultKey, time.Second)
	require.NoError(t, err)

	branch := transaction.NewBranch("tx-1", nil)
	require.NoError(t, mc.Enlist(branch))
	require.Equal(t, StateEnlisted, mc.State())
	require.Equal(t, transaction.ID("tx-1"), mc.Owner())
	require.Equal(t, transaction.BranchEnlisted, branch.State())

	require.ErrorIs(t, p.Release(mc), ErrConnectionEnlisted)
	require.Equal(t, 1, p.Stats().Totals().Enlisted)

	other := transaction.NewBranch("tx-2", nil)
	require.ErrorIs(t, mc.Enlist(other), ErrBranchMismatch)

	require.NoError(t, mc.Delist(branch))
	require.NoError(t, mc.Delist(branch))
	require.Equal(t, transaction.BranchDelisted, branch.State())
	require.Empty(t, mc.Owner())
	require.NoError(t, p.Release(mc))
	require.Equal(t, StateFree, mc.State())
}

func TestCloseCancelsWaiters(t *testing.T) {
	p, f := setupPool(t, Config{MaxSize: 1, ShutdownGrace: 50 * time.Millisecond})
	held, err := p.Acquire(context.Background(), DefaultKey, time.Second)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), DefaultKey, 10*time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, p.Close(context.Background()))
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by Close")
	}

	require.True(t, f.last().closed.Load())
	require.Equal(t, StateDestroyed, held.State())
	require.ErrorIs(t, p.Release(held), ErrNotBorrowed)

	_, err = p.Acquire(context.Background(), DefaultKey, time.Second)
	require.ErrorIs(t, err, ErrPoolClosed)
	require.True(t, p.Stats().Closed)
}

func TestCloseWaitsForReturnedConnections(t *testing.T) {
	p, f := setupPool(t, Config{MaxSize: 2, ShutdownGrace: time.Second})
	mc, err := p.Acquire(context.Background(), DefaultKey, time.Second)
	require.NoError(t, err)

	time.AfterFunc(30*time.Millisecond, func() { _ = p.Release(mc) })
	require.NoError(t, p.Close(context.Background()))
	require.Equal(t, StateDestroyed, mc.State())
	require.Zero(t, f.live.Load())
}

func TestShrinkEvictsIdleConnectionsAboveMinimum(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p, f := setupPool(t, Config{MinSize: 1, MaxSize: 4, IdleTimeout: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()

	var held []*ManagedConnection
	for i := 0; i < 3; i++ {
		mc, err := p.Acquire(ctx, DefaultKey, time.Second)
		require.NoError(t, err)
		held = append(held, mc)
	}
	for _, mc := range held {
		require.NoError(t, p.Release(mc))
	}
	require.Equal(t, 3, p.Stats().Totals().Free)

	require.Zero(t, p.Shrink())
	clock.Advance(2 * time.Minute)
	require.Equal(t, 2, p.Shrink())
	require.Equal(t, 1, p.Stats().Totals().Total)
	require.EqualValues(t, 1, f.live.Load())
}

func TestMaxLifetimeReplacesAgedConnection(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p, f := setupPool(t, Config{MaxSize: 1, MaxLifetime: time.Hour}, WithClock(clock.Now))
	ctx := context.Background()

	first, err := p.Acquire(ctx, DefaultKey, time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Release(first))

	clock.Advance(2 * time.Hour)
	second, err := p.Acquire(ctx, DefaultKey, time.Second)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, StateDestroyed, first.State())
	require.EqualValues(t, 2, f.created.Load())
	require.NoError(t, p.Release(second))
}

func TestPartitionBySubject(t *testing.T) {
	p, f := setupPool(t, Config{MaxSize: 1, Credentials: Credentials{User: "app"}})
	ctx := context.Background()

	a, err := p.Acquire(ctx, DefaultKey, time.Second)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, Key{Credentials: Credentials{User: "audit", Password: "pw"}}, time.Second)
	require.NoError(t, err)

	require.Equal(t, "app", a.Partition())
	require.Equal(t, "audit", b.Partition())
	require.Equal(t, "audit", f.last().creds.User)
	require.Len(t, p.Stats().Partitions, 2)

	require.NoError(t, p.Release(a))
	require.NoError(t, p.Release(b))
}

func TestRoundRobinPartitions(t *testing.T) {
	p, _ := setupPool(t, Config{MaxSize: 1, PartitionStrategy: PartitionRoundRobin, PartitionCount: 2})
	ctx := context.Background()

	a, err := p.Acquire(ctx, DefaultKey, time.Second)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, DefaultKey, time.Second)
	require.NoError(t, err)
	require.NotEqual(t, a.Partition(), b.Partition())
	require.Len(t, p.Stats().Partitions, 2)

	require.NoError(t, p.Release(a))
	require.NoError(t, p.Release(b))
}

func TestMaintenanceReplenishesToMinimum(t *testing.T) {
	p, _ := setupPool(t, Config{MinSize: 2, MaxSize: 3, MaintenanceInterval: 10 * time.Millisecond})
	p.Start()
	require.Eventually(t, func() bool {
		return p.Stats().Totals().Free == 2
	}, 2*time.Second, 5*time.Millisecond)

	mc, err := p.Acquire(context.Background(), DefaultKey, time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Destroy(mc))
	require.Eventually(t, func() bool {
		return p.Stats().Totals().Total == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(&fakeFactory{}, Config{MinSize: 5, MaxSize: 2})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(nil, Config{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestIllegalTransitions(t *testing.T) {
	p, _ := setupPool(t, Config{MaxSize: 1})
	mc, err := p.Acquire(context.Background(), DefaultKey, time.Second)
	require.NoError(t, err)

	require.NoError(t, p.Destroy(mc))
	require.NoError(t, mc.Destroy())
	require.ErrorIs(t, mc.markInUse(time.Now()), ErrIllegalTransition)
	require.ErrorIs(t, mc.Enlist(transaction.NewBranch("tx", nil)), ErrIllegalTransition)
	require.ErrorIs(t, p.Destroy(mc), ErrNotBorrowed)
}
