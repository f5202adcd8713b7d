package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/capture"
	"github.com/JakeFAU/pagesnap/internal/capture/capturetest"
)

func newTestPool(t *testing.T, engine capture.Engine, cfg Config) *Pool {
	t.Helper()
	if cfg.Capacity == 0 {
		cfg.Capacity = 1
	}
	cfg.IDs = &capturetest.IDs{Prefix: "h"}
	p, err := New(engine, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Capacity: 1}, nil)
	require.Error(t, err)
	_, err = New(&capturetest.Engine{}, Config{Capacity: 0}, nil)
	require.Error(t, err)
	_, err = New(&capturetest.Engine{}, Config{Capacity: 1, MaxUses: -1}, nil)
	require.Error(t, err)
}

func TestAcquireLaunchesLazilyAndReuses(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{}
	p := newTestPool(t, engine, Config{Capacity: 2})
	require.Zero(t, engine.Launches())

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "h1", lease.HandleID())
	require.NotNil(t, lease.Browser())
	lease.Release()

	lease, err = p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "h1", lease.HandleID())
	lease.Release()

	require.Equal(t, 1, engine.Launches())
	stats := p.Stats()
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.Idle)
	require.Len(t, stats.Handles, 1)
	require.Equal(t, "idle", stats.Handles[0].State)
	require.Equal(t, 2, stats.Handles[0].Uses)
}

func TestCapacityBoundsConcurrentLeases(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{}
	p := newTestPool(t, engine, Config{Capacity: 2})

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	second, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Lease, 1)
	go func() {
		lease, err := p.Acquire(context.Background())
		if err == nil {
			got <- lease
		}
	}()

	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-got:
		t.Fatal("third acquire should wait while two leases are held")
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, 2, engine.Launches())

	first.Release()
	var third *Lease
	select {
	case third = <-got:
	case <-time.After(time.Second):
		t.Fatal("waiter not served after release")
	}
	require.Equal(t, first.HandleID(), third.HandleID())
	third.Release()
	second.Release()
	require.Equal(t, 2, engine.Launches())
}

func TestAcquireIsFIFO(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &capturetest.Engine{}, Config{Capacity: 1})
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	for i, name := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			lease.Release()
		}()
		require.Eventually(t, func() bool { return p.Stats().Waiting == i+1 }, time.Second, 5*time.Millisecond)
	}

	held.Release()
	wg.Wait()
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestAcquireTimeoutLeavesNoWaiter(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &capturetest.Engine{}, Config{Capacity: 1})
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, p.Stats().Waiting)

	held.Release()
	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
}

func TestAcquireTimeoutFromConfig(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &capturetest.Engine{}, Config{Capacity: 1, AcquireTimeout: 20 * time.Millisecond})
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrExhausted)
	require.Less(t, time.Since(start), time.Second)
}

func TestKillReplacesLazily(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{}
	p := newTestPool(t, engine, Config{Capacity: 1})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	dead := lease.HandleID()
	lease.Kill(errors.New("tab crashed"))

	require.Eventually(t, func() bool { return p.Stats().Total == 0 }, time.Second, 5*time.Millisecond)
	require.True(t, engine.Browsers()[0].Closed())
	require.Equal(t, 1, engine.Launches())

	lease, err = p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, dead, lease.HandleID())
	require.Equal(t, 2, engine.Launches())
	lease.Release()
}

func TestLaunchFailureSurfacesAsExhausted(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{
		LaunchFunc: func(context.Context) (capture.Browser, error) {
			return nil, errors.New("chrome not found")
		},
	}
	p := newTestPool(t, engine, Config{Capacity: 2})

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorContains(t, err, "chrome not found")
	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Total == 0 && s.Starting == 0
	}, time.Second, 5*time.Millisecond)
}

func TestMaxUsesRecyclesHandle(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{}
	p := newTestPool(t, engine, Config{Capacity: 1, MaxUses: 2})

	for range 2 {
		lease, err := p.Acquire(context.Background())
		require.NoError(t, err)
		lease.Release()
	}
	require.Eventually(t, func() bool { return engine.Browsers()[0].Closed() }, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(1), p.Stats().Retired)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "h2", lease.HandleID())
	lease.Release()
}

func TestConsecutiveFailuresPoisonHandle(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{}
	p := newTestPool(t, engine, Config{Capacity: 1, MaxFailures: 2})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.ReleaseFailed()
	lease, err = p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
	lease, err = p.Acquire(context.Background())
	require.NoError(t, err)
	lease.ReleaseFailed()
	require.False(t, engine.Browsers()[0].Closed(), "success resets the failure count")

	lease, err = p.Acquire(context.Background())
	require.NoError(t, err)
	lease.ReleaseFailed()
	require.Eventually(t, func() bool { return engine.Browsers()[0].Closed() }, time.Second, 5*time.Millisecond)
}

func TestLeaseDisposesOnce(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{}
	p := newTestPool(t, engine, Config{Capacity: 1})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
	lease.Kill(errors.New("late"))
	lease.Release()

	stats := p.Stats()
	require.Equal(t, 1, stats.Idle)
	require.Zero(t, stats.InUse)
	require.False(t, engine.Browsers()[0].Closed())
}

func TestWarmPrelaunches(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{}
	p := newTestPool(t, engine, Config{Capacity: 3})

	require.NoError(t, p.Warm(context.Background(), 5))
	stats := p.Stats()
	require.Equal(t, 3, stats.Idle)
	require.Equal(t, 3, engine.Launches())
}

func TestShutdownClosesIdleHandles(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{}
	p := newTestPool(t, engine, Config{Capacity: 1})
	require.NoError(t, p.Warm(context.Background(), 1))

	require.NoError(t, p.Shutdown(context.Background()))
	require.True(t, engine.Browsers()[0].Closed())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestShutdownDrains(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{}
	p := newTestPool(t, engine, Config{Capacity: 2})

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	second, err := p.Acquire(context.Background())
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		waitErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- p.Shutdown(context.Background()) }()

	require.ErrorIs(t, <-waitErr, ErrClosed)
	first.Release()
	select {
	case <-done:
		t.Fatal("shutdown returned while a lease was held")
	case <-time.After(50 * time.Millisecond):
	}

	second.Release()
	require.NoError(t, <-done)
	for _, b := range engine.Browsers() {
		require.True(t, b.Closed())
	}

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.True(t, p.Stats().Closed)
}
