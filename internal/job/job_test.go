package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/capture"
	"github.com/JakeFAU/pagesnap/internal/capture/capturetest"
	"github.com/JakeFAU/pagesnap/internal/pool"
)

func newTestPool(t *testing.T, engine capture.Engine) *pool.Pool {
	t.Helper()
	p, err := pool.New(engine, pool.Config{Capacity: 1, IDs: &capturetest.IDs{Prefix: "h"}}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func testRequest() capture.Request {
	return capture.Request{
		URL:        "https://example.com/",
		Viewport:   capture.Viewport{Width: 800, Height: 600},
		Wait:       capture.WaitCondition{Kind: capture.WaitLoad, Timeout: time.Second},
		WaitPolicy: capture.WaitPolicyFail,
		Timeout:    5 * time.Second,
		Format:     capture.FormatPNG,
	}
}

type stageRecorder struct {
	mu     sync.Mutex
	stages []Stage
}

func (r *stageRecorder) observe(_ string, s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, s)
}

func (r *stageRecorder) all() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Stage(nil), r.stages...)
}

func requireIdle(t *testing.T, p *pool.Pool) {
	t.Helper()
	stats := p.Stats()
	require.Equal(t, 1, stats.Idle, "handle should be back in the pool")
	require.Zero(t, stats.InUse)
}

func requireKilled(t *testing.T, p *pool.Pool, engine *capturetest.Engine) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Stats().Total == 0 }, time.Second, 5*time.Millisecond)
	for _, b := range engine.Browsers() {
		require.True(t, b.Closed())
	}
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{Page: capturetest.PageFuncs{
		Location: func(context.Context) (string, error) { return "https://example.com/home", nil },
	}}
	p := newTestPool(t, engine)
	rec := &stageRecorder{}
	runner := New(p, Config{Observer: rec.observe}, zap.NewNop())

	res, err := runner.Run(context.Background(), "cap-1", testRequest())
	require.NoError(t, err)
	require.Equal(t, "cap-1", res.ID)
	require.Equal(t, capturetest.PNG, res.Image)
	require.Equal(t, "image/png", res.ContentType)
	require.Equal(t, "https://example.com/home", res.FinalURL)
	require.Equal(t, "h1", res.HandleID)
	require.False(t, res.BestEffort)
	require.Equal(t, []Stage{
		StageQueued, StageAcquiring, StageNavigating, StageWaiting, StageCapturing, StageDone,
	}, rec.all())
	requireIdle(t, p)
}

func TestRunNavigationErrorReleasesHandle(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{Page: capturetest.PageFuncs{
		Navigate: func(context.Context, string) error { return errors.New("net::ERR_NAME_NOT_RESOLVED") },
	}}
	p := newTestPool(t, engine)
	rec := &stageRecorder{}
	runner := New(p, Config{Observer: rec.observe}, zap.NewNop())

	_, err := runner.Run(context.Background(), "cap-1", testRequest())
	require.True(t, capture.IsKind(err, capture.KindNavigationError), "got %v", err)
	require.ErrorContains(t, err, "ERR_NAME_NOT_RESOLVED")
	require.Equal(t, StageFailed, rec.all()[len(rec.all())-1])
	requireIdle(t, p)
	require.False(t, engine.Browsers()[0].Closed())
}

func TestRunNavigationErrorWithDeadBrowserKillsHandle(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{}
	engine.LaunchFunc = func(context.Context) (capture.Browser, error) {
		return &capturetest.Browser{
			PingErr: errors.New("websocket closed"),
			Page: capturetest.PageFuncs{
				Navigate: func(context.Context, string) error { return errors.New("target closed") },
			},
		}, nil
	}
	p := newTestPool(t, engine)
	runner := New(p, Config{}, zap.NewNop())

	_, err := runner.Run(context.Background(), "cap-1", testRequest())
	require.True(t, capture.IsKind(err, capture.KindEngineCrashed), "got %v", err)
	require.Eventually(t, func() bool { return p.Stats().Total == 0 }, time.Second, 5*time.Millisecond)
}

func TestRunRepeatedNavigationErrorsKeepHandle(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{Page: capturetest.PageFuncs{
		Navigate: func(context.Context, string) error { return errors.New("net::ERR_NAME_NOT_RESOLVED") },
	}}
	p, err := pool.New(engine, pool.Config{Capacity: 1, MaxFailures: 3, IDs: &capturetest.IDs{Prefix: "h"}}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	runner := New(p, Config{}, zap.NewNop())

	for range 5 {
		res, err := runner.Run(context.Background(), "cap-1", testRequest())
		require.True(t, capture.IsKind(err, capture.KindNavigationError), "got %v", err)
		require.Empty(t, res.Image)
		requireIdle(t, p)
	}
	stats := p.Stats()
	require.Zero(t, stats.Retired)
	require.EqualValues(t, 1, stats.Launched)
	require.Equal(t, 1, engine.Launches())
	require.False(t, engine.Browsers()[0].Closed())
}

func TestRunPageSetupFailureOnLiveBrowserReleasesHandle(t *testing.T) {
	t.Parallel()

	var browsers []*capturetest.Browser
	engine := &capturetest.Engine{}
	engine.LaunchFunc = func(context.Context) (capture.Browser, error) {
		b := &capturetest.Browser{NewPageErr: errors.New("Invalid parameters")}
		browsers = append(browsers, b)
		return b, nil
	}
	p := newTestPool(t, engine)
	runner := New(p, Config{}, zap.NewNop())

	_, err := runner.Run(context.Background(), "cap-1", testRequest())
	require.True(t, capture.IsKind(err, capture.KindInternal), "got %v", err)
	require.ErrorContains(t, err, "Invalid parameters")
	requireIdle(t, p)
	require.Len(t, browsers, 1)
	require.False(t, browsers[0].Closed())
}

func TestRunPageSetupFailureOnDeadBrowserKillsHandle(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{}
	engine.LaunchFunc = func(context.Context) (capture.Browser, error) {
		return &capturetest.Browser{
			NewPageErr: errors.New("target closed"),
			PingErr:    errors.New("websocket closed"),
		}, nil
	}
	p := newTestPool(t, engine)
	runner := New(p, Config{}, zap.NewNop())

	_, err := runner.Run(context.Background(), "cap-1", testRequest())
	require.True(t, capture.IsKind(err, capture.KindEngineCrashed), "got %v", err)
	require.Eventually(t, func() bool { return p.Stats().Total == 0 }, time.Second, 5*time.Millisecond)
}

func TestRunWaitTimeoutFails(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{Page: capturetest.PageFuncs{Wait: func(ctx context.Context, _ capture.WaitCondition) error {
		return capturetest.Block(ctx)
	}}}
	p := newTestPool(t, engine)
	runner := New(p, Config{}, zap.NewNop())

	req := testRequest()
	req.Wait = capture.WaitCondition{Kind: capture.WaitSelector, Selector: "#never", Timeout: 50 * time.Millisecond}
	start := time.Now()
	_, err := runner.Run(context.Background(), "cap-1", req)
	require.True(t, capture.IsKind(err, capture.KindWaitTimeout), "got %v", err)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Less(t, time.Since(start), req.Timeout)
	requireIdle(t, p)
}

func TestRunWaitTimeoutBestEffort(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{Page: capturetest.PageFuncs{Wait: func(ctx context.Context, _ capture.WaitCondition) error {
		return capturetest.Block(ctx)
	}}}
	p := newTestPool(t, engine)
	runner := New(p, Config{}, zap.NewNop())

	req := testRequest()
	req.Wait = capture.WaitCondition{Kind: capture.WaitNetworkIdle, Timeout: 30 * time.Millisecond}
	req.WaitPolicy = capture.WaitPolicyBestEffort
	res, err := runner.Run(context.Background(), "cap-1", req)
	require.NoError(t, err)
	require.True(t, res.BestEffort)
	require.NotEmpty(t, res.Image)
	requireIdle(t, p)
}

func TestRunWaitNoneSkipsWait(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{Page: capturetest.PageFuncs{Wait: func(context.Context, capture.WaitCondition) error {
		return errors.New("wait should not be called")
	}}}
	p := newTestPool(t, engine)
	runner := New(p, Config{}, zap.NewNop())

	req := testRequest()
	req.Wait = capture.WaitCondition{Kind: capture.WaitNone}
	_, err := runner.Run(context.Background(), "cap-1", req)
	require.NoError(t, err)
}

func TestRunScreenshotFailureKillsHandle(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{Page: capturetest.PageFuncs{
		Screenshot: func(context.Context, capture.ShotOptions) ([]byte, error) { return nil, errors.New("tab crashed") },
	}}
	p := newTestPool(t, engine)
	runner := New(p, Config{}, zap.NewNop())

	_, err := runner.Run(context.Background(), "cap-1", testRequest())
	require.True(t, capture.IsKind(err, capture.KindEngineCrashed), "got %v", err)
	requireKilled(t, p, engine)
}

func TestRunPassesShotOptions(t *testing.T) {
	t.Parallel()

	var got capture.ShotOptions
	engine := &capturetest.Engine{Page: capturetest.PageFuncs{
		Screenshot: func(_ context.Context, opts capture.ShotOptions) ([]byte, error) {
			got = opts
			return []byte("jpeg"), nil
		},
	}}
	p := newTestPool(t, engine)
	runner := New(p, Config{}, zap.NewNop())

	req := testRequest()
	req.Format = capture.FormatJPEG
	req.Quality = 70
	req.FullPage = true
	res, err := runner.Run(context.Background(), "cap-1", req)
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", res.ContentType)
	require.Equal(t, capture.ShotOptions{Format: capture.FormatJPEG, Quality: 70, FullPage: true}, got)
}

func TestRunDeadlineReturnsHandleToPool(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{Page: capturetest.PageFuncs{
		Navigate: func(ctx context.Context, _ string) error { return capturetest.Block(ctx) },
	}}
	p := newTestPool(t, engine)
	runner := New(p, Config{}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := runner.Run(ctx, "cap-1", testRequest())
	require.True(t, capture.IsKind(err, capture.KindDeadlineExceeded), "got %v", err)
	requireIdle(t, p)
}

func TestRunHungEngineIsKilledAfterGrace(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	engine := &capturetest.Engine{Page: capturetest.PageFuncs{
		Navigate: func(context.Context, string) error {
			<-release
			return nil
		},
	}}
	p := newTestPool(t, engine)
	runner := New(p, Config{KillGrace: 30 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := runner.Run(ctx, "cap-1", testRequest())
	require.True(t, capture.IsKind(err, capture.KindDeadlineExceeded), "got %v", err)
	require.Less(t, time.Since(start), time.Second)
	requireKilled(t, p, engine)
}

func TestRunCallerCancel(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	engine := &capturetest.Engine{Page: capturetest.PageFuncs{
		Navigate: func(ctx context.Context, _ string) error {
			close(started)
			return capturetest.Block(ctx)
		},
	}}
	p := newTestPool(t, engine)
	runner := New(p, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := runner.Run(ctx, "cap-1", testRequest())
	require.True(t, capture.IsKind(err, capture.KindCanceled), "got %v", err)
	requireIdle(t, p)
}

func TestRunEnginePanicIsInternal(t *testing.T) {
	t.Parallel()

	engine := &capturetest.Engine{Page: capturetest.PageFuncs{
		Screenshot: func(context.Context, capture.ShotOptions) ([]byte, error) { panic("boom") },
	}}
	p := newTestPool(t, engine)
	runner := New(p, Config{}, zap.NewNop())

	_, err := runner.Run(context.Background(), "cap-1", testRequest())
	require.True(t, capture.IsKind(err, capture.KindInternal), "got %v", err)
	requireKilled(t, p, engine)
}

func TestRunPoolExhausted(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &capturetest.Engine{})
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()
	runner := New(p, Config{}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = runner.Run(ctx, "cap-1", testRequest())
	require.True(t, capture.IsKind(err, capture.KindPoolExhausted), "got %v", err)
}

func TestStageString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "navigating", StageNavigating.String())
	require.Equal(t, "failed", StageFailed.String())
	require.Equal(t, "unknown", Stage(99).String())
}
