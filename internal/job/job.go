// Package job runs a single capture against a leased browser handle.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/capture"
	"github.com/JakeFAU/pagesnap/internal/clock/system"
	"github.com/JakeFAU/pagesnap/internal/pool"
)

var errEnginePanic = errors.New("engine panic")

const (
	defaultKillGrace = 2 * time.Second
	pingTimeout      = 2 * time.Second
)

// Stage is the position of a job in its lifecycle.
type Stage int

// Job stages. Done and Failed are terminal.
const (
	StageQueued Stage = iota
	StageAcquiring
	StageNavigating
	StageWaiting
	StageCapturing
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageQueued:
		return "queued"
	case StageAcquiring:
		return "acquiring"
	case StageNavigating:
		return "navigating"
	case StageWaiting:
		return "waiting"
	case StageCapturing:
		return "capturing"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Acquirer hands out browser leases.
type Acquirer interface {
	Acquire(ctx context.Context) (*pool.Lease, error)
}

// Config tunes job execution.
type Config struct {
	// KillGrace is how long an engine call may keep running after its
	// context ends before the handle is killed.
	KillGrace time.Duration
	Clock     capture.Clock
	// Observer, when set, is told about every stage transition.
	Observer func(id string, stage Stage)
}

// Runner executes capture jobs.
type Runner struct {
	pool   Acquirer
	cfg    Config
	logger *zap.Logger
}

// New creates a Runner that leases handles from p.
func New(p Acquirer, cfg Config, logger *zap.Logger) *Runner {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{pool: p, cfg: cfg, logger: logger}
}

type fate int

const (
	fateRelease fate = iota
	fateReleaseFailed
	fateKill
)

// run holds the state of one execution.
type run struct {
	*Runner
	id      string
	req     capture.Request
	log     *zap.Logger
	lease   *pool.Lease
	page    capture.Page
	fate    fate
	fateErr error
}

// Run captures req. It returns either a Result or a *capture.Error, and the
// leased handle has been released or killed by the time it returns.
func (r *Runner) Run(ctx context.Context, id string, req capture.Request) (res capture.Result, err error) {
	start := r.cfg.Clock.Now()
	j := &run{
		Runner: r,
		id:     id,
		req:    req,
		log:    r.logger.With(zap.String("capture_id", id), zap.String("url", req.URL)),
	}
	j.enter(StageQueued)

	defer func() {
		if p := recover(); p != nil {
			j.log.Error("capture panicked", zap.Any("panic", p), zap.Stack("stack"))
			res = capture.Result{}
			err = j.kill(fmt.Errorf("panic: %v", p), capture.KindInternal, "capture panicked")
		}
		j.finish()
		if err != nil {
			j.enter(StageFailed)
			j.log.Debug("capture failed", zap.String("kind", string(capture.KindOf(err))), zap.Error(err))
			return
		}
		j.enter(StageDone)
	}()

	if err := j.acquire(ctx); err != nil {
		return capture.Result{}, err
	}
	if err := j.openPage(ctx); err != nil {
		return capture.Result{}, err
	}
	if err := j.navigate(ctx); err != nil {
		return capture.Result{}, err
	}
	bestEffort, err := j.wait(ctx)
	if err != nil {
		return capture.Result{}, err
	}
	img, err := j.screenshot(ctx)
	if err != nil {
		return capture.Result{}, err
	}

	return capture.Result{
		ID:          id,
		Request:     req,
		Image:       img,
		ContentType: req.Format.ContentType(),
		Elapsed:     r.cfg.Clock.Now().Sub(start),
		FinalURL:    j.location(ctx),
		HandleID:    j.lease.HandleID(),
		BestEffort:  bestEffort,
	}, nil
}

func (j *run) enter(stage Stage) {
	if j.cfg.Observer != nil {
		j.cfg.Observer(j.id, stage)
	}
}

func (j *run) acquire(ctx context.Context) error {
	j.enter(StageAcquiring)
	lease, err := j.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return capture.NewError(capture.KindCanceled, j.req, err, "canceled while waiting for a browser")
		}
		return capture.NewError(capture.KindPoolExhausted, j.req, err, "no browser available")
	}
	j.lease = lease
	j.log = j.log.With(zap.String("handle_id", lease.HandleID()))
	return nil
}

func (j *run) openPage(ctx context.Context) error {
	opts := capture.PageOptions{
		Viewport:  j.req.Viewport,
		UserAgent: j.req.UserAgent,
		Headers:   j.req.Headers,
	}
	page, hung, err := supervise(ctx, j.cfg.KillGrace, func(ctx context.Context) (capture.Page, error) {
		return j.lease.Browser().NewPage(ctx, opts)
	})
	if err != nil {
		if cerr := j.interrupted(ctx, hung, err); cerr != nil {
			return cerr
		}
		if perr := j.ping(ctx); perr != nil {
			return j.kill(errors.Join(err, perr), capture.KindEngineCrashed, "browser unresponsive after page setup failure")
		}
		j.fate = fateReleaseFailed
		return capture.NewError(capture.KindInternal, j.req, err, "open page")
	}
	j.page = page
	return nil
}

func (j *run) navigate(ctx context.Context) error {
	j.enter(StageNavigating)
	_, hung, err := supervise(ctx, j.cfg.KillGrace, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, j.page.Navigate(ctx, j.req.URL)
	})
	if err == nil {
		return nil
	}
	if cerr := j.interrupted(ctx, hung, err); cerr != nil {
		return cerr
	}
	if perr := j.ping(ctx); perr != nil {
		return j.kill(errors.Join(err, perr), capture.KindEngineCrashed, "browser unresponsive after navigation failure")
	}
	// The target failed, not the browser.
	return capture.NewError(capture.KindNavigationError, j.req, err, "navigate")
}

// wait reports whether the capture proceeds in best-effort mode.
func (j *run) wait(ctx context.Context) (bool, error) {
	j.enter(StageWaiting)
	if j.req.Wait.Kind == capture.WaitNone {
		return false, nil
	}
	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if j.req.Wait.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, j.req.Wait.Timeout)
	}
	defer cancel()
	_, hung, err := supervise(waitCtx, j.cfg.KillGrace, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, j.page.Wait(ctx, j.req.Wait)
	})
	if err == nil {
		return false, nil
	}
	if cerr := j.interrupted(ctx, hung, err); cerr != nil {
		return false, cerr
	}
	if hung {
		return false, j.kill(err, capture.KindWaitTimeout, "wait for %s ignored its timeout", j.req.Wait.Kind)
	}
	if waitCtx.Err() != nil {
		if j.req.WaitPolicy == capture.WaitPolicyBestEffort {
			j.log.Debug("wait condition timed out, capturing best effort", zap.String("wait", string(j.req.Wait.Kind)))
			return true, nil
		}
		return false, capture.NewError(capture.KindWaitTimeout, j.req, err, "wait for %s after %s", j.req.Wait.Kind, j.req.Wait.Timeout)
	}
	if perr := j.ping(ctx); perr != nil {
		return false, j.kill(errors.Join(err, perr), capture.KindEngineCrashed, "browser unresponsive while waiting")
	}
	return false, capture.NewError(capture.KindNavigationError, j.req, err, "wait for %s", j.req.Wait.Kind)
}

func (j *run) screenshot(ctx context.Context) ([]byte, error) {
	j.enter(StageCapturing)
	opts := capture.ShotOptions{Format: j.req.Format, Quality: j.req.Quality, FullPage: j.req.FullPage}
	img, hung, err := supervise(ctx, j.cfg.KillGrace, func(ctx context.Context) ([]byte, error) {
		return j.page.Screenshot(ctx, opts)
	})
	if err == nil && len(img) == 0 {
		err = errors.New("empty screenshot")
	}
	if err != nil {
		if cerr := j.interrupted(ctx, hung, err); cerr != nil {
			return nil, cerr
		}
		return nil, j.kill(err, capture.KindEngineCrashed, "screenshot")
	}
	return img, nil
}

// location returns the post-redirect URL, falling back to the requested one.
func (j *run) location(ctx context.Context) string {
	loc, _, err := supervise(ctx, j.cfg.KillGrace, j.page.Location)
	if err != nil || loc == "" {
		return j.req.URL
	}
	return loc
}

func (j *run) ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pingTimeout)
	defer cancel()
	_, _, err := supervise(pctx, 0, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, j.lease.Browser().Ping(ctx)
	})
	if err != nil {
		return fmt.Errorf("ping browser: %w", err)
	}
	return nil
}

// interrupted classifies failures that do not depend on the stage: engine
// panics and the job's own context ending. It returns nil otherwise.
func (j *run) interrupted(ctx context.Context, hung bool, cause error) error {
	if errors.Is(cause, errEnginePanic) {
		return j.kill(cause, capture.KindInternal, "engine panicked")
	}
	ctxErr := ctx.Err()
	if ctxErr == nil {
		return nil
	}
	kind := capture.KindCanceled
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		kind = capture.KindDeadlineExceeded
	}
	if hung {
		return j.kill(errors.Join(ctxErr, cause), kind, "engine did not stop after %s", j.cfg.KillGrace)
	}
	return capture.NewError(kind, j.req, errors.Join(ctxErr, cause), "interrupted")
}

func (j *run) kill(cause error, kind capture.Kind, format string, args ...any) error {
	j.fate = fateKill
	j.fateErr = cause
	return capture.NewError(kind, j.req, cause, format, args...)
}

// finish closes the page and disposes the lease exactly once.
func (j *run) finish() {
	if j.lease == nil {
		return
	}
	if j.page != nil && j.fate != fateKill {
		if err := j.page.Close(); err != nil {
			j.log.Debug("page close failed", zap.Error(err))
		}
	}
	switch j.fate {
	case fateKill:
		j.log.Warn("killing browser handle", zap.Error(j.fateErr))
		j.lease.Kill(j.fateErr)
	case fateReleaseFailed:
		j.lease.ReleaseFailed()
	default:
		j.lease.Release()
	}
}

type stageResult[T any] struct {
	val T
	err error
}

// supervise runs fn in its own goroutine under ctx. If ctx ends and fn has not
// returned within grace, supervise gives up on it and reports hung=true; the
// caller must then kill the handle so the engine call is torn down.
func supervise[T any](ctx context.Context, grace time.Duration, fn func(context.Context) (T, error)) (T, bool, error) {
	done := make(chan stageResult[T], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				var zero T
				done <- stageResult[T]{val: zero, err: fmt.Errorf("%w: %v", errEnginePanic, p)}
			}
		}()
		val, err := fn(ctx)
		done <- stageResult[T]{val: val, err: err}
	}()

	select {
	case res := <-done:
		return res.val, false, res.err
	case <-ctx.Done():
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case res := <-done:
		if res.err == nil {
			res.err = ctx.Err()
		}
		return res.val, false, res.err
	case <-timer.C:
		var zero T
		return zero, true, ctx.Err()
	}
}
