// Package dispatcher is the entry point for capture requests. It validates
// and admits requests, enforces the per-request deadline and hands admitted
// work to the job runner.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/capture"
	"github.com/JakeFAU/pagesnap/internal/clock/system"
	"github.com/JakeFAU/pagesnap/internal/id/uuid"
	"github.com/JakeFAU/pagesnap/internal/metrics"
	"github.com/JakeFAU/pagesnap/internal/progress"
)

const tracerName = "github.com/JakeFAU/pagesnap/internal/dispatcher"

// Runner executes one admitted capture.
type Runner interface {
	Run(ctx context.Context, id string, req capture.Request) (capture.Result, error)
}

// Limiter throttles captures per target host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// HostPolicy decides whether a target may be captured at all.
type HostPolicy interface {
	AllowCapture(rawURL string) bool
}

// Config sizes admission and supplies request defaults.
type Config struct {
	// Capacity is the number of concurrently running captures (the pool size).
	Capacity int
	// QueueDepth is how many admitted requests may wait for a handle.
	QueueDepth int
	Defaults   capture.Defaults
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLimiter enables per-host throttling.
func WithLimiter(l Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithHostPolicy rejects targets the policy does not allow.
func WithHostPolicy(p HostPolicy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithIDGenerator overrides capture ID generation.
func WithIDGenerator(ids capture.IDGenerator) Option {
	return func(d *Dispatcher) { d.ids = ids }
}

// WithClock overrides the clock used for elapsed time.
func WithClock(c capture.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithEmitter reports one finished event per submission.
func WithEmitter(e progress.Emitter) Option {
	return func(d *Dispatcher) { d.emitter = e }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracer = tp.Tracer(tracerName) }
}

// Dispatcher admits capture requests and returns exactly one outcome each.
type Dispatcher struct {
	runner  Runner
	cfg     Config
	slots   chan struct{}
	limiter Limiter
	policy  HostPolicy
	emitter progress.Emitter
	ids     capture.IDGenerator
	clock   capture.Clock
	tracer  trace.Tracer
	logger  *zap.Logger
}

// New creates a Dispatcher in front of runner.
func New(runner Runner, cfg Config, logger *zap.Logger, opts ...Option) (*Dispatcher, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("capacity must be > 0, got %d", cfg.Capacity)
	}
	if cfg.QueueDepth < 0 {
		return nil, fmt.Errorf("queue depth must be >= 0, got %d", cfg.QueueDepth)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		runner: runner,
		cfg:    cfg,
		slots:  make(chan struct{}, cfg.Capacity+cfg.QueueDepth),
		ids:    uuid.NewUUIDGenerator(),
		clock:  system.New(),
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// InFlight returns the number of admitted requests not yet finished.
func (d *Dispatcher) InFlight() int {
	return len(d.slots)
}

// Limit returns the admission limit.
func (d *Dispatcher) Limit() int {
	return cap(d.slots)
}

// Submit runs req to completion. The error, when non-nil, is always a
// *capture.Error. Submit blocks only the caller.
func (d *Dispatcher) Submit(ctx context.Context, req capture.Request) (capture.Result, error) {
	start := d.clock.Now()
	ctx, span := d.tracer.Start(ctx, "capture.submit", trace.WithAttributes(
		attribute.String("capture.url", req.URL),
	))
	defer span.End()

	id, res, err := d.submit(ctx, req)
	elapsed := d.clock.Now().Sub(start)

	outcome := "ok"
	if err != nil {
		outcome = string(capture.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	} else {
		span.SetAttributes(
			attribute.String("capture.handle_id", res.HandleID),
			attribute.Int("capture.bytes", len(res.Image)),
			attribute.Bool("capture.best_effort", res.BestEffort),
		)
	}
	if id != "" {
		span.SetAttributes(attribute.String("capture.id", id))
	}
	span.SetAttributes(attribute.String("capture.outcome", outcome))
	metrics.ObserveCapture(outcome, elapsed, len(res.Image))
	if d.emitter != nil {
		evt := progress.Event{
			CaptureID: id,
			TS:        d.clock.Now(),
			Stage:     progress.StageFinished,
			Host:      capture.Host(req.URL),
			URL:       req.URL,
			Outcome:   outcome,
			Bytes:     int64(len(res.Image)),
			Dur:       elapsed,
		}
		if res.BestEffort {
			evt.Note = "best effort"
		}
		d.emitter.Emit(evt)
	}
	d.logger.Info("capture finished",
		zap.String("url", req.URL),
		zap.String("capture_id", id),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", elapsed),
	)
	return res, err
}

// submit returns the capture ID once one has been assigned, on success and
// failure alike.
func (d *Dispatcher) submit(ctx context.Context, raw capture.Request) (string, capture.Result, error) {
	req, err := capture.Normalize(raw, d.cfg.Defaults)
	if err != nil {
		return "", capture.Result{}, capture.NewError(capture.KindInvalidRequest, raw, err, "invalid request")
	}
	if d.policy != nil && !d.policy.AllowCapture(req.URL) {
		return "", capture.Result{}, capture.NewError(capture.KindInvalidRequest, req, nil, "host %s is not allowed", capture.Host(req.URL))
	}

	select {
	case d.slots <- struct{}{}:
	default:
		return "", capture.Result{}, capture.NewError(capture.KindOverloaded, req, nil, "%d requests already in flight", cap(d.slots))
	}
	defer func() { <-d.slots }()
	metrics.IncInFlight()
	defer metrics.DecInFlight()

	id, err := d.ids.NewID()
	if err != nil {
		return "", capture.Result{}, capture.NewError(capture.KindInternal, req, err, "generate capture id")
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, req.URL); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return id, capture.Result{}, capture.NewError(capture.KindCanceled, req, err, "canceled while rate limited")
			}
			return id, capture.Result{}, capture.NewError(capture.KindDeadlineExceeded, req, err, "rate limit delay exceeds deadline")
		}
	}

	res, err := d.runner.Run(ctx, id, req)
	if err != nil {
		var cerr *capture.Error
		if !errors.As(err, &cerr) {
			return id, capture.Result{}, capture.NewError(capture.KindInternal, req, err, "capture %s", id)
		}
		return id, capture.Result{}, cerr
	}
	return id, res, nil
}
