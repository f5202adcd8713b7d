// Package pool owns the browser handles and hands them out under a fixed
// capacity. All handle and wait-list state lives in a single goroutine;
// callers talk to it over channels, and each waiter gets its own reply
// channel so acquisition is FIFO without polling.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/pagesnap/internal/capture"
	"github.com/JakeFAU/pagesnap/internal/clock/system"
	"github.com/JakeFAU/pagesnap/internal/id/uuid"
	"github.com/JakeFAU/pagesnap/internal/metrics"
)

var (
	// ErrExhausted is returned when no handle became available in time.
	ErrExhausted = errors.New("no browser handle available")
	// ErrClosed is returned once Shutdown has begun.
	ErrClosed = errors.New("pool closed")
)

const defaultLaunchTimeout = 30 * time.Second

// Config controls pool sizing and recycling.
type Config struct {
	// Capacity is the maximum number of browsers alive at once.
	Capacity int
	// MaxUses retires a handle after this many leases (0 = unlimited).
	MaxUses int
	// MaxFailures retires a handle after this many consecutive soft failures (0 = unlimited).
	MaxFailures int
	// AcquireTimeout caps how long Acquire waits (0 = caller's context only).
	AcquireTimeout time.Duration
	// LaunchTimeout bounds browser startup.
	LaunchTimeout time.Duration
	Clock         capture.Clock
	IDs           capture.IDGenerator
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Capacity int          `json:"capacity"`
	Total    int          `json:"total"`
	Starting int          `json:"starting"`
	Idle     int          `json:"idle"`
	InUse    int          `json:"in_use"`
	Closing  int          `json:"closing"`
	Waiting  int          `json:"waiting"`
	Launched uint64       `json:"launched"`
	Retired  uint64       `json:"retired"`
	Closed   bool         `json:"closed"`
	Handles  []HandleInfo `json:"handles,omitempty"`
}

type acquireResult struct {
	handle *Handle
	err    error
}

type waiter struct {
	reply chan acquireResult
	elem  *list.Element
}

type abandonReq struct {
	w   *waiter
	ack chan struct{}
}

type disposeReq struct {
	h     *Handle
	how   disposition
	cause error
	ack   chan struct{}
}

type launchDone struct {
	h       *Handle
	browser capture.Browser
	err     error
}

// Pool manages browser handles for capture jobs.
type Pool struct {
	cfg    Config
	engine capture.Engine
	logger *zap.Logger

	acquireCh  chan *waiter
	abandonCh  chan abandonReq
	disposeCh  chan disposeReq
	launchCh   chan launchDone
	closedCh   chan *Handle
	statsCh    chan chan Stats
	shutdownCh chan struct{}
	done       chan struct{}

	// Owned by run.
	handles  map[string]*Handle
	idle     []*Handle
	waiters  *list.List
	starting int
	closing  int
	launched uint64
	retired  uint64
	closed   bool
}

// New starts a pool backed by engine. Handles are launched lazily.
func New(engine capture.Engine, cfg Config, logger *zap.Logger) (*Pool, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("capacity must be > 0, got %d", cfg.Capacity)
	}
	if cfg.MaxUses < 0 || cfg.MaxFailures < 0 {
		return nil, errors.New("max uses and max failures must be >= 0")
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = defaultLaunchTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.IDs == nil {
		cfg.IDs = uuid.NewUUIDGenerator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:        cfg,
		engine:     engine,
		logger:     logger,
		acquireCh:  make(chan *waiter),
		abandonCh:  make(chan abandonReq),
		disposeCh:  make(chan disposeReq),
		launchCh:   make(chan launchDone),
		closedCh:   make(chan *Handle),
		statsCh:    make(chan chan Stats),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
		handles:    make(map[string]*Handle),
		waiters:    list.New(),
	}
	go p.run()
	return p, nil
}

// Capacity returns the configured maximum number of handles.
func (p *Pool) Capacity() int {
	return p.cfg.Capacity
}

// Acquire blocks until a handle is leased, ctx ends, or the pool closes.
// Waiters are served in arrival order.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	w := &waiter{reply: make(chan acquireResult, 1)}
	select {
	case p.acquireCh <- w:
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrExhausted, ctx.Err())
	}

	select {
	case res := <-w.reply:
		if res.err != nil {
			return nil, res.err
		}
		return &Lease{pool: p, handle: res.handle}, nil
	case <-ctx.Done():
		ack := make(chan struct{})
		select {
		case p.abandonCh <- abandonReq{w: w, ack: ack}:
			<-ack
		case <-p.done:
		}
		// The handle may have been handed over before the abandon landed.
		select {
		case res := <-w.reply:
			if res.handle != nil {
				(&Lease{pool: p, handle: res.handle}).Release()
			}
		default:
		}
		return nil, fmt.Errorf("%w: %w", ErrExhausted, ctx.Err())
	}
}

// Warm launches up to n handles ahead of demand.
func (p *Pool) Warm(ctx context.Context, n int) error {
	if n > p.cfg.Capacity {
		n = p.cfg.Capacity
	}
	if n <= 0 {
		return nil
	}
	leases := make([]*Lease, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range leases {
		g.Go(func() error {
			lease, err := p.Acquire(gctx)
			if err != nil {
				return fmt.Errorf("warm handle %d: %w", i, err)
			}
			leases[i] = lease
			return nil
		})
	}
	err := g.Wait()
	for _, lease := range leases {
		if lease != nil {
			lease.Release()
		}
	}
	return err
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case p.statsCh <- reply:
		return <-reply
	case <-p.done:
		return Stats{Capacity: p.cfg.Capacity, Closed: true}
	}
}

// Shutdown fails pending waiters, closes idle handles, and waits until every
// handle has been closed. In-use handles close as their leases end.
func (p *Pool) Shutdown(ctx context.Context) error {
	select {
	case p.shutdownCh <- struct{}{}:
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown wait: %w", ctx.Err())
	}
}

// dispose hands a leased handle back to the pool and waits until the pool
// has applied the transition, so occupancy is exact when it returns.
func (p *Pool) dispose(h *Handle, how disposition, cause error) {
	ack := make(chan struct{})
	select {
	case p.disposeCh <- disposeReq{h: h, how: how, cause: cause, ack: ack}:
		<-ack
	case <-p.done:
		closeBrowser(h.browser, p.logger)
	}
}

func (p *Pool) run() {
	defer close(p.done)
	for {
		select {
		case w := <-p.acquireCh:
			p.onAcquire(w)
		case req := <-p.abandonCh:
			if req.w.elem != nil {
				p.waiters.Remove(req.w.elem)
				req.w.elem = nil
			}
			close(req.ack)
		case req := <-p.disposeCh:
			p.onDispose(req)
			close(req.ack)
		case res := <-p.launchCh:
			p.onLaunched(res)
		case h := <-p.closedCh:
			p.closing--
			delete(p.handles, h.ID)
			h.state = StateDead
			p.dispatch()
		case reply := <-p.statsCh:
			reply <- p.snapshot(true)
		case <-p.shutdownCh:
			p.onShutdown()
		}
		p.publishGauges()
		if p.closed && len(p.handles) == 0 && p.starting == 0 {
			p.logger.Info("browser pool stopped", zap.Uint64("launched", p.launched), zap.Uint64("retired", p.retired))
			return
		}
	}
}

func (p *Pool) onAcquire(w *waiter) {
	if p.closed {
		w.reply <- acquireResult{err: ErrClosed}
		return
	}
	w.elem = p.waiters.PushBack(w)
	p.dispatch()
}

// dispatch serves waiters from idle handles, then launches new handles for
// the remaining waiters while capacity allows.
func (p *Pool) dispatch() {
	if p.closed {
		return
	}
	for p.waiters.Len() > 0 && len(p.idle) > 0 {
		h := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.handOff(h)
	}
	for p.starting < p.waiters.Len() && len(p.handles) < p.cfg.Capacity {
		p.launch()
	}
}

func (p *Pool) handOff(h *Handle) {
	front := p.waiters.Front()
	w, _ := front.Value.(*waiter)
	p.waiters.Remove(front)
	w.elem = nil
	h.state = StateInUse
	h.uses++
	w.reply <- acquireResult{handle: h}
}

func (p *Pool) failFront(err error) {
	front := p.waiters.Front()
	if front == nil {
		return
	}
	w, _ := front.Value.(*waiter)
	p.waiters.Remove(front)
	w.elem = nil
	w.reply <- acquireResult{err: err}
}

func (p *Pool) launch() {
	id, err := p.cfg.IDs.NewID()
	if err != nil {
		p.logger.Error("handle id generation failed", zap.Error(err))
		p.failFront(fmt.Errorf("%w: %w", ErrExhausted, err))
		return
	}
	h := &Handle{ID: id, Created: p.cfg.Clock.Now(), state: StateStarting}
	p.handles[id] = h
	p.starting++
	p.logger.Debug("launching browser", zap.String("handle_id", id))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.LaunchTimeout)
		defer cancel()
		browser, err := p.engine.Launch(ctx)
		p.launchCh <- launchDone{h: h, browser: browser, err: err}
	}()
}

func (p *Pool) onLaunched(res launchDone) {
	p.starting--
	h := res.h
	if res.err != nil {
		delete(p.handles, h.ID)
		h.state = StateDead
		metrics.ObserveHandleLaunch("error")
		p.logger.Warn("browser launch failed", zap.String("handle_id", h.ID), zap.Error(res.err))
		if !p.closed {
			p.failFront(fmt.Errorf("%w: launch browser: %w", ErrExhausted, res.err))
			p.dispatch()
		}
		return
	}
	h.browser = res.browser
	p.launched++
	metrics.ObserveHandleLaunch("ok")
	if p.closed {
		p.retire(h, "shutdown")
		return
	}
	h.state = StateIdle
	p.idle = append(p.idle, h)
	p.dispatch()
}

func (p *Pool) onDispose(req disposeReq) {
	h := req.h
	if h.state != StateInUse {
		p.logger.Error("dispose of handle not in use", zap.String("handle_id", h.ID), zap.Stringer("state", h.state))
		return
	}
	switch req.how {
	case disposeKill:
		p.logger.Warn("browser handle marked dead", zap.String("handle_id", h.ID), zap.Error(req.cause))
		p.retire(h, "dead")
	case disposeReleaseFailed:
		h.failures++
		p.recycle(h)
	default:
		h.failures = 0
		p.recycle(h)
	}
	p.dispatch()
}

func (p *Pool) recycle(h *Handle) {
	switch {
	case p.closed:
		p.retire(h, "shutdown")
	case p.cfg.MaxUses > 0 && h.uses >= p.cfg.MaxUses:
		p.retire(h, "max_uses")
	case p.cfg.MaxFailures > 0 && h.failures >= p.cfg.MaxFailures:
		p.retire(h, "poisoned")
	default:
		h.state = StateIdle
		p.idle = append(p.idle, h)
	}
}

// retire closes h in the background. The handle keeps its capacity slot
// until the browser has exited.
func (p *Pool) retire(h *Handle, reason string) {
	if reason == "dead" {
		h.state = StateDead
	} else {
		h.state = StateClosing
	}
	p.closing++
	p.retired++
	metrics.ObserveHandleRetired(reason)
	p.logger.Debug("retiring browser", zap.String("handle_id", h.ID), zap.String("reason", reason), zap.Int("uses", h.uses))
	go func() {
		closeBrowser(h.browser, p.logger)
		p.closedCh <- h
	}()
}

func (p *Pool) onShutdown() {
	if p.closed {
		return
	}
	p.closed = true
	p.logger.Info("browser pool shutting down", zap.Int("waiting", p.waiters.Len()), zap.Int("handles", len(p.handles)))
	for p.waiters.Len() > 0 {
		p.failFront(ErrClosed)
	}
	for _, h := range p.idle {
		p.retire(h, "shutdown")
	}
	p.idle = nil
}

func (p *Pool) snapshot(withHandles bool) Stats {
	s := Stats{
		Capacity: p.cfg.Capacity,
		Total:    len(p.handles),
		Starting: p.starting,
		Idle:     len(p.idle),
		Closing:  p.closing,
		Waiting:  p.waiters.Len(),
		Launched: p.launched,
		Retired:  p.retired,
		Closed:   p.closed,
	}
	for _, h := range p.handles {
		if h.state == StateInUse {
			s.InUse++
		}
		if withHandles {
			s.Handles = append(s.Handles, h.info())
		}
	}
	return s
}

func (p *Pool) publishGauges() {
	s := p.snapshot(false)
	metrics.ObservePool(s.Idle, s.InUse, s.Waiting, s.Total)
}

func closeBrowser(b capture.Browser, logger *zap.Logger) {
	if b == nil {
		return
	}
	if err := b.Close(); err != nil {
		logger.Warn("browser close failed", zap.Error(err))
	}
}
