// Package headless drives Chrome through chromedp. An Engine launches one
// browser per pool handle, either as a local process or as a connection to
// a remote DevTools endpoint.
package headless

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

// Mode selects how browsers are obtained.
type Mode string

// Supported engine modes.
const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Config controls browser launch.
type Config struct {
	Mode Mode
	// ExecPath overrides the Chrome binary for local mode.
	ExecPath string
	// RemoteURL is the DevTools endpoint for remote mode (ws:// or http://).
	RemoteURL string
	// UserAgent is applied to every page unless a request overrides it.
	UserAgent string
	// Flags are extra command-line switches for local mode. A value of
	// false removes a default switch.
	Flags map[string]any
}

// Engine implements capture.Engine with chromedp.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and returns an Engine.
func New(cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeLocal
	}
	switch cfg.Mode {
	case ModeLocal:
	case ModeRemote:
		if strings.TrimSpace(cfg.RemoteURL) == "" {
			return nil, errors.New("remote mode requires a remote url")
		}
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger.Named("headless")}, nil
}

// Launch starts (or connects to) a browser. ctx bounds startup only; the
// browser lives until Close.
func (e *Engine) Launch(ctx context.Context) (capture.Browser, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	switch e.cfg.Mode {
	case ModeRemote:
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), e.cfg.RemoteURL)
	default:
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), e.execOptions()...)
	}
	b, err := Connect(ctx, allocCtx, allocCancel, e.cfg.UserAgent, e.logger)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (e *Engine) execOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("enable-automation", false),
	)
	if e.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(e.cfg.ExecPath))
	}
	if e.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(e.cfg.UserAgent))
	}
	for name, value := range e.cfg.Flags {
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// Connect creates the browser-level chromedp context on top of an allocator
// and waits for the first target to attach. On failure both contexts are
// cancelled. The returned Browser owns allocCancel.
func Connect(ctx context.Context, allocCtx context.Context, allocCancel context.CancelFunc, userAgent string, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Debugf),
	)

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()

	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("chromedp warmup: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", ctx.Err())
	}

	return &Browser{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		userAgent:   userAgent,
		logger:      logger,
	}, nil
}

// forwardCancel cancels a chromedp-derived context when the caller's
// context ends. The returned func stops forwarding.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// run executes actions on a chromedp context while honouring the caller's
// ctx for cancellation and deadline.
func run(ctx context.Context, chromeCtx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(chromeCtx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return err
	}
	return nil
}
