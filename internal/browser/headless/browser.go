package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

const closeTimeout = 5 * time.Second

var errBrowserClosed = errors.New("browser closed")

// Browser is one Chrome process or remote connection.
type Browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	userAgent   string
	logger      *zap.Logger

	closeOnce sync.Once
	onClose   []func()
}

// OnClose registers fn to run after the browser has been torn down.
func (b *Browser) OnClose(fn func()) {
	b.onClose = append(b.onClose, fn)
}

// NewPage opens a new tab configured with opts.
func (b *Browser) NewPage(ctx context.Context, opts capture.PageOptions) (capture.Page, error) {
	if b.ctx.Err() != nil {
		return nil, errBrowserClosed
	}
	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	p := newPage(tabCtx, tabCancel)
	chromedp.ListenTarget(tabCtx, p.onEvent)

	if opts.UserAgent == "" {
		opts.UserAgent = b.userAgent
	}
	if err := run(ctx, tabCtx, p.setupActions(opts)...); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open page: %w", err)
	}
	return p, nil
}

// Ping asks the browser for its version over the browser-level session.
func (b *Browser) Ping(ctx context.Context) error {
	c := chromedp.FromContext(b.ctx)
	if c == nil || c.Browser == nil || b.ctx.Err() != nil {
		return errBrowserClosed
	}
	return run(ctx, b.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var version browser.GetVersionReturns
		if err := cdp.Execute(cdp.WithExecutor(ctx, c.Browser), browser.CommandGetVersion, nil, &version); err != nil {
			return fmt.Errorf("browser version: %w", err)
		}
		return nil
	}))
}

// Close terminates the browser. Later calls are no-ops.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			b.cancel()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeTimeout):
			b.logger.Warn("browser did not close in time, killing allocator")
		}
		b.allocCancel()
		for _, fn := range b.onClose {
			fn()
		}
	})
	return nil
}
