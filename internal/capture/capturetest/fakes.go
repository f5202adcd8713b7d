// Package capturetest provides in-memory engine, browser and page fakes for tests.
package capturetest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

// PNG is a tiny placeholder returned by default screenshots.
var PNG = []byte("\x89PNG\r\n\x1a\nfake")

// Engine launches Browsers. Launch behaviour can be overridden per test.
type Engine struct {
	// LaunchFunc replaces the default launch when set.
	LaunchFunc func(ctx context.Context) (capture.Browser, error)
	// Page configures pages opened by browsers from the default launch.
	Page PageFuncs

	launches atomic.Int64

	mu       sync.Mutex
	browsers []*Browser
}

// Launch implements capture.Engine.
func (e *Engine) Launch(ctx context.Context) (capture.Browser, error) {
	e.launches.Add(1)
	if e.LaunchFunc != nil {
		return e.LaunchFunc(ctx)
	}
	b := &Browser{Page: e.Page}
	e.mu.Lock()
	e.browsers = append(e.browsers, b)
	e.mu.Unlock()
	return b, nil
}

// Launches reports how many times Launch was called.
func (e *Engine) Launches() int {
	return int(e.launches.Load())
}

// Browsers returns the browsers created by the default launch.
func (e *Engine) Browsers() []*Browser {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Browser, len(e.browsers))
	copy(out, e.browsers)
	return out
}

// PageFuncs overrides individual Page operations. Nil funcs succeed.
type PageFuncs struct {
	Navigate   func(ctx context.Context, url string) error
	Wait       func(ctx context.Context, cond capture.WaitCondition) error
	Screenshot func(ctx context.Context, opts capture.ShotOptions) ([]byte, error)
	Location   func(ctx context.Context) (string, error)
}

// Browser is a fake capture.Browser.
type Browser struct {
	Page    PageFuncs
	PingErr error
	// NewPageErr, when set, fails every NewPage call on a live browser.
	NewPageErr error

	closes atomic.Int64
	pages  atomic.Int64
}

// NewPage implements capture.Browser.
func (b *Browser) NewPage(_ context.Context, opts capture.PageOptions) (capture.Page, error) {
	if b.Closed() {
		return nil, errors.New("browser closed")
	}
	if b.NewPageErr != nil {
		return nil, b.NewPageErr
	}
	b.pages.Add(1)
	return &Page{funcs: b.Page, opts: opts}, nil
}

// Ping implements capture.Browser.
func (b *Browser) Ping(context.Context) error {
	if b.Closed() {
		return errors.New("browser closed")
	}
	return b.PingErr
}

// Close implements capture.Browser.
func (b *Browser) Close() error {
	b.closes.Add(1)
	return nil
}

// Closed reports whether Close was called at least once.
func (b *Browser) Closed() bool {
	return b.closes.Load() > 0
}

// Pages reports how many pages were opened.
func (b *Browser) Pages() int {
	return int(b.pages.Load())
}

// Page is a fake capture.Page.
type Page struct {
	funcs PageFuncs
	opts  capture.PageOptions

	mu  sync.Mutex
	url string
}

// Options returns the options the page was opened with.
func (p *Page) Options() capture.PageOptions {
	return p.opts
}

// Navigate implements capture.Page.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	if p.funcs.Navigate != nil {
		return p.funcs.Navigate(ctx, url)
	}
	return ctx.Err()
}

// Wait implements capture.Page.
func (p *Page) Wait(ctx context.Context, cond capture.WaitCondition) error {
	if p.funcs.Wait != nil {
		return p.funcs.Wait(ctx, cond)
	}
	return ctx.Err()
}

// Screenshot implements capture.Page.
func (p *Page) Screenshot(ctx context.Context, opts capture.ShotOptions) ([]byte, error) {
	if p.funcs.Screenshot != nil {
		return p.funcs.Screenshot(ctx, opts)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return PNG, nil
}

// Location implements capture.Page.
func (p *Page) Location(ctx context.Context) (string, error) {
	if p.funcs.Location != nil {
		return p.funcs.Location(ctx)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

// Close implements capture.Page.
func (p *Page) Close() error {
	return nil
}

// Block waits until ctx is done and returns its error. It simulates an
// engine call that only returns when cancelled.
func Block(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// IDs hands out sequential IDs with a prefix.
type IDs struct {
	Prefix string
	n      atomic.Int64
}

// NewID implements capture.IDGenerator.
func (g *IDs) NewID() (string, error) {
	return g.Prefix + strconv.FormatInt(g.n.Add(1), 10), nil
}

