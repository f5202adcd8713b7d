package headless

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

// Chrome refuses to rasterize surfaces taller than this.
const maxFullPageHeight = 16384

// Lifecycle event names emitted by Page.lifecycleEvent.
const (
	eventInit             = "init"
	eventDOMContentLoaded = "DOMContentLoaded"
	eventLoad             = "load"
	eventNetworkIdle      = "networkIdle"
)

var errTargetCrashed = errors.New("page crashed")

// Page is a single Chrome tab.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc

	lifecycle *lifecycle
	closeOnce sync.Once
}

func newPage(ctx context.Context, cancel context.CancelFunc) *Page {
	return &Page{ctx: ctx, cancel: cancel, lifecycle: newLifecycle()}
}

func (p *Page) onEvent(ev any) {
	switch e := ev.(type) {
	case *page.EventLifecycleEvent:
		p.lifecycle.observe(string(e.LoaderID), e.Name)
	case *inspector.EventTargetCrashed:
		p.lifecycle.crash()
	}
}

func (p *Page) setupActions(opts capture.PageOptions) []chromedp.Action {
	actions := []chromedp.Action{
		page.SetLifecycleEventsEnabled(true),
	}
	if !opts.Viewport.IsZero() {
		actions = append(actions, chromedp.EmulateViewport(int64(opts.Viewport.Width), int64(opts.Viewport.Height)))
	}
	actions = append(actions, networkSetupAction(opts.UserAgent, opts.Headers))
	return actions
}

func networkSetupAction(userAgent string, headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// Navigate starts loading url and returns once the main document has been
// committed. Readiness is decided later by Wait.
func (p *Page) Navigate(ctx context.Context, url string) error {
	return run(ctx, p.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var res page.NavigateReturns
		if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
		if res.ErrorText != "" {
			return fmt.Errorf("navigate: %s", res.ErrorText)
		}
		p.lifecycle.setLoader(string(res.LoaderID))
		return nil
	}))
}

// Wait blocks until cond holds for the current document.
func (p *Page) Wait(ctx context.Context, cond capture.WaitCondition) error {
	switch cond.Kind {
	case capture.WaitNone:
		return nil
	case capture.WaitLoad:
		return p.lifecycle.wait(ctx, eventLoad)
	case capture.WaitDOMContentLoaded:
		return p.lifecycle.wait(ctx, eventDOMContentLoaded)
	case capture.WaitNetworkIdle:
		return p.lifecycle.wait(ctx, eventNetworkIdle)
	case capture.WaitDelay:
		timer := time.NewTimer(cond.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case capture.WaitSelector:
		if err := run(ctx, p.ctx, chromedp.WaitVisible(cond.Selector, chromedp.ByQuery)); err != nil {
			return fmt.Errorf("wait for selector %q: %w", cond.Selector, err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported wait condition %q", cond.Kind)
	}
}

// Screenshot rasterizes the viewport, or the whole document when FullPage is set.
func (p *Page) Screenshot(ctx context.Context, opts capture.ShotOptions) ([]byte, error) {
	if p.lifecycle.crashed() {
		return nil, errTargetCrashed
	}
	var buf []byte
	err := run(ctx, p.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		shot := page.CaptureScreenshot().WithFromSurface(true)
		if opts.Format == capture.FormatJPEG {
			shot = shot.WithFormat(page.CaptureScreenshotFormatJpeg).WithQuality(int64(opts.Quality))
		} else {
			shot = shot.WithFormat(page.CaptureScreenshotFormatPng)
		}
		if opts.FullPage {
			clip, err := documentClip(ctx)
			if err != nil {
				return err
			}
			shot = shot.WithCaptureBeyondViewport(true).WithClip(clip)
		}
		data, err := shot.Do(ctx)
		if err != nil {
			return fmt.Errorf("capture screenshot: %w", err)
		}
		buf = data
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

type documentSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

const documentSizeJS = `(() => {
	const d = document.documentElement, b = document.body || d;
	return {
		width: Math.max(d.scrollWidth, b.scrollWidth, d.clientWidth),
		height: Math.max(d.scrollHeight, b.scrollHeight, d.clientHeight),
	};
})()`

func documentClip(ctx context.Context) (*page.Viewport, error) {
	var size documentSize
	if err := chromedp.Evaluate(documentSizeJS, &size).Do(ctx); err != nil {
		return nil, fmt.Errorf("measure document: %w", err)
	}
	if size.Width <= 0 || size.Height <= 0 {
		return nil, fmt.Errorf("document has no size (%vx%v)", size.Width, size.Height)
	}
	return &page.Viewport{
		X:      0,
		Y:      0,
		Width:  math.Ceil(size.Width),
		Height: math.Min(math.Ceil(size.Height), maxFullPageHeight),
		Scale:  1,
	}, nil
}

// Location returns the URL of the current document.
func (p *Page) Location(ctx context.Context) (string, error) {
	var loc string
	if err := run(ctx, p.ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return loc, nil
}

// Close closes the tab. It does not wait longer than closeTimeout.
func (p *Page) Close() error {
	p.closeOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			p.cancel()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeTimeout):
		}
	})
	return nil
}

// lifecycle records page lifecycle events per loader so Wait can ask
// whether a milestone has been reached for the navigation it started.
type lifecycle struct {
	mu      sync.Mutex
	loader  string
	events  map[string]map[string]bool
	dead    bool
	changed chan struct{}
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		events:  make(map[string]map[string]bool),
		changed: make(chan struct{}),
	}
}

func (l *lifecycle) observe(loader, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen, ok := l.events[loader]
	if !ok || name == eventInit {
		seen = make(map[string]bool)
		l.events[loader] = seen
	}
	seen[name] = true
	l.notify()
}

func (l *lifecycle) setLoader(loader string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loader = loader
	l.notify()
}

func (l *lifecycle) crash() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dead = true
	l.notify()
}

func (l *lifecycle) crashed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dead
}

// notify wakes all waiters. Callers hold l.mu.
func (l *lifecycle) notify() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// reached reports whether name fired for the current loader. A navigation
// without a loader (same-document) counts as complete.
func (l *lifecycle) reached(name string) (bool, <-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dead {
		return false, nil, errTargetCrashed
	}
	if l.loader == "" {
		return true, nil, nil
	}
	return l.events[l.loader][name], l.changed, nil
}

func (l *lifecycle) wait(ctx context.Context, name string) error {
	for {
		ok, changed, err := l.reached(name)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", name, ctx.Err())
		}
	}
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		headers[key] = strings.Join(values, ", ")
	}
	return headers
}
