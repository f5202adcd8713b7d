package capture

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

// ErrInvalidURL indicates the target is not an absolute http(s) URL.
var ErrInvalidURL = errors.New("invalid target url")

// Defaults supplies the values applied to fields a request leaves empty.
type Defaults struct {
	Timeout     time.Duration
	MaxTimeout  time.Duration
	Wait        WaitKind
	WaitTimeout time.Duration
	WaitPolicy  WaitPolicy
	Format      Format
	Quality     int
	Viewport    Viewport
	MaxViewport int
}

// Normalize validates r and fills unset fields from d.
func Normalize(r Request, d Defaults) (Request, error) {
	r = r.Clone()
	target, err := ValidateURL(r.URL)
	if err != nil {
		return r, err
	}
	r.URL = target

	if r.Timeout < 0 {
		return r, errors.New("timeout must be >= 0")
	}
	if r.Timeout == 0 {
		r.Timeout = d.Timeout
	}
	if d.MaxTimeout > 0 && r.Timeout > d.MaxTimeout {
		r.Timeout = d.MaxTimeout
	}

	if r.Format == "" {
		r.Format = d.Format
	}
	r.Format = Format(strings.ToLower(string(r.Format)))
	if r.Format == "jpg" {
		r.Format = FormatJPEG
	}
	switch r.Format {
	case FormatPNG:
		r.Quality = 0
	case FormatJPEG:
		if r.Quality == 0 {
			r.Quality = d.Quality
		}
		if r.Quality < 1 || r.Quality > 100 {
			return r, fmt.Errorf("quality %d out of range 1-100", r.Quality)
		}
	default:
		return r, fmt.Errorf("unsupported format %q", r.Format)
	}

	if r.Viewport.IsZero() {
		r.Viewport = d.Viewport
	}
	if r.Viewport.Width <= 0 || r.Viewport.Height <= 0 {
		return r, fmt.Errorf("viewport %dx%d must be positive", r.Viewport.Width, r.Viewport.Height)
	}
	if d.MaxViewport > 0 && (r.Viewport.Width > d.MaxViewport || r.Viewport.Height > d.MaxViewport) {
		return r, fmt.Errorf("viewport %dx%d exceeds limit %d", r.Viewport.Width, r.Viewport.Height, d.MaxViewport)
	}

	if err := normalizeWait(&r, d); err != nil {
		return r, err
	}
	if err := validateHeaders(r.Headers); err != nil {
		return r, err
	}
	return r, nil
}

// validateHeaders rejects header names and values the browser would refuse
// when applying them to the page.
func validateHeaders(h http.Header) error {
	for name, values := range h {
		if !httpguts.ValidHeaderFieldName(name) {
			return fmt.Errorf("invalid header name %q", name)
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return fmt.Errorf("invalid value for header %q", name)
			}
		}
	}
	return nil
}

func normalizeWait(r *Request, d Defaults) error {
	if r.Wait.Kind == "" {
		r.Wait.Kind = d.Wait
	}
	switch r.Wait.Kind {
	case WaitLoad, WaitDOMContentLoaded, WaitNetworkIdle, WaitNone:
	case WaitDelay:
		if r.Wait.Delay <= 0 {
			return errors.New("delay wait requires a positive delay")
		}
	case WaitSelector:
		if strings.TrimSpace(r.Wait.Selector) == "" {
			return errors.New("selector wait requires a selector")
		}
	default:
		return fmt.Errorf("unknown wait condition %q", r.Wait.Kind)
	}
	if r.Wait.Timeout < 0 {
		return errors.New("wait timeout must be >= 0")
	}
	if r.Wait.Timeout == 0 {
		r.Wait.Timeout = d.WaitTimeout
	}
	if r.WaitPolicy == "" {
		r.WaitPolicy = d.WaitPolicy
	}
	switch r.WaitPolicy {
	case WaitPolicyFail, WaitPolicyBestEffort:
	default:
		return fmt.Errorf("unknown wait policy %q", r.WaitPolicy)
	}
	return nil
}

// ValidateURL checks raw is an absolute http or https URL and returns it normalized.
func ValidateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q not allowed", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: credentials not allowed", ErrInvalidURL)
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	if scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	return u.String(), nil
}

// Host returns the lowercase hostname of a validated URL, or "unknown".
func Host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
