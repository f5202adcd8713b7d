// Package capture defines the core types shared by the screenshot pipeline.
package capture

import (
	"net/http"
	"time"
)

// Format is the encoding of a captured image.
type Format string

// Supported output formats.
const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	default:
		return "image/png"
	}
}

// Extension returns the file extension used when archiving images.
func (f Format) Extension() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return "png"
}

// WaitKind selects the rule that decides a page is ready to capture.
type WaitKind string

// Supported wait conditions.
const (
	WaitLoad             WaitKind = "load"
	WaitDOMContentLoaded WaitKind = "dom_content_loaded"
	WaitNetworkIdle      WaitKind = "network_idle"
	WaitDelay            WaitKind = "delay"
	WaitSelector         WaitKind = "selector"
	WaitNone             WaitKind = "none"
)

// WaitPolicy decides what happens when a wait condition expires.
type WaitPolicy string

// Wait policies.
const (
	// WaitPolicyFail ends the job with a WaitTimeout error.
	WaitPolicyFail WaitPolicy = "fail"
	// WaitPolicyBestEffort captures whatever has rendered so far.
	WaitPolicyBestEffort WaitPolicy = "best_effort"
)

// WaitCondition describes how long to wait after navigation before capturing.
type WaitCondition struct {
	Kind     WaitKind      `json:"kind"`
	Delay    time.Duration `json:"delay,omitempty"`
	Selector string        `json:"selector,omitempty"`
	// Timeout bounds the wait stage independently of the request deadline.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Viewport is the emulated browser window size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// IsZero reports whether no viewport was requested.
func (v Viewport) IsZero() bool {
	return v.Width == 0 && v.Height == 0
}

// Request is a single screenshot request. Treat it as immutable after Submit.
type Request struct {
	URL        string        `json:"url"`
	Viewport   Viewport      `json:"viewport"`
	Wait       WaitCondition `json:"wait"`
	WaitPolicy WaitPolicy    `json:"wait_policy"`
	Timeout    time.Duration `json:"timeout"`
	Format     Format        `json:"format"`
	Quality    int           `json:"quality,omitempty"`
	FullPage   bool          `json:"full_page"`
	UserAgent  string        `json:"user_agent,omitempty"`
	Headers    http.Header   `json:"headers,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate a submitted request.
func (r Request) Clone() Request {
	cp := r
	if r.Headers != nil {
		cp.Headers = r.Headers.Clone()
	}
	return cp
}

// Result is the successful outcome of a capture.
type Result struct {
	ID          string        `json:"id"`
	Request     Request       `json:"request"`
	Image       []byte        `json:"-"`
	ContentType string        `json:"content_type"`
	Elapsed     time.Duration `json:"elapsed"`
	FinalURL    string        `json:"final_url"`
	HandleID    string        `json:"handle_id"`
	// BestEffort is set when the wait condition expired and the page was
	// captured in its current state.
	BestEffort bool `json:"best_effort"`
}

// PageOptions configure a freshly opened page before navigation.
type PageOptions struct {
	Viewport  Viewport
	UserAgent string
	Headers   http.Header
}

// ShotOptions configure the raster capture.
type ShotOptions struct {
	Format   Format
	Quality  int
	FullPage bool
}
