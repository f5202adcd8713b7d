package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

// screenshotRequest is the wire form shared by the JSON body and the query
// string.
type screenshotRequest struct {
	URL           string            `json:"url"`
	Width         int               `json:"width"`
	Height        int               `json:"height"`
	Format        string            `json:"format"`
	Quality       int               `json:"quality"`
	FullPage      bool              `json:"full_page"`
	Wait          string            `json:"wait"`
	Selector      string            `json:"selector"`
	DelayMs       int               `json:"delay_ms"`
	WaitTimeoutMs int               `json:"wait_timeout_ms"`
	BestEffort    bool              `json:"best_effort"`
	TimeoutMs     int               `json:"timeout_ms"`
	UserAgent     string            `json:"user_agent"`
	Headers       map[string]string `json:"headers"`
	Store         bool              `json:"store"`
}

func (s *Server) postScreenshot(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	var body screenshotRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(capture.KindInvalidRequest), "invalid JSON: "+err.Error(), false)
		return
	}
	if store, err := boolParam(r.URL.Query(), "store"); err != nil {
		writeError(w, http.StatusBadRequest, string(capture.KindInvalidRequest), err.Error(), false)
		return
	} else if store {
		body.Store = true
	}
	s.serveScreenshot(w, r, body)
}

func (s *Server) getScreenshot(w http.ResponseWriter, r *http.Request) {
	body, err := parseQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, string(capture.KindInvalidRequest), err.Error(), false)
		return
	}
	s.serveScreenshot(w, r, body)
}

func (s *Server) serveScreenshot(w http.ResponseWriter, r *http.Request, body screenshotRequest) {
	req, err := body.toCapture()
	if err != nil {
		writeError(w, http.StatusBadRequest, string(capture.KindInvalidRequest), err.Error(), false)
		return
	}

	res, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		writeCaptureError(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", res.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(res.Image)))
	h.Set("Cache-Control", "no-store")
	h.Set("X-Capture-ID", res.ID)
	h.Set("X-Final-URL", res.FinalURL)
	h.Set("X-Elapsed-Ms", strconv.FormatInt(res.Elapsed.Milliseconds(), 10))
	h.Set("X-Best-Effort", strconv.FormatBool(res.BestEffort))

	if s.archiver != nil && (body.Store || s.opts.ArchiveAlways) {
		entry, err := s.archiver.Archive(r.Context(), res)
		if err != nil {
			s.logger.Warn("archive failed",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("capture_id", res.ID),
				zap.Error(err),
			)
			h.Set("X-Archive-Status", "failed")
		} else {
			h.Set("X-Archive-Status", "stored")
			h.Set("X-Blob-URI", entry.BlobURI)
		}
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Image); err != nil {
		s.logger.Debug("write image failed", zap.String("capture_id", res.ID), zap.Error(err))
	}
}

func (b screenshotRequest) toCapture() (capture.Request, error) {
	for name, v := range map[string]int{
		"width": b.Width, "height": b.Height, "quality": b.Quality,
		"delay_ms": b.DelayMs, "wait_timeout_ms": b.WaitTimeoutMs, "timeout_ms": b.TimeoutMs,
	} {
		if v < 0 {
			return capture.Request{}, fmt.Errorf("%s must be >= 0", name)
		}
	}

	wait := capture.WaitKind(b.Wait)
	switch {
	case wait == "" && b.Selector != "":
		wait = capture.WaitSelector
	case wait == "" && b.DelayMs > 0:
		wait = capture.WaitDelay
	}
	req := capture.Request{
		URL:      b.URL,
		Viewport: capture.Viewport{Width: b.Width, Height: b.Height},
		Wait: capture.WaitCondition{
			Kind:     wait,
			Delay:    millis(b.DelayMs),
			Selector: b.Selector,
			Timeout:  millis(b.WaitTimeoutMs),
		},
		Timeout:   millis(b.TimeoutMs),
		Format:    capture.Format(b.Format),
		Quality:   b.Quality,
		FullPage:  b.FullPage,
		UserAgent: b.UserAgent,
	}
	if b.BestEffort {
		req.WaitPolicy = capture.WaitPolicyBestEffort
	}
	if len(b.Headers) > 0 {
		req.Headers = make(http.Header, len(b.Headers))
		for k, v := range b.Headers {
			req.Headers.Set(k, v)
		}
	}
	return req, nil
}

func parseQuery(q url.Values) (screenshotRequest, error) {
	var (
		b    screenshotRequest
		errs []error
	)
	intParam := func(name string) int {
		raw := q.Get(name)
		if raw == "" {
			return 0
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s must be an integer", name))
		}
		return v
	}
	flag := func(name string) bool {
		v, err := boolParam(q, name)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	b.URL = q.Get("url")
	b.Width = intParam("width")
	b.Height = intParam("height")
	b.Format = q.Get("format")
	b.Quality = intParam("quality")
	b.FullPage = flag("full_page")
	b.Wait = q.Get("wait")
	b.Selector = q.Get("selector")
	b.DelayMs = intParam("delay_ms")
	b.WaitTimeoutMs = intParam("wait_timeout_ms")
	b.BestEffort = flag("best_effort")
	b.TimeoutMs = intParam("timeout_ms")
	b.Store = flag("store")
	return b, errors.Join(errs...)
}

func boolParam(q url.Values, name string) (bool, error) {
	raw := q.Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", name)
	}
	return v, nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
