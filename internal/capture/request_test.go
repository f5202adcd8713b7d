package capture

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testDefaults() Defaults {
	return Defaults{
		Timeout:     30 * time.Second,
		MaxTimeout:  90 * time.Second,
		Wait:        WaitLoad,
		WaitTimeout: 10 * time.Second,
		WaitPolicy:  WaitPolicyFail,
		Format:      FormatPNG,
		Quality:     80,
		Viewport:    Viewport{Width: 1280, Height: 800},
		MaxViewport: 4096,
	}
}

func TestValidateURL(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"https", "https://Example.com/a#frag", "https://example.com/a", false},
		{"default port", "http://example.com:80/x", "http://example.com/x", false},
		{"uppercase scheme", "HTTPS://example.com", "https://example.com", false},
		{"empty", "  ", "", true},
		{"relative", "/path/only", "", true},
		{"ftp", "ftp://example.com", "", true},
		{"javascript", "javascript:alert(1)", "", true},
		{"credentials", "https://user:pw@example.com", "", true},
		{"missing host", "http://", "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateURL(tc.input)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidURL)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeAppliesDefaults(t *testing.T) {
	t.Parallel()

	req, err := Normalize(Request{URL: "https://example.com"}, testDefaults())
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, req.Timeout)
	require.Equal(t, FormatPNG, req.Format)
	require.Zero(t, req.Quality)
	require.Equal(t, Viewport{Width: 1280, Height: 800}, req.Viewport)
	require.Equal(t, WaitLoad, req.Wait.Kind)
	require.Equal(t, 10*time.Second, req.Wait.Timeout)
	require.Equal(t, WaitPolicyFail, req.WaitPolicy)
}

func TestNormalizeCapsTimeoutAndJPEGQuality(t *testing.T) {
	t.Parallel()

	req, err := Normalize(Request{
		URL:     "https://example.com",
		Timeout: 5 * time.Minute,
		Format:  "JPG",
	}, testDefaults())
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, req.Timeout)
	require.Equal(t, FormatJPEG, req.Format)
	require.Equal(t, 80, req.Quality)
}

func TestNormalizeRejectsBadInput(t *testing.T) {
	t.Parallel()

	base := Request{URL: "https://example.com"}
	testCases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"bad url", func(r *Request) { r.URL = "file:///etc/passwd" }},
		{"negative timeout", func(r *Request) { r.Timeout = -time.Second }},
		{"unknown format", func(r *Request) { r.Format = "gif" }},
		{"quality range", func(r *Request) { r.Format = FormatJPEG; r.Quality = 101 }},
		{"viewport limit", func(r *Request) { r.Viewport = Viewport{Width: 10000, Height: 10} }},
		{"negative viewport", func(r *Request) { r.Viewport = Viewport{Width: -1, Height: 10} }},
		{"delay without duration", func(r *Request) { r.Wait = WaitCondition{Kind: WaitDelay} }},
		{"selector without selector", func(r *Request) { r.Wait = WaitCondition{Kind: WaitSelector} }},
		{"unknown wait", func(r *Request) { r.Wait = WaitCondition{Kind: "forever"} }},
		{"unknown policy", func(r *Request) { r.WaitPolicy = "maybe" }},
		{"header name with space", func(r *Request) { r.Headers = http.Header{"bad name": {"x"}} }},
		{"header value with newline", func(r *Request) { r.Headers = http.Header{"X-Test": {"a\r\nInjected: 1"}} }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := Normalize(req, testDefaults())
			require.Error(t, err)
		})
	}
}

func TestNormalizeAcceptsMultiValueHeaders(t *testing.T) {
	t.Parallel()

	req, err := Normalize(Request{
		URL:     "https://example.com",
		Headers: http.Header{"Accept-Language": {"en-US", "de;q=0.5"}},
	}, testDefaults())
	require.NoError(t, err)
	require.Equal(t, []string{"en-US", "de;q=0.5"}, req.Headers.Values("Accept-Language"))
}

func TestNormalizeDoesNotAliasHeaders(t *testing.T) {
	t.Parallel()

	headers := http.Header{"X-Test": {"a"}}
	req, err := Normalize(Request{URL: "https://example.com", Headers: headers}, testDefaults())
	require.NoError(t, err)
	headers.Set("X-Test", "mutated")
	require.Equal(t, "a", req.Headers.Get("X-Test"))
}

func TestErrorKindHelpers(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", NewError(KindWaitTimeout, Request{URL: "https://x"}, cause, "selector %q", "#app"))

	require.Equal(t, KindWaitTimeout, KindOf(err))
	require.True(t, IsKind(err, KindWaitTimeout))
	require.False(t, IsKind(err, KindOverloaded))
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), `selector "#app"`)
	require.Equal(t, KindInternal, KindOf(cause))
}

func TestKindRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, KindPoolExhausted.Retryable())
	require.True(t, KindEngineCrashed.Retryable())
	require.True(t, KindOverloaded.Retryable())
	require.False(t, KindNavigationError.Retryable())
	require.False(t, KindInvalidRequest.Retryable())
}

func TestHost(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", Host("https://Example.com:8443/a"))
	require.Equal(t, "unknown", Host("%%"))
}

func TestFormatHelpers(t *testing.T) {
	t.Parallel()

	require.Equal(t, "image/jpeg", FormatJPEG.ContentType())
	require.Equal(t, "image/png", FormatPNG.ContentType())
	require.Equal(t, "jpg", FormatJPEG.Extension())
	require.Equal(t, "png", FormatPNG.Extension())
}
