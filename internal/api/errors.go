package api

import (
	"errors"
	"net/http"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

// statusClientClosedRequest is nginx's code for a client that went away.
const statusClientClosedRequest = 499

type errorResponse struct {
	Error     string `json:"error"`
	Detail    string `json:"detail"`
	Retryable bool   `json:"retryable"`
}

func statusFor(kind capture.Kind) int {
	switch kind {
	case capture.KindInvalidRequest, capture.KindNavigationError:
		return http.StatusBadRequest
	case capture.KindWaitTimeout, capture.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case capture.KindPoolExhausted, capture.KindOverloaded:
		return http.StatusServiceUnavailable
	case capture.KindEngineCrashed:
		return http.StatusBadGateway
	case capture.KindCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeCaptureError(w http.ResponseWriter, err error) {
	kind := capture.KindOf(err)
	detail := err.Error()
	var cerr *capture.Error
	if errors.As(err, &cerr) && cerr.Detail != "" {
		detail = cerr.Detail
		if cerr.Err != nil {
			detail += ": " + cerr.Err.Error()
		}
	}
	if kind == capture.KindOverloaded {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, statusFor(kind), string(kind), detail, kind.Retryable())
}

func writeError(w http.ResponseWriter, status int, kind, detail string, retryable bool) {
	writeJSON(w, status, errorResponse{Error: kind, Detail: detail, Retryable: retryable})
}
