// Package system provides a real clock implementation.
package system

import (
	"time"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

var _ capture.Clock = Clock{}

// Clock implements capture.Clock using time.Now. Times keep their
// monotonic reading so elapsed durations survive wall-clock jumps.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
