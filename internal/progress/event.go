package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage is the lifecycle milestone an Event reports.
type Stage string

// Job stages mirror the capture job lifecycle; StageFinished is emitted once
// per submission, including ones rejected before a job started.
const (
	StageQueued     Stage = "queued"
	StageAcquiring  Stage = "acquiring"
	StageNavigating Stage = "navigating"
	StageWaiting    Stage = "waiting"
	StageCapturing  Stage = "capturing"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
	StageFinished   Stage = "finished"
)

// Terminal reports whether no further job stage follows s.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// Event is one capture milestone.
type Event struct {
	// CaptureID is empty only for finished events of requests rejected
	// before an ID was assigned.
	CaptureID string
	TS        time.Time
	Stage     Stage
	// Host is the target host; set on finished events.
	Host string
	URL  string
	// Outcome is "ok" or the failure kind; set on finished events.
	Outcome string
	Bytes   int64
	Dur     time.Duration
	Note    string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageQueued, StageAcquiring, StageNavigating, StageWaiting, StageCapturing, StageDone, StageFailed:
		if e.CaptureID == "" {
			return fmt.Errorf("%s event requires a capture id", e.Stage)
		}
	case StageFinished:
		if e.Outcome == "" {
			return errors.New("finished event requires an outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Bytes < 0 {
		return errors.New("bytes must be >= 0")
	}
	return nil
}
