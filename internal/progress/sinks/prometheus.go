package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/pagesnap/internal/progress"
)

const unknownHost = "unknown"

// PrometheusSink exports capture lifecycle metrics: how many captures sit in
// each job stage right now, and per-host outcomes.
type PrometheusSink struct {
	transitions  *prometheus.CounterVec
	inStage      *prometheus.GaugeVec
	hostCaptures *prometheus.CounterVec
	hostBytes    *prometheus.CounterVec
	hostDuration *prometheus.HistogramVec

	tracker *stageTracker
}

// NewPrometheusSink registers the collectors against reg. Collectors already
// registered by an earlier sink are reused.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{tracker: newStageTracker()}
	var err error
	if s.transitions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pagesnap_capture_stage_transitions_total",
		Help: "Capture job stage transitions.",
	}, []string{"stage"})); err != nil {
		return nil, err
	}
	if s.inStage, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pagesnap_captures_in_stage",
		Help: "Captures currently in each non-terminal job stage.",
	}, []string{"stage"})); err != nil {
		return nil, err
	}
	if s.hostCaptures, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pagesnap_host_captures_total",
		Help: "Finished submissions partitioned by target host and outcome.",
	}, []string{"host", "outcome"})); err != nil {
		return nil, err
	}
	if s.hostBytes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pagesnap_host_image_bytes_total",
		Help: "Image bytes produced per target host.",
	}, []string{"host"})); err != nil {
		return nil, err
	}
	if s.hostDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pagesnap_host_capture_duration_seconds",
		Help:    "Submission duration partitioned by target host.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 90},
	}, []string{"host"})); err != nil {
		return nil, err
	}
	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register capture collector: %w", err)
	}
	return c, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if evt.Stage == progress.StageFinished {
			s.handleFinished(evt)
			continue
		}
		s.handleStage(evt)
	}
	return nil
}

func (s *PrometheusSink) handleStage(evt progress.Event) {
	s.transitions.WithLabelValues(string(evt.Stage)).Inc()
	prev, had := s.tracker.move(evt.CaptureID, evt.Stage)
	if had {
		s.inStage.WithLabelValues(string(prev)).Dec()
	}
	if !evt.Stage.Terminal() {
		s.inStage.WithLabelValues(string(evt.Stage)).Inc()
	}
}

func (s *PrometheusSink) handleFinished(evt progress.Event) {
	host := evt.Host
	if host == "" {
		host = unknownHost
	}
	s.hostCaptures.WithLabelValues(host, evt.Outcome).Inc()
	if evt.Bytes > 0 {
		s.hostBytes.WithLabelValues(host).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.hostDuration.WithLabelValues(host).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// stageTracker remembers the current stage of every live capture.
type stageTracker struct {
	mu      sync.Mutex
	current map[string]progress.Stage
}

func newStageTracker() *stageTracker {
	return &stageTracker{current: make(map[string]progress.Stage)}
}

// move records stage for id and returns the stage it replaced. Terminal
// stages forget id.
func (t *stageTracker) move(id string, stage progress.Stage) (progress.Stage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.current[id]
	if stage.Terminal() {
		delete(t.current, id)
	} else {
		t.current[id] = stage
	}
	return prev, ok
}
