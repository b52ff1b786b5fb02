package sensing

import (
	"github.com/google/uuid"
	"github.com/rkona/roadsense-server/internal/timer"
)

// Session wires a baseline filter and a classifier for one drive. Each
// session owns its own filter state, so concurrent sessions (and tests)
// run fully independent pipelines. The sensor callback feeds Process at
// the sampling rate; the GPS callback feeds UpdatePosition whenever a fix
// arrives.
type Session struct {
	filter     *BaselineFilter
	classifier *Classifier

	// Position is written by the GPS callback and read by Process. Both
	// run on the device loop goroutine, but the classifier's mutex guards
	// the rest, so a plain pair of fields is enough here.
	lat float64
	lng float64
}

// NewSession builds the device-side pipeline. Detected impacts are
// delivered on emit from the scheduler goroutine.
func NewSession(cfg ClassifierConfig, sched *timer.Scheduler, emit func(Event)) *Session {
	s := &Session{
		filter: NewBaselineFilter(DefaultProcessNoise, DefaultMeasurementNoise),
	}
	taskID := "debounce-" + uuid.New().String()
	s.classifier = NewClassifier(cfg, sched, taskID, emit)
	return s
}

// UpdatePosition records the latest GPS fix.
func (s *Session) UpdatePosition(lat, lng float64) {
	s.lat = lat
	s.lng = lng
}

// Process runs one sample through the filter and classifier. It performs
// no blocking work; the whole call stays well inside the 100ms sampling
// period.
func (s *Session) Process(sample MotionSample) {
	magnitude := sample.Magnitude()
	baseline := s.filter.Update(magnitude)

	delta := magnitude - baseline
	if delta < 0 {
		delta = 0
	}

	s.classifier.Observe(delta, sample.SpeedKmh, s.lat, s.lng, sample.At)
}
