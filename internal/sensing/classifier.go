package sensing

import (
	"math"
	"sync"
	"time"

	"github.com/rkona/roadsense-server/internal/timer"
)

// Severity labels an impact by how far the force magnitude exceeded the
// baseline.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// severityRank orders labels for episode upgrades.
func severityRank(s Severity) int {
	switch s {
	case SeverityMild:
		return 1
	case SeverityModerate:
		return 2
	case SeveritySevere:
		return 3
	default:
		return 0
	}
}

// MotionSample is one accelerometer reading in the device frame, in g,
// with the GPS-derived ground speed if a fix is available.
type MotionSample struct {
	X, Y, Z  float64
	SpeedKmh float64
	At       time.Time
}

// Magnitude returns the Euclidean norm of the three axes.
func (s MotionSample) Magnitude() float64 {
	return math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
}

// Event is one detected road-surface impact, owned by the device until
// acknowledged by the server.
type Event struct {
	Latitude   float64
	Longitude  float64
	Severity   Severity
	ObservedAt time.Time
}

// ClassifierConfig holds the detection thresholds.
type ClassifierConfig struct {
	MinSpeedKmh       float64       // below this, samples are ignored (parking jitter)
	MildThreshold     float64       // delta above baseline, in g
	ModerateThreshold float64
	SevereThreshold   float64
	Debounce          time.Duration // quiet period before an episode closes
}

// DefaultClassifierConfig returns the production tuning.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		MinSpeedKmh:       5,
		MildThreshold:     0.20,
		ModerateThreshold: 0.45,
		SevereThreshold:   0.85,
		Debounce:          1500 * time.Millisecond,
	}
}

// Classifier turns (magnitude, baseline, speed) into at most one Event per
// discrete impact. State machine: none/mild/moderate/severe. Threshold
// exceedances transition immediately; the return to none is debounced so a
// single pothole crossed at 10 samples/sec emits one event, not a flood.
// The pending event is flushed when the debounce elapses, carrying the most
// severe label observed during the episode.
type Classifier struct {
	cfg     ClassifierConfig
	sched   *timer.Scheduler
	taskID  string
	emit    func(Event)
	armed   bool // a reset timer is pending

	mu      sync.Mutex
	state   Severity
	pending *Event
}

// NewClassifier creates a classifier that reports impacts through emit.
// The scheduler is shared with the rest of the device session; taskID must
// be unique per classifier on that scheduler.
func NewClassifier(cfg ClassifierConfig, sched *timer.Scheduler, taskID string, emit func(Event)) *Classifier {
	return &Classifier{
		cfg:    cfg,
		sched:  sched,
		taskID: taskID,
		emit:   emit,
	}
}

// classify maps a delta above baseline onto a severity label.
func (c *Classifier) classify(delta float64) Severity {
	switch {
	case delta > c.cfg.SevereThreshold:
		return SeveritySevere
	case delta > c.cfg.ModerateThreshold:
		return SeverityModerate
	case delta > c.cfg.MildThreshold:
		return SeverityMild
	default:
		return SeverityNone
	}
}

// Observe processes one sample. delta is max(0, magnitude-baseline); lat
// and lng are the device position at sampling time, updated synchronously
// by the session before each call.
func (c *Classifier) Observe(delta, speedKmh, lat, lng float64, at time.Time) {
	if speedKmh <= c.cfg.MinSpeedKmh {
		return
	}

	sev := c.classify(delta)

	c.mu.Lock()
	defer c.mu.Unlock()

	if sev != SeverityNone {
		// A fresh exceedance keeps the episode alive.
		if c.armed {
			c.sched.Cancel(c.taskID)
			c.armed = false
		}

		if c.state == SeverityNone {
			c.state = sev
			c.pending = &Event{
				Latitude:   lat,
				Longitude:  lng,
				Severity:   sev,
				ObservedAt: at,
			}
		} else if severityRank(sev) > severityRank(c.state) {
			// Same episode, worse impact: upgrade the label in place.
			c.state = sev
			c.pending.Severity = sev
		}
		return
	}

	// Back under threshold while an episode is open: arm the reset timer.
	if c.state != SeverityNone && !c.armed {
		c.armed = true
		c.sched.Schedule(c.taskID, at.Add(c.cfg.Debounce), c.reset)
	}
}

// reset closes the episode and flushes the pending event.
func (c *Classifier) reset() {
	c.mu.Lock()
	if !c.armed {
		// A new exceedance raced the expiring timer and kept the episode open.
		c.mu.Unlock()
		return
	}
	ev := c.pending
	c.pending = nil
	c.state = SeverityNone
	c.armed = false
	c.mu.Unlock()

	if ev != nil && c.emit != nil {
		c.emit(*ev)
	}
}

// State returns the current episode state.
func (c *Classifier) State() Severity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
