package sensing

import (
	"sync"
	"testing"
	"time"

	"github.com/rkona/roadsense-server/internal/timer"
)

// testConfig uses a short debounce so tests run in tens of milliseconds.
func testConfig() ClassifierConfig {
	cfg := DefaultClassifierConfig()
	cfg.Debounce = 80 * time.Millisecond
	return cfg
}

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) emit(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func newTestClassifier(t *testing.T, sink *eventSink) (*Classifier, *timer.Scheduler) {
	t.Helper()
	sched := timer.NewScheduler()
	sched.Start()
	t.Cleanup(sched.Stop)
	return NewClassifier(testConfig(), sched, "debounce-test", sink.emit), sched
}

func TestClassifier_ThresholdLabels(t *testing.T) {
	cases := []struct {
		delta float64
		want  Severity
	}{
		{0.10, SeverityNone},
		{0.20, SeverityNone}, // boundary is exclusive
		{0.21, SeverityMild},
		{0.45, SeverityMild},
		{0.46, SeverityModerate},
		{0.85, SeverityModerate},
		{0.86, SeveritySevere},
		{2.00, SeveritySevere},
	}

	c, _ := newTestClassifier(t, &eventSink{})
	for _, tc := range cases {
		if got := c.classify(tc.delta); got != tc.want {
			t.Errorf("classify(%v) = %q, want %q", tc.delta, got, tc.want)
		}
	}
}

func TestClassifier_IgnoredBelowMinSpeed(t *testing.T) {
	sink := &eventSink{}
	c, _ := newTestClassifier(t, sink)

	now := time.Now()
	// Hard spike while parked: must not open an episode.
	c.Observe(1.2, 0, 41.9, 12.5, now)
	c.Observe(1.2, 4.9, 41.9, 12.5, now)

	if c.State() != SeverityNone {
		t.Errorf("stationary spike opened an episode: %q", c.State())
	}

	time.Sleep(200 * time.Millisecond)
	if len(sink.snapshot()) != 0 {
		t.Errorf("stationary spike emitted events: %d", len(sink.snapshot()))
	}
}

func TestClassifier_SingleSustainedSpikeEmitsOnce(t *testing.T) {
	sink := &eventSink{}
	c, _ := newTestClassifier(t, sink)

	now := time.Now()
	// 400ms spike at 10 samples/sec.
	for i := 0; i < 4; i++ {
		c.Observe(0.5, 40, 41.9, 12.5, now.Add(time.Duration(i)*100*time.Millisecond))
	}
	// Back to baseline.
	c.Observe(0.05, 40, 41.9, 12.5, now.Add(400*time.Millisecond))

	// The reset fires one debounce after the last sample's timestamp.
	time.Sleep(650 * time.Millisecond)

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(events))
	}
	if events[0].Severity != SeverityModerate {
		t.Errorf("expected moderate, got %q", events[0].Severity)
	}
	if events[0].Latitude != 41.9 || events[0].Longitude != 12.5 {
		t.Errorf("event carries wrong position: %v", events[0])
	}
}

func TestClassifier_SeparatedSpikesEmitTwice(t *testing.T) {
	sink := &eventSink{}
	c, _ := newTestClassifier(t, sink)

	now := time.Now()
	c.Observe(0.3, 40, 41.9, 12.5, now)
	c.Observe(0.05, 40, 41.9, 12.5, now.Add(100*time.Millisecond))

	// Wait past the debounce so the first episode closes.
	time.Sleep(200 * time.Millisecond)

	later := time.Now()
	c.Observe(0.3, 40, 41.91, 12.51, later)
	c.Observe(0.05, 40, 41.91, 12.51, later.Add(100*time.Millisecond))

	time.Sleep(200 * time.Millisecond)

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 events for well-separated spikes, got %d", len(events))
	}
}

func TestClassifier_CloseSpikesMergeWithWorstLabel(t *testing.T) {
	sink := &eventSink{}
	c, _ := newTestClassifier(t, sink)

	now := time.Now()
	// Mild spike, brief dip, then a severe spike inside the debounce window.
	c.Observe(0.3, 40, 41.9, 12.5, now)
	c.Observe(0.05, 40, 41.9, 12.5, now.Add(100*time.Millisecond))

	time.Sleep(30 * time.Millisecond) // well under the 80ms debounce

	c.Observe(1.0, 40, 41.9, 12.5, time.Now())
	c.Observe(0.05, 40, 41.9, 12.5, time.Now().Add(100*time.Millisecond))

	time.Sleep(300 * time.Millisecond)

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected spikes within the debounce to merge into 1 event, got %d", len(events))
	}
	if events[0].Severity != SeveritySevere {
		t.Errorf("merged event should carry the worst label, got %q", events[0].Severity)
	}
}

func TestSession_EndToEndDetection(t *testing.T) {
	sched := timer.NewScheduler()
	sched.Start()
	defer sched.Stop()

	sink := &eventSink{}
	cfg := testConfig()
	sess := NewSession(cfg, sched, sink.emit)
	sess.UpdatePosition(41.9, 12.5)

	now := time.Now()
	// Settle the filter at 1g while driving. Sample timestamps stay at
	// "now" so the debounce deadline lands in real time.
	for i := 0; i < 100; i++ {
		sess.Process(MotionSample{X: 0, Y: 0, Z: 1.0, SpeedKmh: 40, At: now})
	}

	// Pothole: two hard samples, then back to normal.
	sess.Process(MotionSample{X: 0.3, Y: 0.2, Z: 2.0, SpeedKmh: 40, At: now})
	sess.Process(MotionSample{X: 0, Y: 0, Z: 1.0, SpeedKmh: 40, At: now.Add(100 * time.Millisecond)})

	time.Sleep(300 * time.Millisecond)

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 event from session pipeline, got %d", len(events))
	}
	if events[0].Severity != SeveritySevere {
		t.Errorf("expected severe impact, got %q", events[0].Severity)
	}
}
