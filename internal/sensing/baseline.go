package sensing

// BaselineFilter tracks the slow-moving "gravity at rest" magnitude so that
// instantaneous deviation above the baseline approximates impact energy
// rather than vehicle tilt. It is a one-dimensional Kalman filter with a
// deliberately low process-to-measurement noise ratio: the estimate adapts
// to orientation drift but does not chase transient spikes, so a pothole is
// never learned as the new normal.
type BaselineFilter struct {
	estimate   float64 // X, current baseline estimate in g
	covariance float64 // P, error covariance
	processQ   float64 // Q, process noise
	measureR   float64 // R, measurement noise
}

// Default filter tuning. Q << R keeps adaptation slow.
const (
	DefaultProcessNoise     = 0.005
	DefaultMeasurementNoise = 1.5
)

// NewBaselineFilter creates a filter initialized at 1g. One filter instance
// is owned by each sensing session; sessions never share filter state.
func NewBaselineFilter(processNoise, measurementNoise float64) *BaselineFilter {
	return &BaselineFilter{
		estimate:   1.0,
		covariance: 1.0,
		processQ:   processNoise,
		measureR:   measurementNoise,
	}
}

// Update performs one predict/correct cycle with the raw force magnitude
// and returns the updated baseline estimate.
func (f *BaselineFilter) Update(rawMagnitude float64) float64 {
	// Predict.
	f.covariance += f.processQ

	// Correct.
	gain := f.covariance / (f.covariance + f.measureR)
	f.estimate += gain * (rawMagnitude - f.estimate)
	f.covariance *= 1 - gain

	return f.estimate
}

// Baseline returns the current estimate without updating it.
func (f *BaselineFilter) Baseline() float64 {
	return f.estimate
}
