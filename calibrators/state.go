package calibrators

// State is the lifecycle of a MonocularCalibrator.
type State int

const (
	// StateEmpty holds neither observations nor a calibration.
	StateEmpty State = iota
	// StateAccumulating holds observations that have not been solved yet.
	StateAccumulating
	// StateCalibrated holds a calibration matching the current observations, or a loaded one.
	StateCalibrated
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateAccumulating:
		return "accumulating"
	case StateCalibrated:
		return "calibrated"
	default:
		return "unknown"
	}
}
