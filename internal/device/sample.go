package device

import "time"

// MotorCount is the number of motors reported in every telemetry frame.
const MotorCount = 3

// Sample is one decoded telemetry frame.
type Sample struct {
	Positions []float64 `json:"positions"`
	Torques   []float64 `json:"torques"`
	ErrorCode uint32    `json:"errorCode"`

	// HasErrorCode is false when the frame carried no ErrorCode field; the
	// previous fault state then still applies.
	HasErrorCode bool `json:"-"`

	Mode        string `json:"mode,omitempty"`
	AutoState   string `json:"autoState,omitempty"`
	HomingState string `json:"homingState,omitempty"`
	Repetitions int    `json:"repetitions"`
	Sets        int    `json:"sets"`

	// Timestamp is the host receive time; the firmware does not stamp frames.
	Timestamp time.Time `json:"timestamp"`
}

// HasMotion reports whether the sample carries a full position and torque
// reading for every motor.
func (s Sample) HasMotion() bool {
	return len(s.Positions) == MotorCount && len(s.Torques) == MotorCount
}

// Copy returns a deep copy so handlers cannot alias each other's slices.
func (s Sample) Copy() Sample {
	c := s
	if s.Positions != nil {
		c.Positions = append([]float64(nil), s.Positions...)
	}
	if s.Torques != nil {
		c.Torques = append([]float64(nil), s.Torques...)
	}
	return c
}
