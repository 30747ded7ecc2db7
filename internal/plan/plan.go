package plan

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/exo-hmi/hmi/internal/device"
)

var (
	// ErrInvalidPlan is returned for plans the controller cannot run.
	ErrInvalidPlan = errors.New("INVALID_PLAN")

	// ErrNotFound is returned when the user has no stored plan.
	ErrNotFound = errors.New("NOT_FOUND")

	// ErrUnavailable is returned when the plan service cannot be reached.
	ErrUnavailable = errors.New("UNAVAILABLE")
)

// Movements understood by the controller.
const (
	MovementDorsiflexion = "Dorsiflexion"
	MovementEversion     = "Eversion"
	MovementExtension    = "Extension"
)

// MaxExercises is the most exercises that fit in one controller frame:
// two header sections, six limits and six sections per exercise must stay
// under device.MaxFrameSections.
const MaxExercises = (device.MaxFrameSections - 1 - 2 - limitSections) / exerciseSections

const (
	limitSections    = 2 * device.MotorCount
	exerciseSections = 6
)

// Limits are the per-motor safety bounds sent ahead of the exercises.
type Limits struct {
	MaxPositions [device.MotorCount]float64 `json:"maxPositions"`
	MaxTorques   [device.MotorCount]float64 `json:"maxTorques"`
}

// Exercise is one block of repetitions of a single movement.
type Exercise struct {
	Movement    string  `json:"movement"`
	Repetitions int     `json:"repetitions"`
	Rest        float64 `json:"rest"`
	Position    float64 `json:"position"`
	Torque      float64 `json:"torque"`
	Time        float64 `json:"time"`
}

// Plan is a patient's exercise program.
type Plan struct {
	Limits    Limits     `json:"limits"`
	Exercises []Exercise `json:"exercises"`
}

func validMovement(m string) bool {
	switch m {
	case MovementDorsiflexion, MovementEversion, MovementExtension:
		return true
	}
	return false
}

// Validate checks that the plan can be encoded and executed.
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: missing plan", ErrInvalidPlan)
	}
	if len(p.Exercises) == 0 {
		return fmt.Errorf("%w: no exercises", ErrInvalidPlan)
	}
	if len(p.Exercises) > MaxExercises {
		return fmt.Errorf("%w: %d exercises (max %d)", ErrInvalidPlan, len(p.Exercises), MaxExercises)
	}
	for i := 0; i < device.MotorCount; i++ {
		if p.Limits.MaxPositions[i] < 0 || p.Limits.MaxTorques[i] < 0 {
			return fmt.Errorf("%w: negative limit for motor %d", ErrInvalidPlan, i+1)
		}
	}
	for i, ex := range p.Exercises {
		if !validMovement(ex.Movement) {
			return fmt.Errorf("%w: exercise %d: unknown movement %q", ErrInvalidPlan, i, ex.Movement)
		}
		if ex.Repetitions <= 0 || ex.Repetitions > 255 {
			return fmt.Errorf("%w: exercise %d: repetitions %d out of range", ErrInvalidPlan, i, ex.Repetitions)
		}
		if ex.Rest < 0 || ex.Time <= 0 || ex.Torque < 0 {
			return fmt.Errorf("%w: exercise %d: rest, time and torque must be positive", ErrInvalidPlan, i)
		}
	}
	return nil
}

// EncodeFrame builds the controller frame
// {Auto;Plan;<limits>;<movement;reps;rest;pos;torque;time>...;}.
func (p *Plan) EncodeFrame() (device.Frame, error) {
	if err := p.Validate(); err != nil {
		return device.Frame{}, err
	}

	sections := make([]string, 0, 2+limitSections+exerciseSections*len(p.Exercises))
	sections = append(sections, "Auto", "Plan")
	for _, v := range p.Limits.MaxPositions {
		sections = append(sections, formatNumber(v))
	}
	for _, v := range p.Limits.MaxTorques {
		sections = append(sections, formatNumber(v))
	}
	for _, ex := range p.Exercises {
		sections = append(sections,
			ex.Movement,
			strconv.Itoa(ex.Repetitions),
			formatNumber(ex.Rest),
			formatNumber(ex.Position),
			formatNumber(ex.Torque),
			formatNumber(ex.Time),
		)
	}

	f, err := device.NewFrame(sections...)
	if err != nil {
		return device.Frame{}, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return f, nil
}

// formatNumber keeps two decimals, the controller parses with atof.
func formatNumber(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}
