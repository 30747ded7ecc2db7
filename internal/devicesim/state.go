package devicesim

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/exo-hmi/hmi/internal/device"
)

var (
	// ErrIgnored is returned for frames the controller silently drops.
	ErrIgnored = errors.New("IGNORED")

	// ErrFaulted is returned for motion frames while an error code is set.
	ErrFaulted = errors.New("FAULTED")
)

// Controller modes and automatic-run states as reported in telemetry.
const (
	ModeManual    = "Manual"
	ModeAutomatic = "Automatic"
	ModeError     = "Error"

	AutoWaitingForPlan = "WaitingForPlan"
	AutoReady          = "Ready"
	AutoToGoal         = "ToGoal"
	AutoStretching     = "Stretching"
	AutoToFirstPos     = "ToFirstPos"
	AutoPause          = "Pause"

	HomingRest = "Rest"
)

const (
	planLimitSections    = 2 * device.MotorCount
	planExerciseSections = 6
)

type manualAxis struct {
	motor int
	sign  float64
}

var manualAxes = map[string]manualAxis{
	"eversionL":     {0, -1},
	"eversionR":     {0, 1},
	"dorsiflexionU": {1, 1},
	"dorsiflexionD": {1, -1},
	"extensionU":    {2, 1},
	"extensionD":    {2, -1},
}

var homeTokens = map[string]int{
	"goHome1": 0,
	"goHome2": 1,
	"goHome3": 2,
	"goHome":  -1,
}

var movementMotor = map[string]int{
	"Eversion":     0,
	"Dorsiflexion": 1,
	"Extension":    2,
}

type exercise struct {
	motor    int
	reps     int
	rest     time.Duration
	position float64
	torque   float64
	hold     time.Duration
}

// Exoskeleton is the simulated controller state. It is safe for concurrent
// use.
type Exoskeleton struct {
	mu sync.Mutex

	step         float64
	positions    [device.MotorCount]float64
	torques      [device.MotorCount]float64
	maxPositions [device.MotorCount]float64

	mode        string
	autoState   string
	homingState string

	plan     []exercise
	current  int
	reps     int
	sets     int
	phase    time.Duration
	resuming string

	started  time.Time
	schedule []FaultStep
	injected uint32
	code     uint32
}

// NewExoskeleton creates a controller in manual mode with no plan.
func NewExoskeleton(cfg *Config, started time.Time) *Exoskeleton {
	return &Exoskeleton{
		step:        cfg.Step,
		mode:        ModeManual,
		autoState:   AutoWaitingForPlan,
		homingState: HomingRest,
		started:     started,
		schedule:    append([]FaultStep(nil), cfg.Faults...),
	}
}

// Apply executes one command frame.
func (e *Exoskeleton) Apply(f device.Frame) error {
	s := f.Sections()
	if len(s) < 3 {
		return fmt.Errorf("%w: %d sections", ErrIgnored, len(s))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case s[0] == "Manual" && s[1] == "Increment":
		return e.manualLocked(s[2])
	case s[0] == "Auto" && s[1] == "Plan":
		return e.planLocked(s[2:])
	case s[0] == "Auto" && s[1] == "Control":
		return e.controlLocked(s[2])
	}
	return fmt.Errorf("%w: %s;%s", ErrIgnored, s[0], s[1])
}

func (e *Exoskeleton) manualLocked(token string) error {
	if e.code != 0 {
		return ErrFaulted
	}
	if ax, ok := manualAxes[token]; ok {
		e.mode = ModeManual
		e.moveLocked(ax.motor, e.positions[ax.motor]+ax.sign*e.step)
		return nil
	}
	if motor, ok := homeTokens[token]; ok {
		e.mode = ModeManual
		e.homingState = HomingRest
		for i := range e.positions {
			if motor < 0 || motor == i {
				e.moveLocked(i, 0)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: manual token %q", ErrIgnored, token)
}

// moveLocked sets a position within the plan's limit and derives torque.
func (e *Exoskeleton) moveLocked(motor int, pos float64) {
	if limit := e.maxPositions[motor]; limit > 0 {
		pos = math.Max(-limit, math.Min(limit, pos))
	}
	e.positions[motor] = pos
	e.torques[motor] = math.Round(pos*10) / 100
}

func (e *Exoskeleton) planLocked(content []string) error {
	if len(content) <= planLimitSections || (len(content)-planLimitSections)%planExerciseSections != 0 {
		return fmt.Errorf("%w: plan with %d content sections", ErrIgnored, len(content))
	}

	var maxPositions [device.MotorCount]float64
	for i := range maxPositions {
		v, err := strconv.ParseFloat(content[i], 64)
		if err != nil {
			return fmt.Errorf("%w: limit %q", ErrIgnored, content[i])
		}
		maxPositions[i] = v
	}

	var plan []exercise
	for off := planLimitSections; off < len(content); off += planExerciseSections {
		f := content[off : off+planExerciseSections]
		motor, ok := movementMotor[f[0]]
		if !ok {
			return fmt.Errorf("%w: movement %q", ErrIgnored, f[0])
		}
		reps, err := strconv.Atoi(f[1])
		if err != nil || reps <= 0 {
			return fmt.Errorf("%w: repetitions %q", ErrIgnored, f[1])
		}
		nums := make([]float64, 4)
		for i := range nums {
			if nums[i], err = strconv.ParseFloat(f[2+i], 64); err != nil {
				return fmt.Errorf("%w: exercise field %q", ErrIgnored, f[2+i])
			}
		}
		plan = append(plan, exercise{
			motor:    motor,
			reps:     reps,
			rest:     seconds(nums[0]),
			position: nums[1],
			torque:   nums[2],
			hold:     seconds(nums[3]),
		})
	}

	e.maxPositions = maxPositions
	e.plan = plan
	e.current, e.reps, e.sets = 0, 0, 0
	e.mode = ModeManual
	e.autoState = AutoReady
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (e *Exoskeleton) controlLocked(action string) error {
	switch action {
	case "Start":
		if e.code != 0 {
			return ErrFaulted
		}
		if len(e.plan) == 0 {
			return fmt.Errorf("%w: no plan", ErrIgnored)
		}
		if e.autoState == AutoPause && e.resuming != "" {
			e.autoState = e.resuming
		} else {
			e.current, e.reps, e.sets = 0, 0, 0
			e.autoState = AutoToGoal
		}
		e.mode = ModeAutomatic
		e.resuming = ""
	case "Next":
		if e.code != 0 {
			return ErrFaulted
		}
		if e.mode != ModeAutomatic {
			return fmt.Errorf("%w: not running", ErrIgnored)
		}
		e.nextExerciseLocked()
	case "Pause":
		if e.mode == ModeAutomatic && e.autoState != AutoPause {
			e.resuming = e.autoState
			e.autoState = AutoPause
		}
	case "Stop":
		e.mode = ModeManual
		e.resuming = ""
		if len(e.plan) > 0 {
			e.autoState = AutoReady
		}
		e.current, e.reps, e.phase = 0, 0, 0
	default:
		return fmt.Errorf("%w: control %q", ErrIgnored, action)
	}
	return nil
}

func (e *Exoskeleton) nextExerciseLocked() {
	e.sets++
	e.current++
	e.reps, e.phase = 0, 0
	if e.current >= len(e.plan) {
		e.current = 0
		e.mode = ModeManual
		e.autoState = AutoReady
		return
	}
	e.autoState = AutoToGoal
}

// SetFault sets or clears an injected error code on top of the schedule.
func (e *Exoskeleton) SetFault(code uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.injected = code
}

// Tick advances the automatic run by dt and evaluates the fault schedule.
func (e *Exoskeleton) Tick(now time.Time, dt time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.code = e.injected
	elapsed := now.Sub(e.started)
	for _, f := range e.schedule {
		if elapsed >= f.After && (f.Duration == 0 || elapsed < f.After+f.Duration) {
			e.code |= f.Code
		}
	}

	if e.code != 0 {
		if e.mode == ModeAutomatic && e.autoState != AutoPause {
			e.resuming = e.autoState
			e.autoState = AutoPause
		}
		return
	}
	if e.mode != ModeAutomatic || e.autoState == AutoPause {
		return
	}

	ex := e.plan[e.current]
	switch e.autoState {
	case AutoToGoal:
		if e.approachLocked(ex.motor, ex.position) {
			e.torques[ex.motor] = ex.torque
			e.autoState = AutoStretching
			e.phase = 0
		}
	case AutoStretching:
		e.torques[ex.motor] = ex.torque
		e.phase += dt
		if e.phase >= ex.hold {
			e.reps++
			e.autoState = AutoToFirstPos
			e.phase = 0
		}
	case AutoToFirstPos:
		if !e.approachLocked(ex.motor, 0) {
			return
		}
		e.phase += dt
		if e.phase < ex.rest {
			return
		}
		if e.reps >= ex.reps {
			e.nextExerciseLocked()
			return
		}
		e.autoState = AutoToGoal
	}
}

// approachLocked moves one step toward target and reports arrival.
func (e *Exoskeleton) approachLocked(motor int, target float64) bool {
	pos := e.positions[motor]
	switch {
	case math.Abs(target-pos) <= e.step:
		e.moveLocked(motor, target)
		return true
	case target > pos:
		e.moveLocked(motor, pos+e.step)
	default:
		e.moveLocked(motor, pos-e.step)
	}
	return false
}

// Telemetry is one telemetry object as the controller writes it.
type Telemetry struct {
	Mode        string      `json:"Mode"`
	AutoState   string      `json:"AutoState"`
	HomingState string      `json:"HomingState"`
	Repetitions int         `json:"Repetitions"`
	Sets        int         `json:"Sets"`
	ErrorCode   interface{} `json:"ErrorCode"`
	Positions   []float64   `json:"Positions"`
	Torques     []float64   `json:"Torques"`
}

// Snapshot returns the current telemetry. With noErrorToken a zero code is
// reported as "NoError".
func (e *Exoskeleton) Snapshot(noErrorToken bool) Telemetry {
	e.mu.Lock()
	defer e.mu.Unlock()

	mode := e.mode
	if e.code != 0 {
		mode = ModeError
	}
	var code interface{} = e.code
	if e.code == 0 && noErrorToken {
		code = "NoError"
	}
	return Telemetry{
		Mode:        mode,
		AutoState:   e.autoState,
		HomingState: e.homingState,
		Repetitions: e.reps,
		Sets:        e.sets,
		ErrorCode:   code,
		Positions:   append([]float64(nil), e.positions[:]...),
		Torques:     append([]float64(nil), e.torques[:]...),
	}
}

// Encode marshals the snapshot for the wire.
func (t Telemetry) Encode(newline bool) ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	if newline {
		b = append(b, '\n')
	}
	return b, nil
}
