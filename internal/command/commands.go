package command

import (
	"fmt"
	"strings"
)

// Axis is a manual jog direction.
type Axis string

const (
	AxisEversionL     Axis = "EversionL"
	AxisEversionR     Axis = "EversionR"
	AxisDorsiflexionU Axis = "DorsiflexionU"
	AxisDorsiflexionD Axis = "DorsiflexionD"
	AxisExtensionU    Axis = "ExtensionU"
	AxisExtensionD    Axis = "ExtensionD"
)

// Axes lists every axis in display order.
var Axes = []Axis{
	AxisEversionL, AxisEversionR,
	AxisDorsiflexionU, AxisDorsiflexionD,
	AxisExtensionU, AxisExtensionD,
}

// Token returns the controller token for the axis.
func (a Axis) Token() (string, bool) {
	switch a {
	case AxisEversionL:
		return "eversionL", true
	case AxisEversionR:
		return "eversionR", true
	case AxisDorsiflexionU:
		return "dorsiflexionU", true
	case AxisDorsiflexionD:
		return "dorsiflexionD", true
	case AxisExtensionU:
		return "extensionU", true
	case AxisExtensionD:
		return "extensionD", true
	}
	return "", false
}

// Action is the manual step direction.
type Action string

const (
	ActionIncrement Action = "Increment"
	ActionDecrement Action = "Decrement"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionIncrement || a == ActionDecrement
}

// HomeTarget selects which motors return to their origin.
type HomeTarget string

const (
	HomeMotor1 HomeTarget = "Motor1"
	HomeMotor2 HomeTarget = "Motor2"
	HomeMotor3 HomeTarget = "Motor3"
	HomeAll    HomeTarget = "All"
)

// Token returns the controller token for the target.
func (h HomeTarget) Token() (string, bool) {
	switch h {
	case HomeMotor1:
		return "goHome1", true
	case HomeMotor2:
		return "goHome2", true
	case HomeMotor3:
		return "goHome3", true
	case HomeAll:
		return "goHome", true
	}
	return "", false
}

// ControlAction drives the automatic exercise sequence.
type ControlAction string

const (
	ControlStart ControlAction = "Start"
	ControlNext  ControlAction = "Next"
	ControlPause ControlAction = "Pause"
	ControlStop  ControlAction = "Stop"
)

// Valid reports whether c is a known control action.
func (c ControlAction) Valid() bool {
	switch c {
	case ControlStart, ControlNext, ControlPause, ControlStop:
		return true
	}
	return false
}

// ParseAxis matches s against the known axes, ignoring case.
func ParseAxis(s string) (Axis, error) {
	for _, a := range Axes {
		if strings.EqualFold(string(a), strings.TrimSpace(s)) {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown axis %q", ErrInvalidCommand, s)
}

// ParseAction matches s against Increment and Decrement, ignoring case.
func ParseAction(s string) (Action, error) {
	for _, a := range []Action{ActionIncrement, ActionDecrement} {
		if strings.EqualFold(string(a), strings.TrimSpace(s)) {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, s)
}

// ParseHomeTarget matches s against the home targets, ignoring case.
func ParseHomeTarget(s string) (HomeTarget, error) {
	for _, h := range []HomeTarget{HomeMotor1, HomeMotor2, HomeMotor3, HomeAll} {
		if strings.EqualFold(string(h), strings.TrimSpace(s)) {
			return h, nil
		}
	}
	return "", fmt.Errorf("%w: unknown home target %q", ErrInvalidCommand, s)
}

// ParseControlAction matches s against the control actions, ignoring case.
func ParseControlAction(s string) (ControlAction, error) {
	for _, c := range []ControlAction{ControlStart, ControlNext, ControlPause, ControlStop} {
		if strings.EqualFold(string(c), strings.TrimSpace(s)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: unknown control action %q", ErrInvalidCommand, s)
}
