package fault

import "strings"

// MaxBits is the width of the device error code.
const MaxBits = 32

// Names maps bit index to fault name. Bits 26-31 are unassigned in the
// controller firmware.
var Names = [...]string{
	0:  "ERROR_0_MSEC",
	1:  "ERROR_1_MHMI",
	2:  "ERROR_2_MMOT",
	3:  "ERROR_3_MMOV",
	4:  "ERROR_4_LS_EXT_UP",
	5:  "ERROR_5_LS_EXT_DOWN",
	6:  "ERROR_6_LS_LEFT",
	7:  "ERROR_7_LS_RIGHT",
	8:  "ERROR_8_LS_EVER_UP",
	9:  "ERROR_9_LS_EVER_DOWN",
	10: "ERROR_10_LS_DORS_UP",
	11: "ERROR_11_LS_DORS_DOWN",
	12: "ERROR_12_CYCLESMS",
	13: "ERROR_13",
	14: "ERROR_14_MMOT_CAN_CONNECT",
	15: "ERROR_15_MMOT_CAN_MAX_DELAY",
	16: "ERROR_16_MMOT_SET_ORIGIN",
	17: "ERROR_17_MOTOR_1",
	18: "ERROR_18_MOTOR_2",
	19: "ERROR_19_MOTOR_3",
	20: "ERROR_20_MMOT_MINMAX_POS",
	21: "ERROR_21_MMOT_MINMAX_TORQUE",
	22: "ERROR_22_MMOT_MINMAX_SPEED",
	23: "ERROR_23",
	24: "ERROR_24",
	25: "ERROR_25",
}

// Name returns the registered name for a bit, or "" if the bit is unassigned.
func Name(bit int) string {
	if bit < 0 || bit >= len(Names) {
		return ""
	}
	return Names[bit]
}

// Decode returns the names of all registered faults set in code, in
// ascending bit order. Decode(0) returns an empty, non-nil slice.
func Decode(code uint32) []string {
	names := make([]string, 0, len(Names))
	for bit := 0; bit < MaxBits; bit++ {
		if code&(1<<uint(bit)) == 0 {
			continue
		}
		if name := Name(bit); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// ActiveBits returns every set bit in code, registered or not.
func ActiveBits(code uint32) []int {
	var bits []int
	for bit := 0; bit < MaxBits; bit++ {
		if code&(1<<uint(bit)) != 0 {
			bits = append(bits, bit)
		}
	}
	return bits
}

// Description renders the error panel text: one fault name per line.
func Description(code uint32) string {
	return strings.Join(Decode(code), "\n")
}
