// Package fault decodes the device's 32-bit fault bitmask.
//
// Bit i of the error code reported by the motor controller means fault
// condition i is active. Names come from a static table indexed by bit; bits
// without a registered name are skipped rather than reported.
package fault
