// Package devicesim emulates the exoskeleton controller on a TCP socket.
//
// The simulator streams telemetry objects at a fixed interval, applies
// Manual, Auto;Plan and Auto;Control frames to a three-motor model, and can
// inject error codes on a schedule. It lets the HMI run on a bench without
// hardware.
package devicesim
