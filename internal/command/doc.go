// Package command dispatches operator commands to the device.
//
// The dispatcher validates requests, refuses motion while the device reports
// a fault, encodes controller frames, writes them to the link, emits command
// events to the telemetry hub and writes audit records.
//
// Commands are written immediately; there is no queue and no coalescing.
package command
