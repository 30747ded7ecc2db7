// Package device implements the live link to the exoskeleton motor controller.
//
// The controller streams newline-terminated JSON telemetry frames (motor
// positions, torques, fault bitmask and movement state) every 50 ms and
// accepts semicolon-separated command frames such as "{Manual;Increment;eversionL;}".
//
// A Link is the explicit subscription surface the rest of the container uses:
// Subscribe(handler) returns a Token, Unsubscribe(token) and Close() release
// it. Handlers are invoked sequentially from a single reader goroutine, in
// arrival order. StreamLink implements Link over any io.ReadWriteCloser dialer
// (serial UART or TCP) and owns reconnect attempts with exponential backoff.
package device
