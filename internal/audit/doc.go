// Package audit records operator actions as JSON lines.
//
// Every command sent to the device, refused or not, produces one entry.
// The file is rotated by size with lumberjack.
package audit
