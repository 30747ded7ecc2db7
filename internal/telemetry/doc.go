// Package telemetry fans device events out to browser clients.
//
// The hub streams events over SSE and to attached WebSocket clients, and keeps
// the last N events per device so SSE clients can resume with Last-Event-ID.
// Event IDs are monotonic per device.
package telemetry
