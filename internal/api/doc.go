// Package api implements the HTTP gateway of the HMI container.
//
// It serves the dashboard's JSON endpoints under /api/v1 in a unified
// envelope, streams telemetry over SSE and WebSocket, accepts manual
// commands over both, and exposes Prometheus metrics.
package api
