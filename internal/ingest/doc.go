// Package ingest owns the device session: it consumes telemetry from the
// link, tracks the latest sample and fault state, feeds the rolling chart
// buffer and fans events out to browser clients.
package ingest
