// Package series holds the rolling per-motor time-series buffer behind the
// live chart.
//
// The buffer keeps the most recent MaxDataPoints samples for each of the
// three motors. Appends are refused while paused; resuming starts a fresh
// window by clearing all series. The three series always advance together
// under one lock so readers never observe a partially applied sample.
package series
