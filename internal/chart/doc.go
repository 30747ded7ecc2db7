// Package chart projects the rolling motor buffer into line-chart datasets.
//
// Project produces the JSON shape the browser chart consumes; RenderPNG
// draws the same datasets server-side with go-chart for clients that
// cannot run a charting library.
package chart
