// Package plan models rehabilitation plans, encodes them for the controller
// and persists them through the plan database RPC.
package plan
