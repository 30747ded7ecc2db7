// Package session keeps per-user session-restore state: the dashboard route
// a user was last on, so a reload lands them back there.
package session
