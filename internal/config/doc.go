// Package config loads the container configuration.
//
// Values are layered: baseline defaults, then an optional YAML file, then
// HMI_* environment overrides. The merged result is validated before use.
package config
