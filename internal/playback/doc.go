// Package playback enforces exclusive audio playback: at most one
// conversation message is audible at a time.
package playback
