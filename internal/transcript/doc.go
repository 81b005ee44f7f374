// Package transcript assembles streaming transcription partials into
// conversation messages with monotonic growth and stale-result dropping.
package transcript
