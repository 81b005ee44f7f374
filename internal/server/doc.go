// Package server exposes the voice engine to UI clients over HTTP:
// session state, recording controls, conversation messages, playback,
// and Prometheus metrics.
package server
