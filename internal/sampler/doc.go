// Package sampler provides the audio input boundary. A Source delivers
// timestamped PCM frames with a normalized loudness estimate; the rest
// of the engine never talks to audio hardware directly.
package sampler
