// Package session runs the voice session engine: a single event loop
// that feeds sampler frames through the loudness meter and voice
// activity detector, captures utterances, dispatches transcription,
// and coordinates playback. All session state changes happen on that
// loop, so no event ever observes a half-applied update.
package session
