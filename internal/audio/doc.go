// Package audio handles utterance capture and WAV encoding. It
// accumulates PCM-16 frames while the user speaks and serializes the
// finished utterance for transcription and replay.
package audio
