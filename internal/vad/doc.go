// Package vad implements the voice activity detector state machine that
// turns loudness observations into conversational turn boundaries.
package vad
