// Package transcription talks to the speech-to-text service. It
// supports a batch HTTP mode that uploads a finished utterance and a
// streaming WebSocket mode that delivers partial results while the
// service works.
package transcription
