//go:build !portaudio

package playback

import (
	"fmt"
	"log/slog"
)

// Speaker output needs the portaudio build tag and the PortAudio C
// library. Without it the speaker device reports itself unavailable
// instead of failing at link time.
func NewSpeaker(logger *slog.Logger) (Device, error) {
	return nil, fmt.Errorf("audio output unavailable: built without portaudio support")
}
