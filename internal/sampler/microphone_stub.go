//go:build !portaudio

package sampler

import (
	"fmt"
	"log/slog"
	"time"
)

// Microphone capture needs the portaudio build tag and the PortAudio C
// library. Without it the microphone source reports itself unavailable
// instead of failing at link time.
func newMicrophone(sampleRate int, frameDur time.Duration, logger *slog.Logger) (Source, error) {
	return nil, fmt.Errorf("%w: built without portaudio support", ErrUnavailable)
}
