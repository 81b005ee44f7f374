package playback

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/voxloop/voice-engine/internal/audio"
	"github.com/voxloop/voice-engine/internal/conversation"
)

// FileDevice replays archived utterances in real time without an audio
// output stack: it validates the WAV file and blocks for the audio
// duration. Useful for development and for driving the engine in tests.
type FileDevice struct{}

// NewFileDevice creates a file-backed pacing device.
func NewFileDevice() *FileDevice {
	return &FileDevice{}
}

// Play reads the referenced WAV and blocks until its duration elapses
// or the context is cancelled.
func (d *FileDevice) Play(ctx context.Context, ref conversation.AudioRef) error {
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return fmt.Errorf("failed to read audio file: %w", err)
	}

	dur, err := audio.WAVDuration(data)
	if err != nil {
		return fmt.Errorf("invalid audio file %s: %w", ref.Path, err)
	}

	timer := time.NewTimer(dur)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
