//go:build portaudio

package playback

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/gordonklaus/portaudio"

	"github.com/voxloop/voice-engine/internal/audio"
	"github.com/voxloop/voice-engine/internal/conversation"
)

// speakerFrame is the number of samples written to the device per call.
const speakerFrame = 1024

// Speaker plays archived utterances on the default output device.
type Speaker struct {
	logger *slog.Logger
}

// NewSpeaker creates a portaudio-backed output device.
func NewSpeaker(logger *slog.Logger) (Device, error) {
	return &Speaker{logger: logger}, nil
}

// Play decodes the referenced WAV and writes it to the default output
// stream until the audio runs out or the context is cancelled.
func (s *Speaker) Play(ctx context.Context, ref conversation.AudioRef) error {
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return fmt.Errorf("failed to read audio file: %w", err)
	}

	samples, sampleRate, err := audio.DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("invalid audio file %s: %w", ref.Path, err)
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initializing portaudio: %w", err)
	}
	defer portaudio.Terminate()

	buffer := make([]int16, speakerFrame)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), len(buffer), buffer)
	if err != nil {
		return fmt.Errorf("opening output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("starting output stream: %w", err)
	}
	defer stream.Stop()

	s.logger.Debug("Speaker playback started",
		slog.String("path", ref.Path),
		slog.Int("sample_rate", sampleRate),
		slog.Int("samples", len(samples)),
	)

	for offset := 0; offset < len(samples); offset += len(buffer) {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := copy(buffer, samples[offset:])
		for i := n; i < len(buffer); i++ {
			buffer[i] = 0
		}

		if err := stream.Write(); err != nil {
			return fmt.Errorf("writing output stream: %w", err)
		}
	}

	return nil
}
