package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/voxloop/voice-engine/internal/config"
)

// ErrUnavailable is returned when the audio input device cannot be
// opened or stops delivering samples.
var ErrUnavailable = errors.New("audio sampler unavailable")

// Frame is one fixed-duration slice of captured audio.
type Frame struct {
	Timestamp time.Time
	PCM       []int16
	RMS       float64 // normalized to 0..1
}

// Source delivers audio frames until the context is cancelled or the
// device fails. The returned channel is closed when delivery stops;
// after a device failure, Err reports the cause.
type Source interface {
	Start(ctx context.Context) (<-chan Frame, error)
	Err() error
	Stop() error
}

// New builds the source named by the configuration.
func New(cfg *config.SamplerConfig, logger *slog.Logger) (Source, error) {
	switch cfg.Source {
	case "synthetic":
		return NewSynthetic(cfg.SampleRate, cfg.GetFrameDuration(), logger), nil
	case "microphone":
		return newMicrophone(cfg.SampleRate, cfg.GetFrameDuration(), logger)
	default:
		return nil, fmt.Errorf("unknown sampler source %q", cfg.Source)
	}
}

// RMS computes the root-mean-square loudness of a PCM-16 frame,
// normalized to 0..1.
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}

	var sum float64
	for _, s := range pcm {
		v := float64(s)
		sum += v * v
	}

	return math.Sqrt(sum/float64(len(pcm))) / 32768.0
}
