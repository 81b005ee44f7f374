package sampler

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Synthetic generates audio frames without hardware. It emits a sine
// tone whose amplitude the caller can change at runtime, which makes it
// useful for development and for driving the engine in tests.
type Synthetic struct {
	sampleRate int
	frameDur   time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	amplitude float64 // 0..1
	frequency float64
	cancel    context.CancelFunc
	running   bool
}

// NewSynthetic creates a synthetic source. It starts silent; use
// SetAmplitude to simulate speech.
func NewSynthetic(sampleRate int, frameDur time.Duration, logger *slog.Logger) *Synthetic {
	return &Synthetic{
		sampleRate: sampleRate,
		frameDur:   frameDur,
		logger:     logger,
		frequency:  220,
	}
}

// SetAmplitude sets the tone amplitude, clamped to 0..1.
func (s *Synthetic) SetAmplitude(a float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.amplitude = math.Max(0, math.Min(1, a))
}

// Start begins frame delivery on a real-time ticker.
func (s *Synthetic) Start(ctx context.Context) (<-chan Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	frames := make(chan Frame, 8)
	samplesPerFrame := int(float64(s.sampleRate) * s.frameDur.Seconds())

	go func() {
		defer close(frames)

		ticker := time.NewTicker(s.frameDur)
		defer ticker.Stop()

		var phase float64
		for {
			select {
			case <-ctx.Done():
				return
			case ts := <-ticker.C:
				frame := s.generate(ts, samplesPerFrame, &phase)
				select {
				case frames <- frame:
				default:
					// Consumer fell behind; drop rather than block.
				}
			}
		}
	}()

	s.logger.Info("Synthetic sampler started",
		slog.Int("sample_rate", s.sampleRate),
		slog.Duration("frame_duration", s.frameDur),
	)

	return frames, nil
}

func (s *Synthetic) generate(ts time.Time, n int, phase *float64) Frame {
	s.mu.Lock()
	amp := s.amplitude
	freq := s.frequency
	s.mu.Unlock()

	pcm := make([]int16, n)
	step := 2 * math.Pi * freq / float64(s.sampleRate)
	for i := range pcm {
		pcm[i] = int16(amp * 32767 * math.Sin(*phase))
		*phase += step
	}

	return Frame{Timestamp: ts, PCM: pcm, RMS: RMS(pcm)}
}

// Err always returns nil; the synthetic source cannot fail.
func (s *Synthetic) Err() error {
	return nil
}

// Stop halts frame delivery.
func (s *Synthetic) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running && s.cancel != nil {
		s.cancel()
		s.running = false
	}
	return nil
}
