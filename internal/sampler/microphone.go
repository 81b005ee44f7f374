//go:build portaudio

package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// Microphone captures frames from the default input device.
type Microphone struct {
	sampleRate int
	frameDur   time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	cancel  context.CancelFunc
	lastErr error
}

func newMicrophone(sampleRate int, frameDur time.Duration, logger *slog.Logger) (Source, error) {
	return &Microphone{
		sampleRate: sampleRate,
		frameDur:   frameDur,
		logger:     logger,
	}, nil
}

// Start opens the default input stream and delivers frames until the
// context is cancelled or a read fails.
func (m *Microphone) Start(ctx context.Context) (<-chan Frame, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initializing portaudio: %v", ErrUnavailable, err)
	}

	samplesPerFrame := int(float64(m.sampleRate) * m.frameDur.Seconds())
	buffer := make([]int16, samplesPerFrame)

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.sampleRate), samplesPerFrame, buffer)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: opening input stream: %v", ErrUnavailable, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: starting input stream: %v", ErrUnavailable, err)
	}

	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.stream = stream
	m.cancel = cancel
	m.mu.Unlock()

	frames := make(chan Frame, 8)

	go func() {
		defer close(frames)

		for {
			if ctx.Err() != nil {
				return
			}

			if err := stream.Read(); err != nil {
				m.mu.Lock()
				m.lastErr = fmt.Errorf("%w: reading input stream: %v", ErrUnavailable, err)
				m.mu.Unlock()
				m.logger.Error("Microphone read failed",
					slog.String("error", err.Error()),
				)
				return
			}

			pcm := make([]int16, len(buffer))
			copy(pcm, buffer)

			frame := Frame{Timestamp: time.Now(), PCM: pcm, RMS: RMS(pcm)}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			default:
				// Consumer fell behind; drop rather than block the
				// device callback.
			}
		}
	}()

	m.logger.Info("Microphone sampler started",
		slog.Int("sample_rate", m.sampleRate),
		slog.Duration("frame_duration", m.frameDur),
	)

	return frames, nil
}

// Err returns the device failure that stopped delivery, if any.
func (m *Microphone) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Stop halts capture and releases the device.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.stream != nil {
		m.stream.Stop()
		m.stream.Close()
		m.stream = nil
		portaudio.Terminate()
	}
	return nil
}
