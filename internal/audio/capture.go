package audio

import (
	"fmt"
	"time"
)

// Utterance is a finished stretch of captured speech.
type Utterance struct {
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	SampleRate int       `json:"sample_rate"`
	Samples    []int16   `json:"-"`
	Truncated  bool      `json:"truncated"`
}

// Duration returns the audio length derived from the sample count.
func (u Utterance) Duration() time.Duration {
	if u.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(u.Samples)) * time.Second / time.Duration(u.SampleRate)
}

// CaptureStats describes the capture buffer for monitoring.
type CaptureStats struct {
	Active          bool          `json:"active"`
	BufferedSamples int           `json:"buffered_samples"`
	BufferedAudio   time.Duration `json:"buffered_audio"`
	FramesAppended  uint64        `json:"frames_appended"`
	Utterances      uint64        `json:"utterances"`
	Discarded       uint64        `json:"discarded"`
}

// Capture accumulates PCM-16 samples between the start and end of a
// recording. It caps the buffer at a maximum utterance length so a
// stuck detector cannot grow it without bound.
//
// Capture is not goroutine-safe; the session engine owns it and calls
// it only from its event loop.
type Capture struct {
	sampleRate int
	maxSamples int

	active    bool
	startedAt time.Time
	samples   []int16
	truncated bool

	framesAppended uint64
	utterances     uint64
	discarded      uint64
}

// NewCapture creates a capture buffer for the given sample rate,
// bounded by maxDuration of audio.
func NewCapture(sampleRate int, maxDuration time.Duration) (*Capture, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if maxDuration <= 0 {
		return nil, fmt.Errorf("max duration must be positive, got %v", maxDuration)
	}

	maxSamples := int(maxDuration.Seconds() * float64(sampleRate))
	return &Capture{
		sampleRate: sampleRate,
		maxSamples: maxSamples,
		samples:    make([]int16, 0, maxSamples),
	}, nil
}

// Begin starts a new utterance at ts.
func (c *Capture) Begin(ts time.Time) error {
	if c.active {
		return fmt.Errorf("capture already active since %v", c.startedAt)
	}

	c.active = true
	c.startedAt = ts
	c.samples = c.samples[:0]
	c.truncated = false
	return nil
}

// Append adds a frame of PCM samples to the active utterance. Once the
// buffer reaches its cap, further samples are dropped and the utterance
// is marked truncated.
func (c *Capture) Append(pcm []int16) error {
	if !c.active {
		return fmt.Errorf("no active capture")
	}

	room := c.maxSamples - len(c.samples)
	if room <= 0 {
		c.truncated = true
		return nil
	}
	if len(pcm) > room {
		pcm = pcm[:room]
		c.truncated = true
	}

	c.samples = append(c.samples, pcm...)
	c.framesAppended++
	return nil
}

// End closes the active utterance at ts and returns a copy of it.
func (c *Capture) End(ts time.Time) (Utterance, error) {
	if !c.active {
		return Utterance{}, fmt.Errorf("no active capture")
	}

	samples := make([]int16, len(c.samples))
	copy(samples, c.samples)

	u := Utterance{
		StartedAt:  c.startedAt,
		EndedAt:    ts,
		SampleRate: c.sampleRate,
		Samples:    samples,
		Truncated:  c.truncated,
	}

	c.active = false
	c.samples = c.samples[:0]
	c.truncated = false
	c.utterances++

	return u, nil
}

// Discard drops the active utterance, if any. Used when the user
// cancels or a detected onset turns out to be a false alarm.
func (c *Capture) Discard() {
	if !c.active {
		return
	}
	c.active = false
	c.samples = c.samples[:0]
	c.truncated = false
	c.discarded++
}

// Active reports whether an utterance is being captured.
func (c *Capture) Active() bool {
	return c.active
}

// Buffered returns the duration of audio accumulated so far.
func (c *Capture) Buffered() time.Duration {
	return time.Duration(len(c.samples)) * time.Second / time.Duration(c.sampleRate)
}

// Stats returns current capture statistics.
func (c *Capture) Stats() CaptureStats {
	return CaptureStats{
		Active:          c.active,
		BufferedSamples: len(c.samples),
		BufferedAudio:   c.Buffered(),
		FramesAppended:  c.framesAppended,
		Utterances:      c.utterances,
		Discarded:       c.discarded,
	}
}
