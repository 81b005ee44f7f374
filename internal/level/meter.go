package level

import (
	"sync"
	"time"
)

// Status classifies a normalized loudness percent into a display band.
type Status int

const (
	StatusVeryQuiet Status = iota
	StatusQuiet
	StatusGood
	StatusLoud
	StatusTooLoud
)

// String returns the display label for the status band.
func (s Status) String() string {
	switch s {
	case StatusVeryQuiet:
		return "very_quiet"
	case StatusQuiet:
		return "quiet"
	case StatusGood:
		return "good"
	case StatusLoud:
		return "loud"
	case StatusTooLoud:
		return "too_loud"
	default:
		return "unknown"
	}
}

// Classify maps a normalized percent to a status band. The wide "good"
// zone (20-70) is intentional: two inner bands share the same label so the
// indicator favors a comfortable range over fine-grained feedback.
func Classify(percent float64) Status {
	switch {
	case percent > 80:
		return StatusTooLoud
	case percent > 70:
		return StatusLoud
	case percent > 50:
		return StatusGood
	case percent > 20:
		return StatusGood
	case percent > 10:
		return StatusQuiet
	default:
		return StatusVeryQuiet
	}
}

// RawSample is one amplitude reading from the sampler. Amplitude follows
// the sampler's RMS convention, normalized to the unit interval.
type RawSample struct {
	Timestamp time.Time
	Amplitude float64
}

// Reading is the display-ready loudness value derived from raw samples.
type Reading struct {
	Level             float64 `json:"level"`              // 0-10 scale
	NormalizedPercent float64 `json:"normalized_percent"` // 0-100, smoothed
	PeakPercent       float64 `json:"peak_percent"`       // high-water mark since last quiet window
	Status            Status  `json:"-"`
	StatusLabel       string  `json:"status"`
}

// Meter converts raw amplitude samples into a stable loudness reading.
// Smoothing is asymmetric exponential: a fast attack toward louder values
// and a comparably fast release toward quieter ones, so the displayed
// value tracks speech without flicker or multi-second lag.
type Meter struct {
	attackFactor  float64
	releaseFactor float64
	peakHold      time.Duration

	smoothed   float64
	peak       float64
	lastSample time.Time
	started    bool

	mu sync.RWMutex
}

// Config holds meter tuning parameters.
type Config struct {
	AttackFactor  float64       // smoothing factor toward louder, (0,1]
	ReleaseFactor float64       // smoothing factor toward quieter, (0,1]
	PeakHold      time.Duration // quiet window after which the peak collapses
}

// DefaultConfig returns tuning suitable for a sampler cadence of tens of Hz.
func DefaultConfig() Config {
	return Config{
		AttackFactor:  0.5,
		ReleaseFactor: 0.35,
		PeakHold:      2 * time.Second,
	}
}

// NewMeter creates a loudness meter. Out-of-range factors are clamped into
// (0, 1] rather than rejected; the meter must always be constructible.
func NewMeter(cfg Config) *Meter {
	if cfg.AttackFactor <= 0 || cfg.AttackFactor > 1 {
		cfg.AttackFactor = DefaultConfig().AttackFactor
	}
	if cfg.ReleaseFactor <= 0 || cfg.ReleaseFactor > 1 {
		cfg.ReleaseFactor = DefaultConfig().ReleaseFactor
	}
	if cfg.PeakHold <= 0 {
		cfg.PeakHold = DefaultConfig().PeakHold
	}

	return &Meter{
		attackFactor:  cfg.AttackFactor,
		releaseFactor: cfg.ReleaseFactor,
		peakHold:      cfg.PeakHold,
	}
}

// Ingest processes one raw sample and returns the updated reading.
// The peak hold timer restarts on every sample; if the gap since the
// previous sample exceeds the hold window (recording stopped producing
// samples), the peak collapses to the current smoothed value first.
func (m *Meter) Ingest(sample RawSample) Reading {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Amplitude maps onto the 0-10 level scale, then to a 0-100 percent.
	level := sample.Amplitude * 10
	target := clampPercent(level * 10)

	if !m.started {
		m.smoothed = target
		m.peak = target
		m.started = true
		m.lastSample = sample.Timestamp
		return m.readingLocked()
	}

	quietElapsed := !m.lastSample.IsZero() && sample.Timestamp.Sub(m.lastSample) >= m.peakHold

	factor := m.releaseFactor
	if target > m.smoothed {
		factor = m.attackFactor
	}
	m.smoothed += factor * (target - m.smoothed)

	if quietElapsed {
		m.peak = m.smoothed
	} else if m.smoothed > m.peak {
		m.peak = m.smoothed
	}
	m.lastSample = sample.Timestamp

	return m.readingLocked()
}

// Current returns the latest reading without ingesting a sample. When the
// hold window has already elapsed since the last sample (the sampler
// stopped delivering), the reported peak collapses to the smoothed value
// instead of waiting for the next Ingest to apply it.
func (m *Meter) Current() Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reading := m.readingLocked()
	if m.started && time.Since(m.lastSample) >= m.peakHold {
		reading.PeakPercent = reading.NormalizedPercent
	}
	return reading
}

// Reset clears all meter state, returning the reading to zero.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.smoothed = 0
	m.peak = 0
	m.lastSample = time.Time{}
	m.started = false
}

func (m *Meter) readingLocked() Reading {
	status := Classify(m.smoothed)
	return Reading{
		Level:             m.smoothed / 10,
		NormalizedPercent: m.smoothed,
		PeakPercent:       m.peak,
		Status:            status,
		StatusLabel:       status.String(),
	}
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
