package vad

import (
	"fmt"
	"time"
)

// State is the voice activity detector state. The set is closed; any
// transition outside the table below is rejected.
type State int

const (
	StateIdle State = iota
	StateListening
	StateRecording
	StateProcessing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Transition identifies a state change produced by the detector.
type Transition int

const (
	// TransitionNone means the observation changed nothing.
	TransitionNone Transition = iota
	// TransitionListening fires on idle -> listening (sustained onset).
	TransitionListening
	// TransitionRecording fires on listening -> recording (debounce held).
	TransitionRecording
	// TransitionFalseAlarm fires on listening -> idle (level dropped early).
	TransitionFalseAlarm
	// TransitionUtteranceEnded fires on recording -> processing.
	TransitionUtteranceEnded
	// TransitionCompleted fires on processing -> idle.
	TransitionCompleted
	// TransitionCancelled fires on any state -> idle via Cancel.
	TransitionCancelled
)

// String returns the transition name.
func (t Transition) String() string {
	switch t {
	case TransitionNone:
		return "none"
	case TransitionListening:
		return "listening"
	case TransitionRecording:
		return "recording"
	case TransitionFalseAlarm:
		return "false_alarm"
	case TransitionUtteranceEnded:
		return "utterance_ended"
	case TransitionCompleted:
		return "completed"
	case TransitionCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Config holds detector thresholds and debounce windows.
type Config struct {
	OnsetPercent   float64 // normalized percent above which a sample counts as speech
	SilencePercent float64 // normalized percent below which a sample counts as silence

	// OnsetSamples is the number of consecutive above-threshold samples
	// required for idle -> listening. Must be >= 2 so a single-sample
	// spike never starts a session.
	OnsetSamples int

	// MinSpeechDuration is how long the level must stay above the onset
	// threshold in listening before recording starts.
	MinSpeechDuration time.Duration

	// MinSilenceDuration is how long the level must stay below the
	// silence threshold in recording before the utterance ends.
	MinSilenceDuration time.Duration

	// MaxUtterance caps a single recording; when exceeded the utterance
	// ends as if silence had been detected.
	MaxUtterance time.Duration
}

// DefaultConfig returns thresholds tuned for a sampler cadence of tens
// of Hz and conversational speech.
func DefaultConfig() Config {
	return Config{
		OnsetPercent:       30,
		SilencePercent:     15,
		OnsetSamples:       3,
		MinSpeechDuration:  300 * time.Millisecond,
		MinSilenceDuration: 800 * time.Millisecond,
		MaxUtterance:       30 * time.Second,
	}
}

// Detector is the VAD state machine. It consumes loudness observations in
// strict sampler-emission order and reports transitions. The detector is
// not safe for concurrent use: the session engine owns it and feeds it
// from a single goroutine.
type Detector struct {
	cfg   Config
	state State

	onsetCount     int       // consecutive above-onset samples while idle
	listeningSince time.Time // entered listening
	recordingSince time.Time // entered recording
	silenceSince   time.Time // first below-silence sample while recording
	inSilence      bool
}

// NewDetector creates a detector in the idle state.
func NewDetector(cfg Config) (*Detector, error) {
	if cfg.OnsetPercent <= 0 || cfg.OnsetPercent > 100 {
		return nil, fmt.Errorf("onset percent must be in (0, 100], got %f", cfg.OnsetPercent)
	}

	if cfg.SilencePercent < 0 || cfg.SilencePercent >= cfg.OnsetPercent {
		return nil, fmt.Errorf("silence percent must be in [0, onset), got %f", cfg.SilencePercent)
	}

	if cfg.OnsetSamples < 2 {
		return nil, fmt.Errorf("onset samples must be at least 2, got %d", cfg.OnsetSamples)
	}

	if cfg.MinSpeechDuration <= 0 {
		return nil, fmt.Errorf("min speech duration must be positive, got %v", cfg.MinSpeechDuration)
	}

	if cfg.MinSilenceDuration <= 0 {
		return nil, fmt.Errorf("min silence duration must be positive, got %v", cfg.MinSilenceDuration)
	}

	if cfg.MaxUtterance <= 0 {
		return nil, fmt.Errorf("max utterance must be positive, got %v", cfg.MaxUtterance)
	}

	return &Detector{cfg: cfg, state: StateIdle}, nil
}

// State returns the current state.
func (d *Detector) State() State {
	return d.state
}

// Observe feeds one loudness observation (normalized percent, with its
// sampler timestamp) into the state machine and returns the transition it
// caused, if any.
//
// While processing, observations are ignored: utterances are strictly
// serialized, so a new onset must wait for the in-flight transcription to
// complete. See the session engine for the completion path.
func (d *Detector) Observe(ts time.Time, percent float64) Transition {
	switch d.state {
	case StateIdle:
		return d.observeIdle(ts, percent)
	case StateListening:
		return d.observeListening(ts, percent)
	case StateRecording:
		return d.observeRecording(ts, percent)
	case StateProcessing:
		return TransitionNone
	default:
		return TransitionNone
	}
}

func (d *Detector) observeIdle(ts time.Time, percent float64) Transition {
	if percent <= d.cfg.OnsetPercent {
		d.onsetCount = 0
		return TransitionNone
	}

	d.onsetCount++
	if d.onsetCount < d.cfg.OnsetSamples {
		return TransitionNone
	}

	d.state = StateListening
	d.listeningSince = ts
	d.onsetCount = 0
	return TransitionListening
}

func (d *Detector) observeListening(ts time.Time, percent float64) Transition {
	if percent <= d.cfg.OnsetPercent {
		// Level dropped before the sustain window elapsed: false alarm.
		d.state = StateIdle
		return TransitionFalseAlarm
	}

	if ts.Sub(d.listeningSince) >= d.cfg.MinSpeechDuration {
		d.enterRecording(ts)
		return TransitionRecording
	}

	return TransitionNone
}

func (d *Detector) observeRecording(ts time.Time, percent float64) Transition {
	if ts.Sub(d.recordingSince) >= d.cfg.MaxUtterance {
		d.enterProcessing()
		return TransitionUtteranceEnded
	}

	if percent >= d.cfg.SilencePercent {
		d.inSilence = false
		return TransitionNone
	}

	if !d.inSilence {
		d.inSilence = true
		d.silenceSince = ts
		return TransitionNone
	}

	if ts.Sub(d.silenceSince) >= d.cfg.MinSilenceDuration {
		d.enterProcessing()
		return TransitionUtteranceEnded
	}

	return TransitionNone
}

// StartRecording is the user override: it forces the detector into
// recording from idle or listening. Returns an error in recording or
// processing, where a capture or transcription is already in flight.
func (d *Detector) StartRecording(ts time.Time) error {
	switch d.state {
	case StateIdle, StateListening:
		d.enterRecording(ts)
		return nil
	default:
		return fmt.Errorf("cannot start recording in state %s", d.state)
	}
}

// StopRecording is the user override for end-of-utterance: it forces
// recording -> processing without waiting for the silence window.
func (d *Detector) StopRecording() error {
	if d.state != StateRecording {
		return fmt.Errorf("cannot stop recording in state %s", d.state)
	}

	d.enterProcessing()
	return nil
}

// Complete moves processing -> idle once the transcription service has
// responded (success or failure).
func (d *Detector) Complete() error {
	if d.state != StateProcessing {
		return fmt.Errorf("cannot complete in state %s", d.state)
	}

	d.reset()
	return nil
}

// Cancel aborts whatever is in flight and returns to idle. Valid from any
// state; cancelling while already idle is a no-op.
func (d *Detector) Cancel() Transition {
	if d.state == StateIdle {
		return TransitionNone
	}

	d.reset()
	return TransitionCancelled
}

func (d *Detector) enterRecording(ts time.Time) {
	d.state = StateRecording
	d.recordingSince = ts
	d.inSilence = false
}

func (d *Detector) enterProcessing() {
	d.state = StateProcessing
	d.inSilence = false
}

func (d *Detector) reset() {
	d.state = StateIdle
	d.onsetCount = 0
	d.inSilence = false
	d.listeningSince = time.Time{}
	d.recordingSince = time.Time{}
	d.silenceSince = time.Time{}
}
