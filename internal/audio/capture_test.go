package audio

import (
	"testing"
	"time"
)

func TestNewCaptureValidation(t *testing.T) {
	tests := []struct {
		name       string
		sampleRate int
		maxDur     time.Duration
		wantErr    bool
	}{
		{"valid", 16000, 30 * time.Second, false},
		{"zero sample rate", 0, 30 * time.Second, true},
		{"negative sample rate", -1, 30 * time.Second, true},
		{"zero max duration", 16000, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCapture(tt.sampleRate, tt.maxDur)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewCapture() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCaptureLifecycle(t *testing.T) {
	c, err := NewCapture(16000, 30*time.Second)
	if err != nil {
		t.Fatalf("NewCapture failed: %v", err)
	}

	start := time.Now()
	if err := c.Begin(start); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if err := c.Begin(start); err == nil {
		t.Error("Expected error beginning a second capture")
	}

	// Two 10ms frames at 16kHz.
	frame := make([]int16, 160)
	for i := range frame {
		frame[i] = int16(i)
	}
	c.Append(frame)
	c.Append(frame)

	if got := c.Buffered(); got != 20*time.Millisecond {
		t.Errorf("Expected 20ms buffered, got %v", got)
	}

	end := start.Add(time.Second)
	u, err := c.End(end)
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}

	if len(u.Samples) != 320 {
		t.Errorf("Expected 320 samples, got %d", len(u.Samples))
	}
	if u.StartedAt != start || u.EndedAt != end {
		t.Error("Expected utterance timestamps preserved")
	}
	if u.Truncated {
		t.Error("Expected utterance not truncated")
	}
	if c.Active() {
		t.Error("Expected capture inactive after End")
	}
}

func TestAppendWithoutBeginFails(t *testing.T) {
	c, _ := NewCapture(16000, 30*time.Second)

	if err := c.Append(make([]int16, 160)); err == nil {
		t.Error("Expected error appending without active capture")
	}
	if _, err := c.End(time.Now()); err == nil {
		t.Error("Expected error ending without active capture")
	}
}

func TestCaptureCapsAtMaxDuration(t *testing.T) {
	// 100ms cap at 16kHz = 1600 samples.
	c, _ := NewCapture(16000, 100*time.Millisecond)
	c.Begin(time.Now())

	frame := make([]int16, 1000)
	c.Append(frame)
	c.Append(frame)
	c.Append(frame)

	u, err := c.End(time.Now())
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}

	if len(u.Samples) != 1600 {
		t.Errorf("Expected buffer capped at 1600 samples, got %d", len(u.Samples))
	}
	if !u.Truncated {
		t.Error("Expected utterance marked truncated")
	}
}

func TestDiscardDropsSamples(t *testing.T) {
	c, _ := NewCapture(16000, 30*time.Second)
	c.Begin(time.Now())
	c.Append(make([]int16, 160))

	c.Discard()

	if c.Active() {
		t.Error("Expected capture inactive after Discard")
	}

	stats := c.Stats()
	if stats.BufferedSamples != 0 {
		t.Errorf("Expected empty buffer, got %d samples", stats.BufferedSamples)
	}
	if stats.Discarded != 1 {
		t.Errorf("Expected 1 discard recorded, got %d", stats.Discarded)
	}

	// Discard with nothing active is a no-op.
	c.Discard()
	if c.Stats().Discarded != 1 {
		t.Error("Expected idle discard to not count")
	}
}

func TestUtteranceDuration(t *testing.T) {
	u := Utterance{SampleRate: 16000, Samples: make([]int16, 8000)}
	if got := u.Duration(); got != 500*time.Millisecond {
		t.Errorf("Expected 500ms, got %v", got)
	}

	empty := Utterance{}
	if got := empty.Duration(); got != 0 {
		t.Errorf("Expected zero duration, got %v", got)
	}
}

func TestCaptureReusableAcrossUtterances(t *testing.T) {
	c, _ := NewCapture(16000, 30*time.Second)

	for i := 0; i < 3; i++ {
		if err := c.Begin(time.Now()); err != nil {
			t.Fatalf("Begin %d failed: %v", i, err)
		}
		c.Append(make([]int16, 160))
		u, err := c.End(time.Now())
		if err != nil {
			t.Fatalf("End %d failed: %v", i, err)
		}
		if len(u.Samples) != 160 {
			t.Errorf("Utterance %d: expected 160 samples, got %d", i, len(u.Samples))
		}
	}

	if got := c.Stats().Utterances; got != 3 {
		t.Errorf("Expected 3 utterances recorded, got %d", got)
	}
}
