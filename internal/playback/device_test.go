package playback

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxloop/voice-engine/internal/audio"
	"github.com/voxloop/voice-engine/internal/conversation"
)

func writeTestWAV(t *testing.T, samples int) conversation.AudioRef {
	t.Helper()

	data, err := audio.EncodeWAV(make([]int16, samples), 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	return conversation.AudioRef{
		Path:       path,
		SampleRate: 16000,
		Duration:   time.Duration(samples) * time.Second / 16000,
	}
}

func TestFileDevicePacesOnAudioDuration(t *testing.T) {
	ref := writeTestWAV(t, 800) // 50ms at 16kHz

	start := time.Now()
	if err := NewFileDevice().Play(context.Background(), ref); err != nil {
		t.Fatalf("Play failed: %v", err)
	}

	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Expected playback to pace on the audio duration, returned after %v", elapsed)
	}
}

func TestFileDeviceStopsOnCancel(t *testing.T) {
	ref := writeTestWAV(t, 16000*5) // 5s of audio

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	if err := NewFileDevice().Play(ctx, ref); err == nil {
		t.Error("Expected context error from cancelled playback")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected prompt return on cancel, took %v", elapsed)
	}
}

func TestFileDeviceRejectsMissingFile(t *testing.T) {
	ref := conversation.AudioRef{Path: filepath.Join(t.TempDir(), "missing.wav")}
	if err := NewFileDevice().Play(context.Background(), ref); err == nil {
		t.Error("Expected error for missing audio file")
	}
}
