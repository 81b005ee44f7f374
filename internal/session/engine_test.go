package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/voxloop/voice-engine/internal/audio"
	"github.com/voxloop/voice-engine/internal/config"
	"github.com/voxloop/voice-engine/internal/conversation"
	"github.com/voxloop/voice-engine/internal/metrics"
	"github.com/voxloop/voice-engine/internal/sampler"
	"github.com/voxloop/voice-engine/internal/transcription"
)

// Prometheus collectors register globally, so all engine tests share
// one metrics instance.
var (
	testMetrics     *metrics.Metrics
	testMetricsOnce sync.Once
)

func sharedMetrics() *metrics.Metrics {
	testMetricsOnce.Do(func() {
		testMetrics = metrics.NewMetrics()
	})
	return testMetrics
}

// fakeSource hands the test direct control over the frame channel.
type fakeSource struct {
	frames  chan sampler.Frame
	lastErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan sampler.Frame, 256)}
}

func (s *fakeSource) Start(ctx context.Context) (<-chan sampler.Frame, error) {
	return s.frames, nil
}

func (s *fakeSource) Err() error  { return s.lastErr }
func (s *fakeSource) Stop() error { return nil }

// fakeTranscriber scripts partials and the final result. With block
// set, it waits for release or context cancellation first.
type fakeTranscriber struct {
	partials   []string
	text       string
	confidence float64
	err        error
	block      chan struct{}

	mu    sync.Mutex
	calls int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, utt audio.Utterance, onPartial transcription.PartialFunc) (transcription.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return transcription.Result{}, transcription.ErrFailed
		}
	}

	for i, p := range f.partials {
		if onPartial != nil {
			onPartial(uint64(i+1), p)
		}
	}

	if f.err != nil {
		return transcription.Result{}, f.err
	}
	return transcription.Result{Text: f.text, Confidence: f.confidence, Final: true}, nil
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeDevice finishes playback only when the coordinator cancels it.
type fakeDevice struct{}

func (d *fakeDevice) Play(ctx context.Context, ref conversation.AudioRef) error {
	<-ctx.Done()
	return ctx.Err()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Sampler: config.SamplerConfig{Source: "synthetic", SampleRate: 16000, FrameDuration: 0.01},
		// Factor 1 disables smoothing so a frame's RMS maps straight to
		// its percent, which keeps the scripted levels exact.
		Level: config.LevelConfig{AttackFactor: 1, ReleaseFactor: 1, PeakHold: 2},
		VAD: config.VADConfig{
			OnsetPercent:       30,
			SilencePercent:     15,
			OnsetSamples:       2,
			MinSpeechDuration:  0.02,
			MinSilenceDuration: 0.03,
			MaxUtterance:       5,
		},
		Transcription: config.TranscriptionConfig{
			Mode: "batch", Endpoint: "http://localhost/transcribe",
			APIKey: "test", Timeout: 5, MaxRetries: 0,
		},
		History: config.HistoryConfig{AudioDir: t.TempDir()},
		Logging: config.LoggingConfig{Level: "error", Format: "text"},
	}
}

func startEngine(t *testing.T, tr transcription.Transcriber) (*Engine, *fakeSource) {
	t.Helper()

	source := newFakeSource()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := NewEngine(testConfig(t), Deps{
		Source:      source,
		Transcriber: tr,
		Device:      &fakeDevice{},
		Metrics:     sharedMetrics(),
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(engine.Stop)

	return engine, source
}

// feed pushes frames whose RMS encodes the scripted percents, stepping
// the timeline 10ms per frame, and returns the advanced timestamp.
func feed(src *fakeSource, start time.Time, percents ...float64) time.Time {
	ts := start
	for _, p := range percents {
		pcm := make([]int16, 160)
		for i := range pcm {
			pcm[i] = int16(p / 100 * 16000)
		}
		src.frames <- sampler.Frame{Timestamp: ts, PCM: pcm, RMS: p / 100}
		ts = ts.Add(10 * time.Millisecond)
	}
	return ts
}

func waitState(t *testing.T, e *Engine, want string) Snapshot {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := e.Snapshot()
		if snap.State == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for state %q, still %q", want, snap.State)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitFinalized(t *testing.T, e *Engine) conversation.Message {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, msg := range e.Messages() {
			if !msg.IsStreaming {
				return msg
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for a finalized message, have %v", e.Messages())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestAutoDetectedUtteranceLifecycle(t *testing.T) {
	// Quiet, sustained speech, then silence: the session walks
	// idle -> listening -> recording -> processing -> idle and leaves
	// exactly one finalized message.
	tr := &fakeTranscriber{partials: []string{"hel", "hello"}, text: "hello world", confidence: 0.92}
	engine, source := startEngine(t, tr)

	base := time.Now()
	ts := feed(source, base, 5, 5)

	// Two onset frames enter listening; the sustain window then flips
	// recording on.
	ts = feed(source, ts, 85, 90, 85, 85)
	waitState(t, engine, "recording")

	snap := engine.Snapshot()
	if !snap.HasActiveMessage {
		t.Error("Expected active message while recording")
	}

	// Sustained silence ends the utterance.
	feed(source, ts, 5, 5, 5, 5, 5, 5)
	waitState(t, engine, "idle")

	msg := waitFinalized(t, engine)
	if msg.Text != "hello world" {
		t.Errorf("Expected final text 'hello world', got %q", msg.Text)
	}
	if msg.Confidence != 0.92 {
		t.Errorf("Expected confidence 0.92, got %f", msg.Confidence)
	}
	if msg.Audio == nil {
		t.Error("Expected archived audio on finalized message")
	}

	if engine.Snapshot().HasActiveMessage {
		t.Error("Expected no active message once idle")
	}
}

func TestSingleSpikeDoesNotStartSession(t *testing.T) {
	tr := &fakeTranscriber{text: "unused"}
	engine, source := startEngine(t, tr)

	base := time.Now()
	feed(source, base, 5, 95, 5, 5)

	// Give the loop time to process, then confirm nothing started.
	time.Sleep(100 * time.Millisecond)
	if snap := engine.Snapshot(); snap.State != "idle" {
		t.Errorf("Expected idle after single spike, got %s", snap.State)
	}
	if tr.callCount() != 0 {
		t.Error("Expected no transcription dispatched")
	}
}

func TestManualStartStop(t *testing.T) {
	tr := &fakeTranscriber{text: "manual note", confidence: 0.7}
	engine, source := startEngine(t, tr)

	if err := engine.StartRecording(); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	waitState(t, engine, "recording")

	feed(source, time.Now(), 60, 60, 60)

	if err := engine.StopRecording(); err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}
	waitState(t, engine, "idle")

	msg := waitFinalized(t, engine)
	if msg.Text != "manual note" {
		t.Errorf("Expected 'manual note', got %q", msg.Text)
	}

	// Stopping again with nothing recording fails.
	if err := engine.StopRecording(); err == nil {
		t.Error("Expected error stopping while idle")
	}
}

func TestCancelWhileRecordingLeavesNoMessage(t *testing.T) {
	tr := &fakeTranscriber{text: "unused"}
	engine, source := startEngine(t, tr)

	if err := engine.StartRecording(); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	feed(source, time.Now(), 60, 60)
	waitState(t, engine, "recording")

	if err := engine.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	waitState(t, engine, "idle")

	if msgs := engine.Messages(); len(msgs) != 0 {
		t.Errorf("Expected empty conversation after cancel, got %d messages", len(msgs))
	}
	if tr.callCount() != 0 {
		t.Error("Expected no transcription dispatched for cancelled utterance")
	}
}

func TestCancelDuringProcessingDropsLateResult(t *testing.T) {
	release := make(chan struct{})
	tr := &fakeTranscriber{text: "late result", block: release}
	engine, source := startEngine(t, tr)

	engine.StartRecording()
	feed(source, time.Now(), 60, 60)
	engine.StopRecording()
	waitState(t, engine, "processing")

	if err := engine.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	waitState(t, engine, "idle")

	// The blocked transcription now completes; its result must vanish.
	close(release)
	time.Sleep(100 * time.Millisecond)

	if msgs := engine.Messages(); len(msgs) != 0 {
		t.Errorf("Expected no messages after cancelled processing, got %v", msgs)
	}
	if snap := engine.Snapshot(); snap.State != "idle" {
		t.Errorf("Expected idle after late result, got %s", snap.State)
	}
}

func TestTranscriptionFailureKeepsPartialText(t *testing.T) {
	// The service streams "hel" then dies. The message must end up
	// finalized with the partial text rather than dangling.
	tr := &fakeTranscriber{partials: []string{"hel"}, err: transcription.ErrFailed}
	engine, source := startEngine(t, tr)

	engine.StartRecording()
	feed(source, time.Now(), 60, 60)
	engine.StopRecording()
	waitState(t, engine, "idle")

	msg := waitFinalized(t, engine)
	if msg.Text != "hel" {
		t.Errorf("Expected partial text 'hel' preserved, got %q", msg.Text)
	}
	if msg.IsStreaming {
		t.Error("Expected message finalized after failure")
	}
}

func TestUtterancesAreSerialized(t *testing.T) {
	release := make(chan struct{})
	tr := &fakeTranscriber{text: "first", block: release}
	engine, source := startEngine(t, tr)

	engine.StartRecording()
	ts := feed(source, time.Now(), 60, 60)
	engine.StopRecording()
	waitState(t, engine, "processing")

	// Loud frames during processing must not start a new utterance.
	feed(source, ts, 90, 90, 90, 90)
	time.Sleep(50 * time.Millisecond)
	if snap := engine.Snapshot(); snap.State != "processing" {
		t.Errorf("Expected processing to hold, got %s", snap.State)
	}
	if err := engine.StartRecording(); err == nil {
		t.Error("Expected manual start to fail during processing")
	}

	close(release)
	waitState(t, engine, "idle")

	if tr.callCount() != 1 {
		t.Errorf("Expected exactly one transcription, got %d", tr.callCount())
	}
}

func TestSamplerLossFreezesMeterButKeepsCommands(t *testing.T) {
	tr := &fakeTranscriber{text: "unused"}
	engine, source := startEngine(t, tr)

	feed(source, time.Now(), 40, 40)
	source.lastErr = ErrSamplerUnavailable
	close(source.frames)

	deadline := time.Now().Add(2 * time.Second)
	for engine.Snapshot().SamplerHealthy {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for sampler loss to register")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// The UI surface stays responsive.
	if err := engine.StartRecording(); err != nil {
		t.Errorf("Expected commands to keep working, got %v", err)
	}
	if err := engine.Cancel(); err != nil {
		t.Errorf("Cancel failed after sampler loss: %v", err)
	}
}

func TestConversationSwitching(t *testing.T) {
	tr := &fakeTranscriber{text: "second room", confidence: 0.8}
	engine, source := startEngine(t, tr)

	first := engine.Snapshot().ConversationID
	second := engine.NewConversation()
	if second == first {
		t.Fatal("Expected a fresh conversation id")
	}

	if err := engine.SelectConversation(second); err != nil {
		t.Fatalf("SelectConversation failed: %v", err)
	}

	engine.StartRecording()
	feed(source, time.Now(), 60, 60)
	engine.StopRecording()
	waitState(t, engine, "idle")
	waitFinalized(t, engine)

	if n := engine.Store().Len(second); n != 1 {
		t.Errorf("Expected 1 message in second conversation, got %d", n)
	}
	if n := engine.Store().Len(first); n != 0 {
		t.Errorf("Expected first conversation untouched, got %d messages", n)
	}

	if err := engine.SelectConversation(999); err == nil {
		t.Error("Expected error selecting unknown conversation")
	}

	// Switching is rejected mid-utterance.
	engine.StartRecording()
	if err := engine.SelectConversation(first); err == nil {
		t.Error("Expected error switching while recording")
	}
	engine.Cancel()
}

func TestRequestPlayValidation(t *testing.T) {
	tr := &fakeTranscriber{text: "playable", confidence: 0.9}
	engine, source := startEngine(t, tr)

	if err := engine.RequestPlay(12345); !errors.Is(err, ErrPlaybackFailure) {
		t.Errorf("Expected ErrPlaybackFailure for unknown message, got %v", err)
	}

	engine.StartRecording()
	feed(source, time.Now(), 60, 60, 60)

	// Playback needs archived audio, so let the frames land first.
	deadline := time.Now().Add(2 * time.Second)
	for engine.Snapshot().Level.NormalizedPercent < 50 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for frames to be metered")
		}
		time.Sleep(2 * time.Millisecond)
	}

	engine.StopRecording()
	waitState(t, engine, "idle")
	msg := waitFinalized(t, engine)

	if err := engine.RequestPlay(msg.ID); err != nil {
		t.Fatalf("RequestPlay failed: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for !engine.Snapshot().IsSpeaking {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for playback to start")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := engine.Snapshot().SpeakingMessageID; got != int64(msg.ID) {
		t.Errorf("Expected message %d speaking, got %d", msg.ID, got)
	}

	// Toggle silences it again.
	if err := engine.RequestPlay(msg.ID); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	for engine.Snapshot().IsSpeaking {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for playback to stop")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHistorySurvivesRestart(t *testing.T) {
	// Two engine lifetimes against one archive. The second engine must
	// load the first run's message and assign fresh IDs past it, so the
	// archive keeps accepting messages after a restart.
	hist, err := conversation.OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenHistory failed: %v", err)
	}
	defer hist.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	recordOne := func(text string) *Engine {
		tr := &fakeTranscriber{text: text, confidence: 0.9}
		source := newFakeSource()
		engine, err := NewEngine(testConfig(t), Deps{
			Source:      source,
			Transcriber: tr,
			Device:      &fakeDevice{},
			History:     hist,
			Metrics:     sharedMetrics(),
			Logger:      logger,
		})
		if err != nil {
			t.Fatalf("NewEngine failed: %v", err)
		}
		if err := engine.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		engine.StartRecording()
		feed(source, time.Now(), 60, 60)
		engine.StopRecording()
		waitState(t, engine, "idle")

		deadline := time.Now().Add(2 * time.Second)
		for {
			msgs := engine.Messages()
			if len(msgs) > 0 && msgs[len(msgs)-1].Text == text {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("Timed out waiting for %q, have %v", text, msgs)
			}
			time.Sleep(2 * time.Millisecond)
		}
		return engine
	}

	first := recordOne("first run")
	first.Stop()

	second := recordOne("second run")
	defer second.Stop()

	// The restarted engine sees both messages, with distinct IDs.
	msgs := second.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages after restart, got %d", len(msgs))
	}
	if msgs[0].Text != "first run" || msgs[1].Text != "second run" {
		t.Errorf("Unexpected messages: %q, %q", msgs[0].Text, msgs[1].Text)
	}
	if msgs[0].ID == msgs[1].ID {
		t.Errorf("Expected distinct IDs across runs, both %d", msgs[0].ID)
	}

	n, err := hist.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected both runs archived, got %d", n)
	}
}

func TestStartRecordingReportsInternalFailure(t *testing.T) {
	tr := &fakeTranscriber{text: "unused"}
	engine, _ := startEngine(t, tr)

	// Occupy the assembler so the utterance cannot open.
	if _, _, err := engine.assembler.Begin(engine.Snapshot().ConversationID, userAuthorID); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if err := engine.StartRecording(); err == nil {
		t.Error("Expected StartRecording to fail when the utterance cannot open")
	}
	if snap := engine.Snapshot(); snap.State != "idle" {
		t.Errorf("Expected rollback to idle after failed start, got %s", snap.State)
	}
}

func TestNotificationsAreBestEffort(t *testing.T) {
	tr := &fakeTranscriber{text: "noted", confidence: 0.9}
	engine, source := startEngine(t, tr)

	engine.StartRecording()
	feed(source, time.Now(), 60, 60)
	engine.StopRecording()
	waitState(t, engine, "idle")
	waitFinalized(t, engine)

	// At least the recording and finalization notes should be queued.
	var kinds []NotificationKind
	for {
		select {
		case note := <-engine.Notifications():
			kinds = append(kinds, note.Kind)
			continue
		default:
		}
		break
	}
	if len(kinds) == 0 {
		t.Error("Expected notifications on the feed")
	}
}
