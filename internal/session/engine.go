package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/voxloop/voice-engine/internal/audio"
	"github.com/voxloop/voice-engine/internal/config"
	"github.com/voxloop/voice-engine/internal/conversation"
	"github.com/voxloop/voice-engine/internal/level"
	"github.com/voxloop/voice-engine/internal/metrics"
	"github.com/voxloop/voice-engine/internal/playback"
	"github.com/voxloop/voice-engine/internal/sampler"
	"github.com/voxloop/voice-engine/internal/transcript"
	"github.com/voxloop/voice-engine/internal/transcription"
	"github.com/voxloop/voice-engine/internal/vad"
)

// Session error surface. Handlers and the UI match on these.
var (
	ErrSamplerUnavailable   = sampler.ErrUnavailable
	ErrTranscriptionFailure = transcription.ErrFailed
	ErrPlaybackFailure      = errors.New("playback failure")
	ErrStopped              = errors.New("engine stopped")
)

// userAuthorID tags messages produced from the microphone.
const userAuthorID = "user"

// notificationBuffer bounds the UI feed; overflow drops entries.
const notificationBuffer = 64

// Deps carries the boundary implementations the engine drives.
type Deps struct {
	Source      sampler.Source
	Transcriber transcription.Transcriber
	Device      playback.Device
	History     *conversation.History // optional
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Snapshot is the UI-facing view of the session, updated after every
// event the loop handles.
type Snapshot struct {
	State             string        `json:"state"`
	Level             level.Reading `json:"level"`
	ConversationID    int64         `json:"conversation_id"`
	ActiveMessageID   int64         `json:"active_message_id,omitempty"`
	HasActiveMessage  bool          `json:"has_active_message"`
	SpeakingMessageID int64         `json:"speaking_message_id,omitempty"`
	IsSpeaking        bool          `json:"is_speaking"`
	SamplerHealthy    bool          `json:"sampler_healthy"`
}

// Engine is the voice session engine. A single goroutine consumes
// sampler frames, transcription results, playback completions, and
// user commands, so session state is only ever mutated in event
// arrival order.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	source      sampler.Source
	meter       *level.Meter
	detector    *vad.Detector
	capture     *audio.Capture
	store       *conversation.Store
	assembler   *transcript.Assembler
	transcriber transcription.Transcriber
	player      *playback.Coordinator
	history     *conversation.History

	audioDir string

	events        chan event
	notifications chan Notification
	ctx           context.Context
	cancel        context.CancelFunc
	done          chan struct{}

	// Loop-owned state; never touched off the loop goroutine.
	convID         int64
	inFlight       bool
	inFlightEpoch  uint64
	inFlightCancel context.CancelFunc
	inFlightRef    *conversation.AudioRef
	samplerHealthy bool

	snapMu sync.RWMutex
	snap   Snapshot
}

// NewEngine wires the engine from configuration and its boundary
// dependencies.
func NewEngine(cfg *config.Config, deps Deps) (*Engine, error) {
	detector, err := vad.NewDetector(vad.Config{
		OnsetPercent:       cfg.VAD.OnsetPercent,
		SilencePercent:     cfg.VAD.SilencePercent,
		OnsetSamples:       cfg.VAD.OnsetSamples,
		MinSpeechDuration:  cfg.VAD.GetMinSpeechDuration(),
		MinSilenceDuration: cfg.VAD.GetMinSilenceDuration(),
		MaxUtterance:       cfg.VAD.GetMaxUtterance(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}

	capture, err := audio.NewCapture(cfg.Sampler.SampleRate, cfg.VAD.GetMaxUtterance())
	if err != nil {
		return nil, fmt.Errorf("failed to create capture buffer: %w", err)
	}

	meter := level.NewMeter(level.Config{
		AttackFactor:  cfg.Level.AttackFactor,
		ReleaseFactor: cfg.Level.ReleaseFactor,
		PeakHold:      cfg.Level.GetPeakHold(),
	})

	store := conversation.NewStore()

	// Seed the store from the archive so earlier runs stay visible and
	// new message IDs never collide with archived ones.
	if deps.History != nil {
		archived, err := deps.History.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("failed to load history: %w", err)
		}
		if err := store.Restore(archived); err != nil {
			return nil, fmt.Errorf("failed to restore history: %w", err)
		}
	}

	audioDir := cfg.History.AudioDir
	if audioDir == "" {
		audioDir = filepath.Join(os.TempDir(), "voice-engine-audio")
	}

	e := &Engine{
		cfg:            cfg,
		logger:         deps.Logger,
		metrics:        deps.Metrics,
		source:         deps.Source,
		meter:          meter,
		detector:       detector,
		capture:        capture,
		store:          store,
		assembler:      transcript.NewAssembler(store, deps.Logger),
		transcriber:    deps.Transcriber,
		player:         playback.NewCoordinator(deps.Device, deps.Logger),
		history:        deps.History,
		audioDir:       audioDir,
		events:         make(chan event, 64),
		notifications:  make(chan Notification, notificationBuffer),
		done:           make(chan struct{}),
		convID:         store.Conversations()[0],
		samplerHealthy: true,
	}

	e.player.SetEndedHook(func(id conversation.MessageID, reason playback.EndReason, err error) {
		e.post(playbackEndedEvent{id: id, reason: reason, err: err})
	})

	e.snap = Snapshot{
		State:          vad.StateIdle.String(),
		ConversationID: e.convID,
		SamplerHealthy: true,
	}

	return e, nil
}

// Start opens the sampler and launches the event loop.
func (e *Engine) Start(ctx context.Context) error {
	if err := os.MkdirAll(e.audioDir, 0o755); err != nil {
		return fmt.Errorf("failed to create audio directory %s: %w", e.audioDir, err)
	}

	e.ctx, e.cancel = context.WithCancel(ctx)

	frames, err := e.source.Start(e.ctx)
	if err != nil {
		e.cancel()
		return fmt.Errorf("failed to start sampler: %w", err)
	}

	go e.loop(frames)

	e.logger.Info("Session engine started",
		slog.Int64("conversation_id", e.convID),
		slog.String("audio_dir", e.audioDir),
	)

	return nil
}

// Stop shuts the engine down and waits for the loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.source.Stop()
	e.player.Stop()
	<-e.done
	e.logger.Info("Session engine stopped")
}

func (e *Engine) loop(frames <-chan sampler.Frame) {
	defer close(e.done)

	for {
		select {
		case <-e.ctx.Done():
			return

		case frame, ok := <-frames:
			if !ok {
				frames = nil
				e.handleSamplerLoss()
				continue
			}
			e.handleFrame(frame)

		case ev := <-e.events:
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleEvent(ev event) {
	switch ev := ev.(type) {
	case partialEvent:
		e.handlePartial(ev)
	case transcriptionDoneEvent:
		e.handleTranscriptionDone(ev)
	case playbackEndedEvent:
		e.handlePlaybackEnded(ev)
	case commandEvent:
		e.handleCommand(ev)
	default:
		e.logger.Warn("Unknown event type", slog.String("type", fmt.Sprintf("%T", ev)))
	}
	e.updateSnapshot()
}

// handleFrame runs the per-frame pipeline: meter, capture, detector.
func (e *Engine) handleFrame(frame sampler.Frame) {
	reading := e.meter.Ingest(level.RawSample{
		Timestamp: frame.Timestamp,
		Amplitude: frame.RMS,
	})
	e.metrics.RecordFrame(reading.NormalizedPercent)

	if e.detector.State() == vad.StateRecording {
		if err := e.capture.Append(frame.PCM); err != nil {
			e.logger.Warn("Failed to buffer frame", slog.String("error", err.Error()))
		}
	}

	transition := e.detector.Observe(frame.Timestamp, reading.NormalizedPercent)
	e.applyTransition(transition, frame.Timestamp)
	e.updateSnapshot()
}

func (e *Engine) applyTransition(t vad.Transition, ts time.Time) {
	if t == vad.TransitionNone {
		return
	}
	e.metrics.RecordTransition(t.String())

	switch t {
	case vad.TransitionListening:
		e.notify(NoteState, "speech onset detected")

	case vad.TransitionRecording:
		e.beginUtterance(ts)

	case vad.TransitionFalseAlarm:
		e.metrics.RecordFalseAlarm()
		e.notify(NoteState, "onset was a false alarm")

	case vad.TransitionUtteranceEnded:
		e.endUtterance(ts)
	}
}

// beginUtterance opens the capture buffer and the streaming message.
// Failure on either side rolls the detector back to idle so the state,
// the capture, and the message stay in lockstep; the error is returned
// so command callers can report it.
func (e *Engine) beginUtterance(ts time.Time) error {
	if err := e.capture.Begin(ts); err != nil {
		e.logger.Error("Failed to begin capture", slog.String("error", err.Error()))
		e.detector.Cancel()
		return fmt.Errorf("failed to begin capture: %w", err)
	}

	msg, epoch, err := e.assembler.Begin(e.convID, userAuthorID)
	if err != nil {
		e.logger.Error("Failed to begin utterance", slog.String("error", err.Error()))
		e.capture.Discard()
		e.detector.Cancel()
		return fmt.Errorf("failed to begin utterance: %w", err)
	}

	e.inFlightEpoch = epoch
	e.notify(NoteState, fmt.Sprintf("recording message %d", msg.ID))
	return nil
}

// endUtterance closes the capture and hands the utterance to the
// transcription service. The detector stays in processing until the
// result comes back.
func (e *Engine) endUtterance(ts time.Time) error {
	utt, err := e.capture.End(ts)
	if err != nil {
		e.logger.Error("Failed to end capture", slog.String("error", err.Error()))
		if cerr := e.assembler.Cancel(e.inFlightEpoch); cerr != nil {
			e.logger.Warn("Failed to drop orphaned message", slog.String("error", cerr.Error()))
		}
		e.detector.Cancel()
		return fmt.Errorf("failed to end capture: %w", err)
	}

	e.metrics.RecordUtteranceEnded(utt.Duration().Seconds())

	msgID, _ := e.assembler.ActiveMessageID()
	e.inFlightRef = e.writeAudio(msgID, utt)
	e.dispatchTranscription(e.inFlightEpoch, utt)
	return nil
}

// writeAudio archives the utterance WAV for later replay. A write
// failure degrades the message to text-only rather than failing the
// utterance.
func (e *Engine) writeAudio(msgID conversation.MessageID, utt audio.Utterance) *conversation.AudioRef {
	if len(utt.Samples) == 0 {
		return nil
	}

	path := filepath.Join(e.audioDir, fmt.Sprintf("msg-%d.wav", msgID))
	if err := audio.WriteWAVFile(path, utt); err != nil {
		e.logger.Warn("Failed to write utterance audio",
			slog.Int64("message_id", int64(msgID)),
			slog.String("error", err.Error()),
		)
		return nil
	}

	return &conversation.AudioRef{
		Path:       path,
		SampleRate: utt.SampleRate,
		Duration:   utt.Duration(),
	}
}

func (e *Engine) dispatchTranscription(epoch uint64, utt audio.Utterance) {
	ctx, cancel := context.WithCancel(e.ctx)
	e.inFlight = true
	e.inFlightCancel = cancel
	e.metrics.RecordTranscriptionRequest()

	started := time.Now()
	go func() {
		result, err := e.transcriber.Transcribe(ctx, utt, func(seq uint64, text string) {
			e.post(partialEvent{epoch: epoch, seq: seq, text: text})
		})
		e.post(transcriptionDoneEvent{epoch: epoch, result: result, err: err, started: started})
	}()
}

func (e *Engine) handlePartial(ev partialEvent) {
	if !e.inFlight || ev.epoch != e.inFlightEpoch {
		e.metrics.RecordStaleResultDropped()
		return
	}

	if e.assembler.ApplyPartial(ev.epoch, ev.seq, ev.text) {
		e.metrics.RecordPartialApplied()
	} else {
		e.metrics.RecordStaleResultDropped()
	}
}

func (e *Engine) handleTranscriptionDone(ev transcriptionDoneEvent) {
	if !e.inFlight || ev.epoch != e.inFlightEpoch {
		// Result for a cancelled or superseded utterance.
		e.metrics.RecordStaleResultDropped()
		e.logger.Debug("Dropped stale transcription completion",
			slog.Uint64("epoch", ev.epoch),
		)
		return
	}

	e.inFlight = false
	if e.inFlightCancel != nil {
		e.inFlightCancel()
		e.inFlightCancel = nil
	}
	ref := e.inFlightRef
	e.inFlightRef = nil
	elapsed := time.Since(ev.started)

	if ev.err != nil {
		e.metrics.RecordTranscriptionFailure(elapsed.Seconds())
		msg, ferr := e.assembler.Fail(ev.epoch, ref)
		if ferr != nil {
			e.logger.Error("Failed to finalize after transcription failure",
				slog.String("error", ferr.Error()),
			)
		} else {
			e.archive(msg)
		}
		e.notify(NoteError, fmt.Sprintf("transcription failed: %v", ev.err))
	} else {
		e.metrics.RecordTranscriptionSuccess(elapsed.Seconds())
		msg, ferr := e.assembler.Finalize(ev.epoch, ev.result.Text, ev.result.Confidence, ref)
		if ferr != nil {
			e.logger.Error("Failed to finalize message",
				slog.String("error", ferr.Error()),
			)
		} else {
			e.archive(msg)
			e.notify(NoteMessage, fmt.Sprintf("message %d finalized", msg.ID))
		}
	}

	if err := e.detector.Complete(); err != nil {
		e.logger.Warn("Detector completion rejected", slog.String("error", err.Error()))
	}
	e.metrics.RecordTransition(vad.TransitionCompleted.String())
}

func (e *Engine) archive(msg conversation.Message) {
	if e.history == nil {
		return
	}
	if err := e.history.Archive(msg); err != nil {
		e.logger.Warn("Failed to archive message",
			slog.Int64("message_id", int64(msg.ID)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) handlePlaybackEnded(ev playbackEndedEvent) {
	switch ev.reason {
	case playback.EndCompleted:
		e.notify(NotePlayback, fmt.Sprintf("message %d finished playing", ev.id))
	case playback.EndStopped:
		e.notify(NotePlayback, fmt.Sprintf("message %d playback stopped", ev.id))
	case playback.EndFailed:
		e.metrics.RecordPlaybackFailure()
		e.notify(NoteError, fmt.Sprintf("playback of message %d failed: %v", ev.id, ev.err))
	}
}

func (e *Engine) handleCommand(ev commandEvent) {
	var err error

	switch ev.cmd {
	case cmdStartRecording:
		now := time.Now()
		if err = e.detector.StartRecording(now); err == nil {
			e.metrics.RecordTransition(vad.TransitionRecording.String())
			err = e.beginUtterance(now)
		}

	case cmdStopRecording:
		if err = e.detector.StopRecording(); err == nil {
			e.metrics.RecordTransition(vad.TransitionUtteranceEnded.String())
			err = e.endUtterance(time.Now())
		}

	case cmdCancel:
		e.cancelActive()

	case cmdRequestPlay:
		err = e.requestPlay(ev.messageID)

	case cmdSelectConversation:
		err = e.selectConversation(ev.convID)
	}

	ev.reply <- err
}

// cancelActive aborts whatever phase is in flight. From idle it is a
// no-op; a cancelled utterance leaves no message behind.
func (e *Engine) cancelActive() {
	switch e.detector.State() {
	case vad.StateIdle:
		return

	case vad.StateRecording:
		e.capture.Discard()
		if err := e.assembler.Cancel(e.inFlightEpoch); err != nil {
			e.logger.Warn("Failed to drop cancelled message", slog.String("error", err.Error()))
		}

	case vad.StateProcessing:
		if e.inFlight {
			e.inFlight = false
			if e.inFlightCancel != nil {
				e.inFlightCancel()
				e.inFlightCancel = nil
			}
			e.inFlightRef = nil
		}
		if err := e.assembler.Cancel(e.inFlightEpoch); err != nil {
			e.logger.Warn("Failed to drop cancelled message", slog.String("error", err.Error()))
		}
	}

	e.detector.Cancel()
	e.metrics.RecordTransition(vad.TransitionCancelled.String())
	e.notify(NoteState, "utterance cancelled")
}

func (e *Engine) requestPlay(id conversation.MessageID) error {
	msg, ok := e.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: unknown message %d", ErrPlaybackFailure, id)
	}

	wasSpeaking := e.player.IsSpeaking(id)
	if err := e.player.RequestPlay(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrPlaybackFailure, err)
	}
	if !wasSpeaking {
		e.metrics.RecordPlaybackStarted()
	}
	return nil
}

func (e *Engine) selectConversation(id int64) error {
	if state := e.detector.State(); state != vad.StateIdle {
		return fmt.Errorf("cannot switch conversations in state %s", state)
	}
	if !e.store.HasConversation(id) {
		return fmt.Errorf("unknown conversation %d", id)
	}

	e.convID = id
	e.notify(NoteState, fmt.Sprintf("switched to conversation %d", id))
	return nil
}

// handleSamplerLoss reacts to the frame channel closing: the meter
// freezes at its last reading and the detector receives no further
// observations. Commands and playback keep working.
func (e *Engine) handleSamplerLoss() {
	e.samplerHealthy = false

	err := e.source.Err()
	if err == nil {
		err = ErrSamplerUnavailable
	}
	e.logger.Error("Sampler stopped delivering frames", slog.String("error", err.Error()))
	e.notify(NoteError, "audio input unavailable")
	e.updateSnapshot()
}

func (e *Engine) updateSnapshot() {
	msgID, hasMsg := e.assembler.ActiveMessageID()
	speakingID, speaking := e.player.ActiveMessageID()

	snap := Snapshot{
		State:            e.detector.State().String(),
		Level:            e.meter.Current(),
		ConversationID:   e.convID,
		HasActiveMessage: hasMsg,
		IsSpeaking:       speaking,
		SamplerHealthy:   e.samplerHealthy,
	}
	if hasMsg {
		snap.ActiveMessageID = int64(msgID)
	}
	if speaking {
		snap.SpeakingMessageID = int64(speakingID)
	}

	e.snapMu.Lock()
	e.snap = snap
	e.snapMu.Unlock()
}

// post delivers an event to the loop without blocking forever on a
// stopped engine.
func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.ctx.Done():
	}
}

func (e *Engine) notify(kind NotificationKind, text string) {
	note := Notification{Kind: kind, Text: text, Timestamp: time.Now()}
	select {
	case e.notifications <- note:
	default:
		// Feed full; the engine never blocks on slow readers.
	}
}

// do runs one user command on the loop and waits for its result.
func (e *Engine) do(ev commandEvent) error {
	ev.reply = make(chan error, 1)

	select {
	case e.events <- ev:
	case <-e.ctx.Done():
		return ErrStopped
	}

	select {
	case err := <-ev.reply:
		return err
	case <-e.ctx.Done():
		return ErrStopped
	}
}

// StartRecording is the user override that begins an utterance
// immediately, bypassing onset detection.
func (e *Engine) StartRecording() error {
	return e.do(commandEvent{cmd: cmdStartRecording})
}

// StopRecording ends the current utterance immediately, bypassing the
// silence window.
func (e *Engine) StopRecording() error {
	return e.do(commandEvent{cmd: cmdStopRecording})
}

// Cancel aborts the in-flight utterance, if any. No message is kept.
func (e *Engine) Cancel() error {
	return e.do(commandEvent{cmd: cmdCancel})
}

// RequestPlay toggles playback of the given message.
func (e *Engine) RequestPlay(id conversation.MessageID) error {
	return e.do(commandEvent{cmd: cmdRequestPlay, messageID: id})
}

// SelectConversation switches the conversation new utterances go to.
// Only valid while idle.
func (e *Engine) SelectConversation(id int64) error {
	return e.do(commandEvent{cmd: cmdSelectConversation, convID: id})
}

// NewConversation creates an empty conversation and returns its id.
func (e *Engine) NewConversation() int64 {
	return e.store.CreateConversation()
}

// Snapshot returns the current UI view of the session.
func (e *Engine) Snapshot() Snapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap
}

// Messages returns the messages of the current conversation.
func (e *Engine) Messages() []conversation.Message {
	return e.store.Messages(e.Snapshot().ConversationID)
}

// Store exposes the conversation store for read-side handlers.
func (e *Engine) Store() *conversation.Store {
	return e.store
}

// Notifications returns the UI notification feed.
func (e *Engine) Notifications() <-chan Notification {
	return e.notifications
}
