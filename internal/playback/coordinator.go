package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxloop/voice-engine/internal/conversation"
)

// Device is the playback device boundary. Play blocks until the audio
// finishes, the context is cancelled, or the device fails.
type Device interface {
	Play(ctx context.Context, ref conversation.AudioRef) error
}

// EndReason describes why a playback ended.
type EndReason int

const (
	// EndCompleted means the audio played to the end.
	EndCompleted EndReason = iota
	// EndStopped means the user or an implicit stop cancelled it.
	EndStopped
	// EndFailed means the device reported an error.
	EndFailed
)

// Coordinator enforces the single-active-playback invariant: at most one
// message's audio is playing at any instant. Requests use toggle
// semantics, and starting a new message implicitly stops the current one.
type Coordinator struct {
	device Device
	logger *slog.Logger

	// onEnded, if set, is invoked after playback ends for any reason.
	// Called outside the coordinator lock.
	onEnded func(id conversation.MessageID, reason EndReason, err error)

	mu           sync.Mutex
	activeID     conversation.MessageID
	active       bool
	generation   uint64
	cancelActive context.CancelFunc
	staleDropped uint64
}

// NewCoordinator creates a coordinator over the given device.
func NewCoordinator(device Device, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		device: device,
		logger: logger,
	}
}

// SetEndedHook registers a callback for playback completion. Must be set
// before the first RequestPlay.
func (c *Coordinator) SetEndedHook(fn func(id conversation.MessageID, reason EndReason, err error)) {
	c.onEnded = fn
}

// RequestPlay starts, stops, or switches playback and returns immediately.
//
// Requesting the currently playing message stops it (toggle). Requesting
// a different message while one is playing stops the current one first,
// then starts the new one. Completion is delivered asynchronously through
// the ended hook.
func (c *Coordinator) RequestPlay(msg conversation.Message) error {
	if msg.IsStreaming {
		return fmt.Errorf("message %d is still streaming", msg.ID)
	}

	if msg.Audio == nil {
		return fmt.Errorf("message %d has no audio", msg.ID)
	}

	c.mu.Lock()

	if c.active && c.activeID == msg.ID {
		// Toggle: tapping the active speaker silences it.
		cancel := c.cancelActive
		c.mu.Unlock()
		cancel()
		return nil
	}

	if c.active {
		// Implicit stop of the previous message.
		c.logger.Debug("Implicitly stopping playback",
			slog.Int64("message_id", int64(c.activeID)),
			slog.Int64("next_message_id", int64(msg.ID)),
		)
		c.cancelActive()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.generation++
	gen := c.generation
	c.activeID = msg.ID
	c.active = true
	c.cancelActive = cancel
	audio := *msg.Audio
	c.mu.Unlock()

	go func() {
		err := c.device.Play(ctx, audio)

		reason := EndCompleted
		if ctx.Err() != nil {
			reason = EndStopped
			err = nil
		} else if err != nil {
			reason = EndFailed
		}

		c.playbackEnded(msg.ID, gen, reason, err)
	}()

	return nil
}

// Stop stops whatever is playing, if anything.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	cancel := c.cancelActive
	c.mu.Unlock()
	cancel()
}

// playbackEnded clears the active state if the completion still refers to
// the current playback. A late completion from a superseded request is
// counted and otherwise ignored.
func (c *Coordinator) playbackEnded(id conversation.MessageID, gen uint64, reason EndReason, err error) {
	c.mu.Lock()

	if !c.active || c.activeID != id || c.generation != gen {
		c.staleDropped++
		c.logger.Debug("Dropped stale playback completion",
			slog.Int64("message_id", int64(id)),
			slog.Uint64("generation", gen),
		)
		c.mu.Unlock()
		return
	}

	c.active = false
	c.activeID = 0
	c.cancelActive = nil
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("Playback failed",
			slog.Int64("message_id", int64(id)),
			slog.String("error", err.Error()),
		)
	}

	if c.onEnded != nil {
		c.onEnded(id, reason, err)
	}
}

// ActiveMessageID returns the id of the playing message, if any.
func (c *Coordinator) ActiveMessageID() (conversation.MessageID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID, c.active
}

// IsSpeaking reports whether the given message is the one playing. This
// is the UI-visible "is this bubble speaking" flag.
func (c *Coordinator) IsSpeaking(id conversation.MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && c.activeID == id
}

// StaleDropped returns how many stale completions have been ignored.
func (c *Coordinator) StaleDropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staleDropped
}
