package transcript

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxloop/voice-engine/internal/conversation"
)

// Assembler accumulates partial transcription results into the currently
// active streaming message and finalizes it into an immutable message when
// the utterance completes.
//
// Every utterance is tagged with an epoch. Results carrying a stale epoch
// (from a cancelled or superseded utterance) are dropped silently; message
// identity alone is not enough, since identifiers could in principle be
// reused.
type Assembler struct {
	store  *conversation.Store
	logger *slog.Logger

	mu           sync.Mutex
	active       bool
	msgID        conversation.MessageID
	epoch        uint64
	lastSeq      uint64
	text         string
	staleDropped uint64
}

// NewAssembler creates an assembler writing into the given store.
func NewAssembler(store *conversation.Store, logger *slog.Logger) *Assembler {
	return &Assembler{
		store:  store,
		logger: logger,
	}
}

// Begin creates a new streaming message for an utterance and returns the
// message and the epoch that guards its results. Only one utterance can
// be active at a time.
func (a *Assembler) Begin(convID int64, authorID string) (conversation.Message, uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active {
		return conversation.Message{}, 0, fmt.Errorf("utterance already active (message %d)", a.msgID)
	}

	msg, err := a.store.AppendStreaming(convID, authorID)
	if err != nil {
		return conversation.Message{}, 0, fmt.Errorf("failed to create streaming message: %w", err)
	}

	a.epoch++
	a.active = true
	a.msgID = msg.ID
	a.lastSeq = 0
	a.text = ""

	a.logger.Debug("Utterance started",
		slog.Uint64("epoch", a.epoch),
		slog.Int64("message_id", int64(msg.ID)),
	)

	return msg, a.epoch, nil
}

// ApplyPartial applies one partial result to the active message. Partials
// are ordered by sequence number; a stale or duplicate sequence is a
// no-op, so the visible text never regresses. Returns true if applied.
func (a *Assembler) ApplyPartial(epoch, seq uint64, text string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active || epoch != a.epoch {
		a.dropStaleLocked("partial", epoch, seq)
		return false
	}

	if seq <= a.lastSeq {
		a.dropStaleLocked("partial", epoch, seq)
		return false
	}

	a.lastSeq = seq
	a.text = text

	if err := a.store.SetText(a.msgID, text); err != nil {
		a.logger.Warn("Failed to update streaming message",
			slog.Int64("message_id", int64(a.msgID)),
			slog.String("error", err.Error()),
		)
		return false
	}

	return true
}

// Finalize sets the definitive text and ends the utterance. The returned
// message is the immutable finalized form.
func (a *Assembler) Finalize(epoch uint64, text string, confidence float64, audio *conversation.AudioRef) (conversation.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active || epoch != a.epoch {
		a.dropStaleLocked("final", epoch, 0)
		return conversation.Message{}, fmt.Errorf("no active utterance for epoch %d", epoch)
	}

	if err := a.store.Finalize(a.msgID, text, confidence, audio); err != nil {
		return conversation.Message{}, fmt.Errorf("failed to finalize message %d: %w", a.msgID, err)
	}

	msg, _ := a.store.Get(a.msgID)
	a.endLocked()
	return msg, nil
}

// Fail ends the utterance after a transcription failure. The message is
// finalized with whatever partial text accumulated (possibly empty) so it
// is never left dangling in the streaming state.
func (a *Assembler) Fail(epoch uint64, audio *conversation.AudioRef) (conversation.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active || epoch != a.epoch {
		a.dropStaleLocked("failure", epoch, 0)
		return conversation.Message{}, fmt.Errorf("no active utterance for epoch %d", epoch)
	}

	if err := a.store.Finalize(a.msgID, a.text, 0, audio); err != nil {
		return conversation.Message{}, fmt.Errorf("failed to finalize message %d: %w", a.msgID, err)
	}

	msg, _ := a.store.Get(a.msgID)
	a.endLocked()
	return msg, nil
}

// Cancel discards the active utterance entirely: the streaming message is
// removed from the store, not rendered. Late results for the cancelled
// epoch will be dropped as stale.
func (a *Assembler) Cancel(epoch uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active || epoch != a.epoch {
		return fmt.Errorf("no active utterance for epoch %d", epoch)
	}

	if err := a.store.Remove(a.msgID); err != nil {
		return fmt.Errorf("failed to remove cancelled message %d: %w", a.msgID, err)
	}

	a.logger.Debug("Utterance cancelled",
		slog.Uint64("epoch", a.epoch),
		slog.Int64("message_id", int64(a.msgID)),
	)

	a.endLocked()
	return nil
}

// ActiveMessageID returns the streaming message id, if an utterance is
// active.
func (a *Assembler) ActiveMessageID() (conversation.MessageID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.msgID, a.active
}

// CurrentEpoch returns the epoch of the active utterance, or the last
// used epoch when none is active.
func (a *Assembler) CurrentEpoch() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch
}

// StaleDropped returns how many stale results have been dropped. Exposed
// for diagnostics and test verification; the drops themselves are silent.
func (a *Assembler) StaleDropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.staleDropped
}

func (a *Assembler) endLocked() {
	a.active = false
	a.lastSeq = 0
	a.text = ""
}

func (a *Assembler) dropStaleLocked(kind string, epoch, seq uint64) {
	a.staleDropped++
	a.logger.Debug("Dropped stale transcription result",
		slog.String("kind", kind),
		slog.Uint64("result_epoch", epoch),
		slog.Uint64("current_epoch", a.epoch),
		slog.Uint64("seq", seq),
	)
}
