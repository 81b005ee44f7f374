package transcript

import (
	"io"
	"log/slog"
	"testing"

	"github.com/voxloop/voice-engine/internal/conversation"
)

func newTestAssembler(t *testing.T) (*Assembler, *conversation.Store, int64) {
	t.Helper()

	store := conversation.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAssembler(store, logger), store, store.Conversations()[0]
}

func TestBeginCreatesStreamingMessage(t *testing.T) {
	a, store, convID := newTestAssembler(t)

	msg, epoch, err := a.Begin(convID, "user-1")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if epoch != 1 {
		t.Errorf("Expected first epoch 1, got %d", epoch)
	}

	got, ok := store.Get(msg.ID)
	if !ok || !got.IsStreaming || got.Text != "" {
		t.Errorf("Expected empty streaming message in store, got %+v", got)
	}

	if _, _, err := a.Begin(convID, "user-1"); err == nil {
		t.Error("Expected error beginning a second utterance")
	}
}

func TestApplyPartialGrowsText(t *testing.T) {
	a, store, convID := newTestAssembler(t)
	msg, epoch, _ := a.Begin(convID, "user-1")

	if !a.ApplyPartial(epoch, 1, "hel") {
		t.Error("Expected partial 1 to apply")
	}
	if !a.ApplyPartial(epoch, 2, "hello") {
		t.Error("Expected partial 2 to apply")
	}

	got, _ := store.Get(msg.ID)
	if got.Text != "hello" {
		t.Errorf("Expected text 'hello', got %q", got.Text)
	}
}

func TestOutOfOrderPartialIsDropped(t *testing.T) {
	a, store, convID := newTestAssembler(t)
	msg, epoch, _ := a.Begin(convID, "user-1")

	a.ApplyPartial(epoch, 2, "hello wor")

	// A late, shorter partial must never shrink the visible text.
	if a.ApplyPartial(epoch, 1, "hel") {
		t.Error("Expected stale partial to be dropped")
	}

	got, _ := store.Get(msg.ID)
	if got.Text != "hello wor" {
		t.Errorf("Expected text preserved, got %q", got.Text)
	}

	if a.StaleDropped() != 1 {
		t.Errorf("Expected 1 stale drop recorded, got %d", a.StaleDropped())
	}
}

func TestDuplicatePartialIsNoOp(t *testing.T) {
	a, store, convID := newTestAssembler(t)
	msg, epoch, _ := a.Begin(convID, "user-1")

	a.ApplyPartial(epoch, 1, "hello")
	if a.ApplyPartial(epoch, 1, "hello again") {
		t.Error("Expected duplicate sequence to be dropped")
	}

	got, _ := store.Get(msg.ID)
	if got.Text != "hello" {
		t.Errorf("Expected first text preserved, got %q", got.Text)
	}
}

func TestWrongEpochPartialIsDropped(t *testing.T) {
	a, _, convID := newTestAssembler(t)
	_, epoch, _ := a.Begin(convID, "user-1")

	if a.ApplyPartial(epoch+1, 1, "future") {
		t.Error("Expected wrong-epoch partial to be dropped")
	}

	if a.ApplyPartial(epoch-1, 1, "past") {
		t.Error("Expected stale-epoch partial to be dropped")
	}
}

func TestFinalize(t *testing.T) {
	a, store, convID := newTestAssembler(t)
	msg, epoch, _ := a.Begin(convID, "user-1")
	a.ApplyPartial(epoch, 1, "hel")

	final, err := a.Finalize(epoch, "hello world", 0.95, nil)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if final.IsStreaming {
		t.Error("Expected finalized message to not be streaming")
	}
	if final.Text != "hello world" {
		t.Errorf("Expected final text, got %q", final.Text)
	}

	got, _ := store.Get(msg.ID)
	if got.IsStreaming || got.Text != "hello world" {
		t.Errorf("Expected store updated, got %+v", got)
	}

	if _, ok := a.ActiveMessageID(); ok {
		t.Error("Expected no active utterance after finalize")
	}
}

func TestFailFinalizesWithPartialText(t *testing.T) {
	// Service failure after partial "hel" streamed: the message must be
	// finalized with the accumulated text, never left dangling.
	a, store, convID := newTestAssembler(t)
	msg, epoch, _ := a.Begin(convID, "user-1")
	a.ApplyPartial(epoch, 1, "hel")

	final, err := a.Fail(epoch, nil)
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	if final.Text != "hel" {
		t.Errorf("Expected partial text 'hel', got %q", final.Text)
	}
	if final.IsStreaming {
		t.Error("Expected message finalized after failure")
	}

	got, _ := store.Get(msg.ID)
	if got.IsStreaming {
		t.Error("Expected store message finalized")
	}
}

func TestFailWithNoPartialsFinalizesEmpty(t *testing.T) {
	a, _, convID := newTestAssembler(t)
	_, epoch, _ := a.Begin(convID, "user-1")

	final, err := a.Fail(epoch, nil)
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	if final.Text != "" || final.IsStreaming {
		t.Errorf("Expected empty finalized message, got %+v", final)
	}
}

func TestCancelRemovesMessage(t *testing.T) {
	a, store, convID := newTestAssembler(t)
	msg, epoch, _ := a.Begin(convID, "user-1")
	a.ApplyPartial(epoch, 1, "discarded")

	if err := a.Cancel(epoch); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if _, ok := store.Get(msg.ID); ok {
		t.Error("Expected cancelled message removed from store")
	}

	if store.Len(convID) != 0 {
		t.Errorf("Expected empty conversation, got %d messages", store.Len(convID))
	}
}

func TestLateResultsAfterCancelAreDropped(t *testing.T) {
	a, store, convID := newTestAssembler(t)
	_, epoch, _ := a.Begin(convID, "user-1")
	a.Cancel(epoch)

	if a.ApplyPartial(epoch, 1, "late partial") {
		t.Error("Expected late partial for cancelled epoch to be dropped")
	}

	if _, err := a.Finalize(epoch, "late final", 1, nil); err == nil {
		t.Error("Expected late final for cancelled epoch to be rejected")
	}

	if store.Len(convID) != 0 {
		t.Error("Expected conversation to stay empty")
	}
}

func TestEpochAdvancesAcrossUtterances(t *testing.T) {
	a, _, convID := newTestAssembler(t)

	_, e1, _ := a.Begin(convID, "user-1")
	a.Finalize(e1, "first", 1, nil)

	_, e2, _ := a.Begin(convID, "user-1")
	if e2 <= e1 {
		t.Errorf("Expected epoch to advance, got %d after %d", e2, e1)
	}

	// Results from the first utterance no longer apply.
	if a.ApplyPartial(e1, 5, "stale") {
		t.Error("Expected old-epoch partial to be dropped")
	}
	a.Finalize(e2, "second", 1, nil)
}
