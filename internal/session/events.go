package session

import (
	"time"

	"github.com/voxloop/voice-engine/internal/conversation"
	"github.com/voxloop/voice-engine/internal/playback"
	"github.com/voxloop/voice-engine/internal/transcription"
)

// event is anything the engine loop consumes besides sampler frames.
// Every mutation of session state happens on the loop, in arrival
// order.
type event interface{}

type partialEvent struct {
	epoch uint64
	seq   uint64
	text  string
}

type transcriptionDoneEvent struct {
	epoch   uint64
	result  transcription.Result
	err     error
	started time.Time
}

type playbackEndedEvent struct {
	id     conversation.MessageID
	reason playback.EndReason
	err    error
}

// command identifies a user-initiated operation.
type command int

const (
	cmdStartRecording command = iota
	cmdStopRecording
	cmdCancel
	cmdRequestPlay
	cmdSelectConversation
)

type commandEvent struct {
	cmd       command
	messageID conversation.MessageID
	convID    int64
	reply     chan error
}

// NotificationKind labels entries on the notification feed.
type NotificationKind string

const (
	NoteState    NotificationKind = "state"
	NoteMessage  NotificationKind = "message"
	NotePlayback NotificationKind = "playback"
	NoteError    NotificationKind = "error"
)

// Notification is one entry on the UI notification feed. Delivery is
// best-effort: when the feed buffer is full, entries are dropped rather
// than stalling the engine loop.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	Text      string           `json:"text"`
	Timestamp time.Time        `json:"timestamp"`
}
