package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/voxloop/voice-engine/internal/audio"
	"github.com/voxloop/voice-engine/internal/config"
)

// ErrFailed marks a transcription that exhausted its retries or whose
// service connection broke.
var ErrFailed = errors.New("transcription failure")

// Result is one transcription outcome for an utterance.
type Result struct {
	RequestID  string  `json:"request_id"`
	Seq        uint64  `json:"seq"`
	Text       string  `json:"text"`
	Final      bool    `json:"final"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
}

// PartialFunc receives interim hypotheses in sequence order.
type PartialFunc func(seq uint64, text string)

// Transcriber converts a finished utterance into text. Implementations
// call onPartial zero or more times before returning the final result.
type Transcriber interface {
	Transcribe(ctx context.Context, utt audio.Utterance, onPartial PartialFunc) (Result, error)
}

// New builds the transcriber named by the configuration mode.
func New(cfg *config.TranscriptionConfig, logger *slog.Logger) (Transcriber, error) {
	switch cfg.Mode {
	case "batch":
		return NewClient(cfg, logger)
	case "stream":
		return NewStreamClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown transcription mode %q", cfg.Mode)
	}
}
