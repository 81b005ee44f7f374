package transcription

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxloop/voice-engine/internal/audio"
	"github.com/voxloop/voice-engine/internal/config"
)

// streamChunkSamples is how many PCM samples go into each binary
// WebSocket message (200ms at 16kHz).
const streamChunkSamples = 3200

// StreamClient streams an utterance to the transcription service over
// WebSocket and relays partial hypotheses as they arrive.
type StreamClient struct {
	cfg    *config.TranscriptionConfig
	logger *slog.Logger
	dialer *websocket.Dialer
}

// streamStart opens a transcription session on the socket.
type streamStart struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id"`
	SampleRate int    `json:"sample_rate"`
	Language   string `json:"language,omitempty"`
	Model      string `json:"model,omitempty"`
}

// streamMessage is every JSON frame the service sends back.
type streamMessage struct {
	Type       string  `json:"type"` // "partial", "final" or "error"
	Seq        uint64  `json:"seq"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// NewStreamClient creates a streaming transcription client.
func NewStreamClient(cfg *config.TranscriptionConfig, logger *slog.Logger) (*StreamClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	return &StreamClient{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

// Transcribe streams the utterance audio and blocks until the final
// result, the context is cancelled, or the connection breaks.
func (s *StreamClient) Transcribe(ctx context.Context, utt audio.Utterance, onPartial PartialFunc) (Result, error) {
	requestID := uuid.New().String()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	conn, _, err := s.dialer.DialContext(ctx, s.cfg.Endpoint, header)
	if err != nil {
		return Result{}, fmt.Errorf("%w: connecting to %s: %v", ErrFailed, s.cfg.Endpoint, err)
	}
	defer conn.Close()

	// Unblock reads when the caller gives up.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	start := streamStart{
		Type:       "start",
		RequestID:  requestID,
		SampleRate: utt.SampleRate,
		Language:   s.cfg.Language,
		Model:      s.cfg.Model,
	}
	if err := conn.WriteJSON(start); err != nil {
		return Result{}, fmt.Errorf("%w: sending start: %v", ErrFailed, err)
	}

	if err := s.sendAudio(conn, utt.Samples); err != nil {
		return Result{}, err
	}

	if err := conn.WriteJSON(map[string]string{"type": "end"}); err != nil {
		return Result{}, fmt.Errorf("%w: sending end: %v", ErrFailed, err)
	}

	return s.readResults(ctx, conn, requestID, onPartial)
}

func (s *StreamClient) sendAudio(conn *websocket.Conn, samples []int16) error {
	for offset := 0; offset < len(samples); offset += streamChunkSamples {
		end := offset + streamChunkSamples
		if end > len(samples) {
			end = len(samples)
		}

		chunk := samples[offset:end]
		payload := make([]byte, len(chunk)*2)
		for i, sample := range chunk {
			binary.LittleEndian.PutUint16(payload[i*2:], uint16(sample))
		}

		if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			return fmt.Errorf("%w: sending audio: %v", ErrFailed, err)
		}
	}
	return nil
}

func (s *StreamClient) readResults(ctx context.Context, conn *websocket.Conn, requestID string, onPartial PartialFunc) (Result, error) {
	deadline := time.Now().Add(s.cfg.GetTimeoutDuration())
	conn.SetReadDeadline(deadline)

	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("%w: %v", ErrFailed, ctx.Err())
			}
			return Result{}, fmt.Errorf("%w: reading results: %v", ErrFailed, err)
		}

		switch msg.Type {
		case "partial":
			if onPartial != nil {
				onPartial(msg.Seq, msg.Text)
			}

		case "final":
			s.logger.Debug("Streaming transcription finished",
				slog.String("request_id", requestID),
				slog.Uint64("seq", msg.Seq),
				slog.Float64("confidence", msg.Confidence),
			)
			return Result{
				RequestID:  requestID,
				Seq:        msg.Seq,
				Text:       msg.Text,
				Final:      true,
				Confidence: msg.Confidence,
				Language:   msg.Language,
			}, nil

		case "error":
			return Result{}, fmt.Errorf("%w: service error: %s", ErrFailed, msg.Error)

		default:
			s.logger.Warn("Unknown streaming message type",
				slog.String("request_id", requestID),
				slog.String("type", msg.Type),
			)
		}
	}
}
