package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxloop/voice-engine/internal/audio"
	"github.com/voxloop/voice-engine/internal/config"
)

// Client uploads finished utterances to the transcription service over
// HTTP. Batch mode produces no partials; the whole transcript arrives
// with the response.
type Client struct {
	cfg        *config.TranscriptionConfig
	logger     *slog.Logger
	httpClient *http.Client

	mu              sync.Mutex
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration
}

// ClientStats represents transcription client statistics.
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// statusError carries the HTTP status so retry classification does not
// have to parse error strings.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// NewClient creates a batch transcription client.
func NewClient(cfg *config.TranscriptionConfig, logger *slog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	httpClient := &http.Client{
		Timeout: cfg.GetTimeoutDuration(),
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		cfg:        cfg,
		logger:     logger,
		httpClient: httpClient,
	}, nil
}

// Transcribe uploads the utterance and returns the final transcript.
// Retries use exponential backoff; onPartial is never called in batch
// mode.
func (c *Client) Transcribe(ctx context.Context, utt audio.Utterance, onPartial PartialFunc) (Result, error) {
	requestID := uuid.New().String()
	start := time.Now()
	c.count(func() { c.totalRequests++ })

	wav, err := audio.EncodeWAV(utt.Samples, utt.SampleRate)
	if err != nil {
		c.count(func() { c.failedRequests++ })
		return Result{}, fmt.Errorf("%w: encoding utterance: %v", ErrFailed, err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.count(func() { c.totalRetries++ })

			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				c.count(func() { c.failedRequests++ })
				return Result{}, fmt.Errorf("%w: %v", ErrFailed, ctx.Err())
			}
		}

		result, err := c.doRequest(ctx, requestID, wav, utt)
		if err == nil {
			elapsed := time.Since(start)
			c.count(func() {
				c.successRequests++
				if c.avgResponseTime == 0 {
					c.avgResponseTime = elapsed
				} else {
					c.avgResponseTime = (c.avgResponseTime + elapsed) / 2
				}
			})
			return result, nil
		}

		lastErr = err
		if !isRetryable(err) {
			break
		}

		c.logger.Warn("Transcription attempt failed",
			slog.String("request_id", requestID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	c.count(func() { c.failedRequests++ })
	return Result{}, fmt.Errorf("%w: after %d attempts: %v", ErrFailed, c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) doRequest(ctx context.Context, requestID string, wav []byte, utt audio.Utterance) (Result, error) {
	body, contentType, err := c.multipartBody(requestID, wav, utt)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Result{}, fmt.Errorf("failed to parse response: %w", err)
	}

	result.RequestID = requestID
	result.Final = true
	return result, nil
}

func (c *Client) multipartBody(requestID string, wav []byte, utt audio.Utterance) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fw, err := writer.CreateFormFile("file", requestID+".wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, "", fmt.Errorf("failed to write audio: %w", err)
	}

	fields := map[string]string{
		"request_id":  requestID,
		"sample_rate": fmt.Sprintf("%d", utt.SampleRate),
		"duration":    fmt.Sprintf("%.3f", utt.Duration().Seconds()),
		"started_at":  utt.StartedAt.Format(time.RFC3339),
	}
	if c.cfg.Language != "" {
		fields["language"] = c.cfg.Language
	}
	if c.cfg.Model != "" {
		fields["model"] = c.cfg.Model
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryable reports whether an attempt is worth repeating. Server
// errors and rate limits are; client errors are not.
func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}

	// Transport-level failures (refused, reset, timeout) surface as
	// non-status errors.
	return true
}

func (c *Client) count(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// GetStats returns current client statistics.
func (c *Client) GetStats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
	}
}
