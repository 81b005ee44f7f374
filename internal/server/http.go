package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxloop/voice-engine/internal/config"
	"github.com/voxloop/voice-engine/internal/conversation"
	"github.com/voxloop/voice-engine/internal/metrics"
	"github.com/voxloop/voice-engine/internal/session"
)

// HTTPServer is the UI boundary. Every mutating route turns into one
// engine command; reads come from the engine snapshot and the store.
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	engine  *session.Engine
	history *conversation.History
	metrics *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates the UI HTTP server.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, engine *session.Engine, history *conversation.History, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		engine:    engine,
		history:   history,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the route tree, for tests and embedding.
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures the HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/state", h.withMetrics("/state", h.handleState))

	mux.HandleFunc("/record/start", h.withMetrics("/record/start", h.handleRecordStart))
	mux.HandleFunc("/record/stop", h.withMetrics("/record/stop", h.handleRecordStop))
	mux.HandleFunc("/record/cancel", h.withMetrics("/record/cancel", h.handleRecordCancel))

	mux.HandleFunc("/messages", h.withMetrics("/messages", h.handleMessages))
	mux.HandleFunc("/messages/", h.withMetrics("/messages/{id}/play", h.handleMessagePlay))

	mux.HandleFunc("/conversations", h.withMetrics("/conversations", h.handleConversations))
	mux.HandleFunc("/conversations/", h.withMetrics("/conversations/{id}/select", h.handleConversationSelect))

	mux.HandleFunc("/history", h.withMetrics("/history", h.handleHistory))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps a handler with request metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")
	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := h.engine.Snapshot()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"timestamp":       time.Now().UTC(),
		"uptime":          time.Since(h.startTime).String(),
		"state":           snap.State,
		"sampler_healthy": snap.SamplerHealthy,
	})
}

// handleState implements the /state endpoint: the full session
// snapshot the UI polls for the meter and the speaking flags.
func (h *HTTPServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

// handleRecordStart implements POST /record/start
func (h *HTTPServer) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	h.runCommand(w, r, h.engine.StartRecording)
}

// handleRecordStop implements POST /record/stop
func (h *HTTPServer) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	h.runCommand(w, r, h.engine.StopRecording)
}

// handleRecordCancel implements POST /record/cancel
func (h *HTTPServer) handleRecordCancel(w http.ResponseWriter, r *http.Request) {
	h.runCommand(w, r, h.engine.Cancel)
}

// runCommand executes one engine command and returns the resulting
// snapshot. Command rejections (wrong state) map to 409.
func (h *HTTPServer) runCommand(w http.ResponseWriter, r *http.Request, cmd func() error) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := cmd(); err != nil {
		h.writeJSON(w, http.StatusConflict, map[string]any{
			"error": err.Error(),
			"state": h.engine.Snapshot().State,
		})
		return
	}

	h.writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

// handleMessages implements GET /messages for the current (or an
// explicit) conversation.
func (h *HTTPServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID := h.engine.Snapshot().ConversationID
	if raw := r.URL.Query().Get("conversation_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "Invalid conversation id", http.StatusBadRequest)
			return
		}
		if !h.engine.Store().HasConversation(id) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		convID = id
	}

	msgs := h.engine.Store().Messages(convID)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": convID,
		"count":           len(msgs),
		"messages":        msgs,
	})
}

// handleMessagePlay implements POST /messages/{id}/play with toggle
// semantics.
func (h *HTTPServer) handleMessagePlay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/messages/")
	idStr, ok := strings.CutSuffix(rest, "/play")
	if !ok || idStr == "" {
		http.Error(w, "Expected /messages/{id}/play", http.StatusBadRequest)
		return
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "Invalid message id", http.StatusBadRequest)
		return
	}

	if err := h.engine.RequestPlay(conversation.MessageID(id)); err != nil {
		h.writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

// handleConversations implements GET (list) and POST (create) on
// /conversations.
func (h *HTTPServer) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ids := h.engine.Store().Conversations()
		h.writeJSON(w, http.StatusOK, map[string]any{
			"current":       h.engine.Snapshot().ConversationID,
			"conversations": ids,
		})

	case http.MethodPost:
		id := h.engine.NewConversation()
		h.writeJSON(w, http.StatusCreated, map[string]any{"conversation_id": id})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleConversationSelect implements POST /conversations/{id}/select
func (h *HTTPServer) handleConversationSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/conversations/")
	idStr, ok := strings.CutSuffix(rest, "/select")
	if !ok || idStr == "" {
		http.Error(w, "Expected /conversations/{id}/select", http.StatusBadRequest)
		return
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "Invalid conversation id", http.StatusBadRequest)
		return
	}

	if err := h.engine.SelectConversation(id); err != nil {
		h.writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

// handleHistory implements GET /history: archived messages from the
// SQLite store, oldest first.
func (h *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.history == nil {
		http.Error(w, "History disabled", http.StatusNotFound)
		return
	}

	convID := h.engine.Snapshot().ConversationID
	if raw := r.URL.Query().Get("conversation_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "Invalid conversation id", http.StatusBadRequest)
			return
		}
		convID = id
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	msgs, err := h.history.Recent(convID, limit)
	if err != nil {
		h.logger.Error("History query failed", slog.String("error", err.Error()))
		http.Error(w, "History query failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": convID,
		"count":           len(msgs),
		"messages":        msgs,
	})
}

// handleStats implements GET /stats: coarse service statistics for
// dashboards that do not scrape Prometheus.
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	store := h.engine.Store()
	convIDs := store.Conversations()
	messages := 0
	for _, id := range convIDs {
		messages += store.Len(id)
	}

	stats := map[string]any{
		"uptime":        time.Since(h.startTime).String(),
		"state":         h.engine.Snapshot().State,
		"conversations": len(convIDs),
		"messages":      messages,
	}
	if h.history != nil {
		if n, err := h.history.Count(); err == nil {
			stats["archived_messages"] = n
		}
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Sanitized: the transcription API key is intentionally omitted.
	h.writeJSON(w, http.StatusOK, map[string]any{
		"sampler": map[string]any{
			"source":         h.config.Sampler.Source,
			"sample_rate":    h.config.Sampler.SampleRate,
			"frame_duration": h.config.Sampler.FrameDuration,
		},
		"level": map[string]any{
			"attack_factor":  h.config.Level.AttackFactor,
			"release_factor": h.config.Level.ReleaseFactor,
			"peak_hold":      h.config.Level.PeakHold,
		},
		"vad": map[string]any{
			"onset_percent":        h.config.VAD.OnsetPercent,
			"silence_percent":      h.config.VAD.SilencePercent,
			"onset_samples":        h.config.VAD.OnsetSamples,
			"min_speech_duration":  h.config.VAD.MinSpeechDuration,
			"min_silence_duration": h.config.VAD.MinSilenceDuration,
			"max_utterance":        h.config.VAD.MaxUtterance,
		},
		"transcription": map[string]any{
			"mode":        h.config.Transcription.Mode,
			"endpoint":    h.config.Transcription.Endpoint,
			"language":    h.config.Transcription.Language,
			"model":       h.config.Transcription.Model,
			"timeout":     h.config.Transcription.Timeout,
			"max_retries": h.config.Transcription.MaxRetries,
		},
		"history": map[string]any{
			"enabled": h.config.History.Enabled,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
		},
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"service": "voice-engine",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"GET /":                           "API documentation",
			"GET /health":                     "Service health check",
			"GET /state":                      "Session snapshot (state, loudness, speaking flags)",
			"POST /record/start":              "Begin recording immediately",
			"POST /record/stop":               "End the current utterance",
			"POST /record/cancel":             "Discard the in-flight utterance",
			"GET /messages":                   "Messages of the current conversation",
			"POST /messages/{id}/play":        "Toggle playback of a message",
			"GET /conversations":              "List conversations",
			"POST /conversations":             "Create a conversation",
			"POST /conversations/{id}/select": "Switch the active conversation",
			"GET /history":                    "Archived messages (when history is enabled)",
			"GET /stats":                      "Service statistics",
			"GET /config":                     "Sanitized configuration",
			"GET /metrics":                    "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
