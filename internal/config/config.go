package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration
type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Sampler       SamplerConfig       `yaml:"sampler"`
	Level         LevelConfig         `yaml:"level"`
	VAD           VADConfig           `yaml:"vad"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	History       HistoryConfig       `yaml:"history"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// HTTPConfig contains the UI boundary HTTP server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// SamplerConfig contains microphone sampler configuration
type SamplerConfig struct {
	Source        string  `yaml:"source"`         // "microphone" or "synthetic"
	SampleRate    int     `yaml:"sample_rate"`    // Hz
	FrameDuration float64 `yaml:"frame_duration"` // seconds per frame (e.g. 0.02)
}

// LevelConfig contains loudness meter configuration
type LevelConfig struct {
	AttackFactor  float64 `yaml:"attack_factor"`  // smoothing toward louder, (0,1]
	ReleaseFactor float64 `yaml:"release_factor"` // smoothing toward quieter, (0,1]
	PeakHold      float64 `yaml:"peak_hold"`      // seconds of quiet before peak reset
}

// VADConfig contains voice activity detection configuration
type VADConfig struct {
	OnsetPercent       float64 `yaml:"onset_percent"`        // speech onset threshold, 0-100
	SilencePercent     float64 `yaml:"silence_percent"`      // end-of-utterance threshold, 0-100
	OnsetSamples       int     `yaml:"onset_samples"`        // consecutive loud samples for idle->listening
	MinSpeechDuration  float64 `yaml:"min_speech_duration"`  // seconds sustained for listening->recording
	MinSilenceDuration float64 `yaml:"min_silence_duration"` // seconds quiet for recording->processing
	MaxUtterance       float64 `yaml:"max_utterance"`        // seconds, hard cap on a single utterance
}

// TranscriptionConfig contains transcription service configuration
type TranscriptionConfig struct {
	Mode       string `yaml:"mode"` // "stream" (websocket) or "batch" (http)
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Language   string `yaml:"language"`
	Model      string `yaml:"model"`
	Timeout    int    `yaml:"timeout"` // seconds
	MaxRetries int    `yaml:"max_retries"`
}

// HistoryConfig contains conversation history persistence configuration
type HistoryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`      // SQLite database path
	AudioDir string `yaml:"audio_dir"` // utterance WAV directory, temp dir when empty
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Sampler.Validate(); err != nil {
		return fmt.Errorf("sampler config: %w", err)
	}

	if err := c.Level.Validate(); err != nil {
		return fmt.Errorf("level config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.History.Validate(); err != nil {
		return fmt.Errorf("history config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates sampler configuration
func (s *SamplerConfig) Validate() error {
	validSources := map[string]bool{"microphone": true, "synthetic": true}
	if !validSources[s.Source] {
		return fmt.Errorf("source must be 'microphone' or 'synthetic', got '%s'", s.Source)
	}

	if s.SampleRate != 8000 && s.SampleRate != 16000 && s.SampleRate != 48000 {
		return fmt.Errorf("sample_rate must be 8000, 16000 or 48000 Hz, got %d", s.SampleRate)
	}

	if s.FrameDuration < 0.005 || s.FrameDuration > 0.1 {
		return fmt.Errorf("frame_duration must be between 0.005 and 0.1 seconds, got %f", s.FrameDuration)
	}

	return nil
}

// Validate validates loudness meter configuration
func (l *LevelConfig) Validate() error {
	if l.AttackFactor <= 0 || l.AttackFactor > 1 {
		return fmt.Errorf("attack_factor must be in (0, 1], got %f", l.AttackFactor)
	}

	if l.ReleaseFactor <= 0 || l.ReleaseFactor > 1 {
		return fmt.Errorf("release_factor must be in (0, 1], got %f", l.ReleaseFactor)
	}

	if l.PeakHold <= 0 {
		return fmt.Errorf("peak_hold must be positive, got %f", l.PeakHold)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.OnsetPercent <= 0 || v.OnsetPercent > 100 {
		return fmt.Errorf("onset_percent must be in (0, 100], got %f", v.OnsetPercent)
	}

	if v.SilencePercent < 0 || v.SilencePercent >= v.OnsetPercent {
		return fmt.Errorf("silence_percent must be in [0, onset_percent), got %f", v.SilencePercent)
	}

	if v.OnsetSamples < 2 {
		return fmt.Errorf("onset_samples must be at least 2 to reject single-sample spikes, got %d", v.OnsetSamples)
	}

	if v.MinSpeechDuration <= 0 {
		return fmt.Errorf("min_speech_duration must be positive, got %f", v.MinSpeechDuration)
	}

	if v.MinSilenceDuration <= 0 {
		return fmt.Errorf("min_silence_duration must be positive, got %f", v.MinSilenceDuration)
	}

	if v.MaxUtterance <= v.MinSpeechDuration {
		return fmt.Errorf("max_utterance (%f) must be greater than min_speech_duration (%f)",
			v.MaxUtterance, v.MinSpeechDuration)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	validModes := map[string]bool{"stream": true, "batch": true}
	if !validModes[t.Mode] {
		return fmt.Errorf("mode must be 'stream' or 'batch', got '%s'", t.Mode)
	}

	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	return nil
}

// Validate validates history configuration
func (h *HistoryConfig) Validate() error {
	if h.Enabled && h.Path == "" {
		return fmt.Errorf("path cannot be empty when history is enabled")
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetFrameDuration returns the sampler frame duration as a time.Duration
func (s *SamplerConfig) GetFrameDuration() time.Duration {
	return time.Duration(s.FrameDuration * float64(time.Second))
}

// GetPeakHold returns the peak hold window as a time.Duration
func (l *LevelConfig) GetPeakHold() time.Duration {
	return time.Duration(l.PeakHold * float64(time.Second))
}

// GetMinSpeechDuration returns the minimum speech duration as a time.Duration
func (v *VADConfig) GetMinSpeechDuration() time.Duration {
	return time.Duration(v.MinSpeechDuration * float64(time.Second))
}

// GetMinSilenceDuration returns the minimum silence duration as a time.Duration
func (v *VADConfig) GetMinSilenceDuration() time.Duration {
	return time.Duration(v.MinSilenceDuration * float64(time.Second))
}

// GetMaxUtterance returns the utterance duration cap as a time.Duration
func (v *VADConfig) GetMaxUtterance() time.Duration {
	return time.Duration(v.MaxUtterance * float64(time.Second))
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}
