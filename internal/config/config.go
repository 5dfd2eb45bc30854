// Package config provides configuration management for dubrelay using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultMediaMTXHost = "127.0.0.1"
	defaultMediaMTXPort = 1935
	defaultMediaMTXApp  = "live"

	defaultSTSURL         = "http://127.0.0.1:3000"
	defaultSTSPath        = "/socket.io/"
	defaultSTSNamespace   = "/"
	defaultMaxInflight    = 3
	defaultFragmentTO     = 60 * time.Second
	defaultBreakerThresh  = 5
	defaultBreakerCool    = 30 * time.Second
	defaultReconnectInit  = time.Second
	defaultReconnectMax   = 30 * time.Second
	defaultReconnectTries = 5
	defaultPayloadCap     = 10 * 1024 * 1024

	defaultSegmentDuration = 30 * time.Second
	defaultVADWindow       = 100 * time.Millisecond
	defaultSilenceHold     = time.Second
	defaultMinSegment      = time.Second
	defaultMaxSegment      = 15 * time.Second
	defaultVADMemoryLimit  = 10 * 1024 * 1024

	defaultAVOffset       = 6 * time.Second
	defaultDriftThreshold = 120 * time.Millisecond
	defaultSlewStep       = 10 * time.Millisecond
	defaultSyncBufferCap  = 10
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	MediaMTX MediaMTXConfig `mapstructure:"mediamtx"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg"`
	STS      STSConfig      `mapstructure:"sts"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

// ServerConfig holds HTTP control-plane server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// DatabaseConfig holds the codec-cache database configuration.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	LogLevel string `mapstructure:"log_level"` // silent, error, warn, info
}

// MediaMTXConfig describes the external media router hosting the RTMP
// endpoints. Worker input/output URLs are derived from it unless the hook
// payload carries explicit URLs.
type MediaMTXConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	App  string `mapstructure:"app"`
}

// FFmpegConfig holds ffmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // empty = look up in $PATH
}

// STSConfig holds Speech-to-Speech service client configuration.
type STSConfig struct {
	URL               string        `mapstructure:"url"`
	HandshakePath     string        `mapstructure:"handshake_path"`
	Namespace         string        `mapstructure:"namespace"`
	MaxInflight       int           `mapstructure:"max_inflight"`
	FragmentTimeout   time.Duration `mapstructure:"fragment_timeout"`
	PayloadLimit      ByteSize      `mapstructure:"payload_limit"`
	BreakerThreshold  int           `mapstructure:"breaker_threshold"`
	BreakerCooldown   time.Duration `mapstructure:"breaker_cooldown"`
	ReconnectInitial  time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
	ReconnectJitter   float64       `mapstructure:"reconnect_jitter"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"` // 0 = unlimited
	Credentials       string        `mapstructure:"credentials"`
}

// VADConfig holds voice-activity-detection segmentation parameters.
type VADConfig struct {
	Window             time.Duration `mapstructure:"window"`
	SilenceThresholdDB float64       `mapstructure:"silence_threshold_db"`
	SilenceDuration    time.Duration `mapstructure:"silence_duration"`
	MinSegment         time.Duration `mapstructure:"min_segment"`
	MaxSegment         time.Duration `mapstructure:"max_segment"`
	MemoryLimit        ByteSize      `mapstructure:"memory_limit"`
}

// SyncConfig holds A/V synchronization parameters.
type SyncConfig struct {
	AVOffset       time.Duration `mapstructure:"av_offset"`
	DriftThreshold time.Duration `mapstructure:"drift_threshold"`
	SlewStep       time.Duration `mapstructure:"slew_step"`
	BufferCapacity int           `mapstructure:"buffer_capacity"`
}

// WorkerConfig holds per-stream worker defaults. Everything here can be
// overridden per worker through the start request.
type WorkerConfig struct {
	SourceLanguage  string        `mapstructure:"source_language"`
	TargetLanguage  string        `mapstructure:"target_language"`
	SegmentDuration time.Duration `mapstructure:"segment_duration"`
	SegmentDir      string        `mapstructure:"segment_dir"` // optional disk persistence
	VAD             VADConfig     `mapstructure:"vad"`
	Sync            SyncConfig    `mapstructure:"sync"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with DUBRELAY_, with underscores for nesting
// (DUBRELAY_SERVER_PORT=8080).
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/dubrelay")
		v.AddConfigPath("$HOME/.dubrelay")
	}

	v.SetEnvPrefix("DUBRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindCompatEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// bindCompatEnv maps the unprefixed environment variables shared with the
// deployment manifests onto their config keys.
func bindCompatEnv(v *viper.Viper) {
	_ = v.BindEnv("mediamtx.host", "DUBRELAY_MEDIAMTX_HOST", "MEDIAMTX_HOST")
	_ = v.BindEnv("sts.url", "DUBRELAY_STS_URL", "STS_SERVICE_URL")
	_ = v.BindEnv("worker.source_language", "DUBRELAY_WORKER_SOURCE_LANGUAGE", "WORKER_SOURCE_LANGUAGE")
	_ = v.BindEnv("worker.target_language", "DUBRELAY_WORKER_TARGET_LANGUAGE", "WORKER_TARGET_LANGUAGE")
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Database defaults
	v.SetDefault("database.dsn", "dubrelay.db")
	v.SetDefault("database.log_level", "warn")

	// MediaMTX defaults
	v.SetDefault("mediamtx.host", defaultMediaMTXHost)
	v.SetDefault("mediamtx.port", defaultMediaMTXPort)
	v.SetDefault("mediamtx.app", defaultMediaMTXApp)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")

	// STS defaults
	v.SetDefault("sts.url", defaultSTSURL)
	v.SetDefault("sts.handshake_path", defaultSTSPath)
	v.SetDefault("sts.namespace", defaultSTSNamespace)
	v.SetDefault("sts.max_inflight", defaultMaxInflight)
	v.SetDefault("sts.fragment_timeout", defaultFragmentTO)
	v.SetDefault("sts.payload_limit", defaultPayloadCap)
	v.SetDefault("sts.breaker_threshold", defaultBreakerThresh)
	v.SetDefault("sts.breaker_cooldown", defaultBreakerCool)
	v.SetDefault("sts.reconnect_initial", defaultReconnectInit)
	v.SetDefault("sts.reconnect_max", defaultReconnectMax)
	v.SetDefault("sts.reconnect_jitter", 0.1)
	v.SetDefault("sts.reconnect_attempts", defaultReconnectTries)
	v.SetDefault("sts.credentials", "")

	// Worker defaults
	v.SetDefault("worker.source_language", "en")
	v.SetDefault("worker.target_language", "zh")
	v.SetDefault("worker.segment_duration", defaultSegmentDuration)
	v.SetDefault("worker.segment_dir", "")
	v.SetDefault("worker.vad.window", defaultVADWindow)
	v.SetDefault("worker.vad.silence_threshold_db", -50.0)
	v.SetDefault("worker.vad.silence_duration", defaultSilenceHold)
	v.SetDefault("worker.vad.min_segment", defaultMinSegment)
	v.SetDefault("worker.vad.max_segment", defaultMaxSegment)
	v.SetDefault("worker.vad.memory_limit", defaultVADMemoryLimit)
	v.SetDefault("worker.sync.av_offset", defaultAVOffset)
	v.SetDefault("worker.sync.drift_threshold", defaultDriftThreshold)
	v.SetDefault("worker.sync.slew_step", defaultSlewStep)
	v.SetDefault("worker.sync.buffer_capacity", defaultSyncBufferCap)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.MediaMTX.Host == "" {
		return fmt.Errorf("mediamtx.host is required")
	}
	if c.MediaMTX.Port < 1 || c.MediaMTX.Port > maxPort {
		return fmt.Errorf("mediamtx.port must be between 1 and %d", maxPort)
	}

	if c.STS.URL == "" {
		return fmt.Errorf("sts.url is required")
	}
	if c.STS.MaxInflight < 1 || c.STS.MaxInflight > 10 {
		return fmt.Errorf("sts.max_inflight must be between 1 and 10")
	}
	if c.STS.FragmentTimeout < time.Second || c.STS.FragmentTimeout > 120*time.Second {
		return fmt.Errorf("sts.fragment_timeout must be between 1s and 120s")
	}
	if c.STS.ReconnectJitter < 0 || c.STS.ReconnectJitter > 1 {
		return fmt.Errorf("sts.reconnect_jitter must be between 0 and 1")
	}

	if c.Worker.SegmentDuration < time.Second {
		return fmt.Errorf("worker.segment_duration must be at least 1s")
	}
	if err := c.Worker.VAD.Validate(); err != nil {
		return err
	}
	if c.Worker.Sync.BufferCapacity < 1 {
		return fmt.Errorf("worker.sync.buffer_capacity must be at least 1")
	}

	return nil
}

// Validate checks VAD parameters for consistency.
func (v *VADConfig) Validate() error {
	if v.Window < 50*time.Millisecond || v.Window > 500*time.Millisecond {
		return fmt.Errorf("worker.vad.window must be between 50ms and 500ms")
	}
	if v.SilenceThresholdDB >= 0 {
		return fmt.Errorf("worker.vad.silence_threshold_db must be negative")
	}
	if v.MinSegment <= 0 || v.MaxSegment <= 0 || v.MinSegment >= v.MaxSegment {
		return fmt.Errorf("worker.vad.min_segment must be positive and below max_segment")
	}
	if v.MemoryLimit <= 0 {
		return fmt.Errorf("worker.vad.memory_limit must be positive")
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// InputURL returns the RTMP pull URL for a stream.
func (c *MediaMTXConfig) InputURL(streamID string) string {
	return fmt.Sprintf("rtmp://%s:%d/%s/%s/in", c.Host, c.Port, c.App, streamID)
}

// OutputURL returns the RTMP publish URL for a stream.
func (c *MediaMTXConfig) OutputURL(streamID string) string {
	return fmt.Sprintf("rtmp://%s:%d/%s/%s/out", c.Host, c.Port, c.App, streamID)
}
