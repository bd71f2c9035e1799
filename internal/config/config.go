// Package config provides the configuration structure for the speech broker.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Default values.
const (
	DefaultCommandAddr    = ":8765"
	DefaultDownloadAddr   = ":8766"
	DefaultPublicBaseURL  = "http://localhost:8766"
	DefaultKeepAliveToken = "ping"
	DefaultOutputDir      = "output/tts_results"
	DefaultArtifactFormat = "mp3"
	DefaultRetention      = 24 * time.Hour
	DefaultSweepInterval  = 24 * time.Hour
	DefaultReferenceAudio = "output/reference/reference.wav"
	DefaultReferenceText  = "output/reference/reference_text.txt"
	DefaultBackend        = BackendHTTP
	DefaultServiceURL     = "http://127.0.0.1:9880"
	DefaultCutStrategy    = "none"
	DefaultTopK           = 20
	DefaultTopP           = 0.6
	DefaultTemperature    = 0.6
	DefaultSpeed          = 1.0
	DefaultSampleSteps    = 8
	DefaultPauseSeconds   = 0.3
	DefaultMaxJobs        = 1
	DefaultCodec          = "libmp3lame"
	DefaultQuality        = 2
	DefaultSubject        = "tts.synthesis.requested"
	DefaultBucket         = "TTS_ARTIFACTS"
	DefaultNamespace      = "speech_broker"
	DefaultLogsDir        = "logs"
)

// Environment variables that override file settings.
const (
	envOutputDir     = "BROKER_OUTPUT_DIR"
	envPublicBaseURL = "BROKER_PUBLIC_BASE_URL"
	envCommandAddr   = "BROKER_COMMAND_ADDR"
	envDownloadAddr  = "BROKER_DOWNLOAD_ADDR"
	envRetention     = "BROKER_RETENTION_SECONDS"
	envReferenceText = "BROKER_REFERENCE_TEXT"
	envReferenceWAV  = "BROKER_REFERENCE_AUDIO"
	envNATSURL       = "NATS_URL"
)

// Synthesis backend names.
const (
	BackendHTTP    = "http"
	BackendCommand = "command"
)

var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUnknownBackend indicates an unsupported synthesis backend name.
	ErrUnknownBackend = errors.New("unknown synthesis backend")
)

// ServerConfig holds the listener settings for both public endpoints.
type ServerConfig struct {
	CommandAddr    string `toml:"command_addr"`
	DownloadAddr   string `toml:"download_addr"`
	PublicBaseURL  string `toml:"public_base_url"`
	KeepAliveToken string `toml:"keepalive_token"`
}

// StoreConfig holds the artifact store settings.
type StoreConfig struct {
	OutputDir            string `toml:"output_dir"`
	ArtifactFormat       string `toml:"artifact_format"`
	RetentionSeconds     int    `toml:"retention_seconds"`
	SweepIntervalSeconds int    `toml:"sweep_interval_seconds"`
}

// Retention returns the retention window as a duration.
func (s StoreConfig) Retention() time.Duration {
	return time.Duration(s.RetentionSeconds) * time.Second
}

// SweepInterval returns the sweeper period as a duration.
func (s StoreConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

// ReferenceConfig points at the voice reference used for every job.
type ReferenceConfig struct {
	AudioPath string `toml:"audio_path"`
	TextPath  string `toml:"text_path"`
}

// SynthesisConfig selects and tunes the synthesis gateway.
type SynthesisConfig struct {
	Backend           string  `toml:"backend"`
	ServiceURL        string  `toml:"service_url"`
	BinaryPath        string  `toml:"binary_path"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	MaxConcurrentJobs int     `toml:"max_concurrent_jobs"`
	CutStrategy       string  `toml:"cut_strategy"`
	TopK              int     `toml:"top_k"`
	TopP              float64 `toml:"top_p"`
	Temperature       float64 `toml:"temperature"`
	Speed             float64 `toml:"speed"`
	SampleSteps       int     `toml:"sample_steps"`
	PauseSeconds      float64 `toml:"pause_seconds"`
}

// Timeout returns the gateway call timeout; zero means no timeout.
func (s SynthesisConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// TranscoderConfig holds the ffmpeg encoding settings.
type TranscoderConfig struct {
	Codec   string `toml:"codec"`
	Quality int    `toml:"quality"`
}

// NATSConfig holds the configuration for the optional bus intake.
type NATSConfig struct {
	URL               string `toml:"url"`
	SynthesisSubject  string `toml:"synthesis_subject"`
	ObjectStoreBucket string `toml:"object_store_bucket"`
}

// Enabled reports whether the bus intake should be started.
func (n NATSConfig) Enabled() bool {
	return strings.TrimSpace(n.URL) != ""
}

// MetricsConfig holds the Prometheus settings.
type MetricsConfig struct {
	Namespace string `toml:"namespace"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Store      StoreConfig      `toml:"store"`
	Reference  ReferenceConfig  `toml:"reference"`
	Synthesis  SynthesisConfig  `toml:"synthesis"`
	Transcoder TranscoderConfig `toml:"transcoder"`
	NATS       NATSConfig       `toml:"nats"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Paths      PathsConfig      `toml:"paths"`
}

// Load loads the configuration through the central configurator, then applies
// .env and environment overrides and defaults.
func Load(log *logger.Logger) (*Config, error) {
	loadDotEnv(log)

	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// LoadFile parses a local TOML file instead of going through the configurator.
func LoadFile(path string, log *logger.Logger) (*Config, error) {
	loadDotEnv(log)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	return finish(cfg)
}

// Parse decodes a TOML document without applying overrides or defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return &cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	applyEnv(cfg)
	cfg.ApplyDefaults()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return cfg, nil
}

func loadDotEnv(log *logger.Logger) {
	err := godotenv.Load()
	if err != nil && log != nil {
		log.Info("No .env file loaded, relying on process environment")
	}
}

func applyEnv(cfg *Config) {
	overrideString(&cfg.Store.OutputDir, envOutputDir)
	overrideString(&cfg.Server.PublicBaseURL, envPublicBaseURL)
	overrideString(&cfg.Server.CommandAddr, envCommandAddr)
	overrideString(&cfg.Server.DownloadAddr, envDownloadAddr)
	overrideString(&cfg.Reference.TextPath, envReferenceText)
	overrideString(&cfg.Reference.AudioPath, envReferenceWAV)
	overrideString(&cfg.NATS.URL, envNATSURL)

	if raw := strings.TrimSpace(os.Getenv(envRetention)); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err == nil && seconds > 0 {
			cfg.Store.RetentionSeconds = seconds
		}
	}
}

func overrideString(target *string, key string) {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

// ApplyDefaults fills every zero-valued setting with its default.
func (c *Config) ApplyDefaults() {
	setString(&c.Server.CommandAddr, DefaultCommandAddr)
	setString(&c.Server.DownloadAddr, DefaultDownloadAddr)
	setString(&c.Server.PublicBaseURL, DefaultPublicBaseURL)
	setString(&c.Server.KeepAliveToken, DefaultKeepAliveToken)

	setString(&c.Store.OutputDir, DefaultOutputDir)
	setString(&c.Store.ArtifactFormat, DefaultArtifactFormat)
	setInt(&c.Store.RetentionSeconds, int(DefaultRetention/time.Second))
	setInt(&c.Store.SweepIntervalSeconds, int(DefaultSweepInterval/time.Second))

	setString(&c.Reference.AudioPath, DefaultReferenceAudio)
	setString(&c.Reference.TextPath, DefaultReferenceText)

	setString(&c.Synthesis.Backend, DefaultBackend)
	setString(&c.Synthesis.ServiceURL, DefaultServiceURL)
	setString(&c.Synthesis.CutStrategy, DefaultCutStrategy)
	setInt(&c.Synthesis.TopK, DefaultTopK)
	setFloat(&c.Synthesis.TopP, DefaultTopP)
	setFloat(&c.Synthesis.Temperature, DefaultTemperature)
	setFloat(&c.Synthesis.Speed, DefaultSpeed)
	setInt(&c.Synthesis.SampleSteps, DefaultSampleSteps)
	setFloat(&c.Synthesis.PauseSeconds, DefaultPauseSeconds)

	// Negative values disable admission control.
	setInt(&c.Synthesis.MaxConcurrentJobs, DefaultMaxJobs)

	setString(&c.Transcoder.Codec, DefaultCodec)
	setInt(&c.Transcoder.Quality, DefaultQuality)

	setString(&c.NATS.SynthesisSubject, DefaultSubject)
	setString(&c.NATS.ObjectStoreBucket, DefaultBucket)

	setString(&c.Metrics.Namespace, DefaultNamespace)
	setString(&c.Paths.BaseLogsDir, DefaultLogsDir)
}

// Validate rejects settings the broker cannot run with.
func (c *Config) Validate() error {
	if c.Store.RetentionSeconds <= 0 {
		return fmt.Errorf("%w: store.retention_seconds must be positive", ErrInvalidConfig)
	}

	if c.Store.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("%w: store.sweep_interval_seconds must be positive", ErrInvalidConfig)
	}

	if strings.ContainsAny(c.Store.ArtifactFormat, `/\.`) {
		return fmt.Errorf("%w: store.artifact_format %q", ErrInvalidConfig, c.Store.ArtifactFormat)
	}

	switch c.Synthesis.Backend {
	case BackendHTTP:
	case BackendCommand:
		if c.Synthesis.BinaryPath == "" {
			return fmt.Errorf("%w: synthesis.binary_path is required for the command backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: %w %q", ErrInvalidConfig, ErrUnknownBackend, c.Synthesis.Backend)
	}

	if c.Synthesis.TopP < 0 || c.Synthesis.TopP > 1 {
		return fmt.Errorf("%w: synthesis.top_p must be between 0.0 and 1.0", ErrInvalidConfig)
	}

	if c.Synthesis.Temperature < 0 {
		return fmt.Errorf("%w: synthesis.temperature must be >= 0.0", ErrInvalidConfig)
	}

	return nil
}

func setString(target *string, fallback string) {
	if strings.TrimSpace(*target) == "" {
		*target = fallback
	}
}

func setInt(target *int, fallback int) {
	if *target == 0 {
		*target = fallback
	}
}

func setFloat(target *float64, fallback float64) {
	if *target == 0 {
		*target = fallback
	}
}
