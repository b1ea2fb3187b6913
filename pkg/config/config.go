// Package config loads vai-call settings from an optional YAML file and
// VAI_CALL_* environment variables. Environment values override the file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v2"
)

const (
	CaptureMalgo   = "malgo"
	CaptureCommand = "command"

	PlaybackOto     = "oto"
	PlaybackFFPlay  = "ffplay"
	PlaybackDiscard = "discard"

	AnalyzerNone   = "none"
	AnalyzerHTTP   = "http"
	AnalyzerGemini = "gemini"
	AnalyzerNATS   = "nats"

	TracingNone   = "none"
	TracingStdout = "stdout"
	TracingOTLP   = "otlp"
)

type Config struct {
	LogLevel string `yaml:"log_level"`

	Agent     AgentConfig     `yaml:"agent"`
	Audio     AudioConfig     `yaml:"audio"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AgentConfig is the realtime agent endpoint and session setup.
type AgentConfig struct {
	URL                string        `yaml:"url"`
	APIKey             string        `yaml:"api_key"`
	Voice              string        `yaml:"voice"`
	Instructions       string        `yaml:"instructions"`
	TranscriptionModel string        `yaml:"transcription_model"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	AudioQueue         int           `yaml:"audio_queue"`
}

type AudioConfig struct {
	SampleRate        int           `yaml:"sample_rate"`
	Channels          int           `yaml:"channels"`
	FrameDuration     time.Duration `yaml:"frame_duration"`
	CaptureQueue      int           `yaml:"capture_queue"`
	CaptureBackend    string        `yaml:"capture_backend"`
	CaptureDevice     string        `yaml:"capture_device"`
	CaptureCommand    string        `yaml:"capture_command"`
	PlaybackBackend   string        `yaml:"playback_backend"`
	FFPlayPath        string        `yaml:"ffplay_path"`
	Volume            int           `yaml:"volume"`
	Prebuffer         time.Duration `yaml:"prebuffer"`
	PrebufferWait     time.Duration `yaml:"prebuffer_wait"`
	MaxBuffer         time.Duration `yaml:"max_buffer"`
	AmplitudeInterval time.Duration `yaml:"amplitude_interval"`
}

type AnalysisConfig struct {
	Analyzer string        `yaml:"analyzer"`
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`

	GeminiAPIKey   string `yaml:"gemini_api_key"`
	GeminiProject  string `yaml:"gemini_project"`
	GeminiLocation string `yaml:"gemini_location"`
	GeminiModel    string `yaml:"gemini_model"`

	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
}

type TelemetryConfig struct {
	MetricsAddr  string `yaml:"metrics_addr"`
	Tracing      string `yaml:"tracing"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// Default returns the built-in settings: a local agent on :8765, 24 kHz mono
// audio through miniaudio and oto, and HTTP analysis next to the agent.
func Default() Config {
	return Config{
		LogLevel: "info",
		Agent: AgentConfig{
			URL:                "http://localhost:8765",
			TranscriptionModel: "whisper-1",
			HandshakeTimeout:   5 * time.Second,
			WriteTimeout:       5 * time.Second,
			PingInterval:       20 * time.Second,
			AudioQueue:         64,
		},
		Audio: AudioConfig{
			SampleRate:        24000,
			Channels:          1,
			FrameDuration:     20 * time.Millisecond,
			CaptureQueue:      50,
			CaptureBackend:    CaptureMalgo,
			PlaybackBackend:   PlaybackOto,
			FFPlayPath:        "ffplay",
			Volume:            80,
			Prebuffer:         60 * time.Millisecond,
			PrebufferWait:     150 * time.Millisecond,
			MaxBuffer:         60 * time.Second,
			AmplitudeInterval: 50 * time.Millisecond,
		},
		Analysis: AnalysisConfig{
			Analyzer:    AnalyzerHTTP,
			Timeout:     2 * time.Minute,
			GeminiModel: "gemini-2.5-flash",
			NATSSubject: "vai.call.analyze",
		},
		Telemetry: TelemetryConfig{
			Tracing: TracingNone,
		},
	}
}

// Load reads path (or VAI_CALL_CONFIG when path is empty), applies the
// environment and validates the result. Without a file the defaults are used.
func Load(path string) (Config, error) {
	if path == "" {
		path = strings.TrimSpace(os.Getenv("VAI_CALL_CONFIG"))
	}
	cfg := Default()
	if path != "" {
		var err error
		cfg, err = LoadFile(path)
		if err != nil {
			return Config{}, err
		}
	}
	ApplyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv builds the configuration from defaults and the environment only.
func LoadFromEnv() (Config, error) {
	cfg := Default()
	ApplyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads a YAML (or JSON) file over the defaults. Unknown keys are
// rejected.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any VAI_CALL_* variables that are set.
func ApplyEnv(cfg *Config) {
	cfg.LogLevel = envOr("VAI_CALL_LOG_LEVEL", cfg.LogLevel)

	a := &cfg.Agent
	a.URL = envOr("VAI_CALL_AGENT_URL", a.URL)
	a.APIKey = envOr("VAI_CALL_API_KEY", a.APIKey)
	a.Voice = envOr("VAI_CALL_VOICE", a.Voice)
	a.Instructions = envOr("VAI_CALL_INSTRUCTIONS", a.Instructions)
	a.TranscriptionModel = envOr("VAI_CALL_TRANSCRIPTION_MODEL", a.TranscriptionModel)
	a.HandshakeTimeout = envDurationOr("VAI_CALL_HANDSHAKE_TIMEOUT", a.HandshakeTimeout)
	a.WriteTimeout = envDurationOr("VAI_CALL_WRITE_TIMEOUT", a.WriteTimeout)
	a.PingInterval = envDurationOr("VAI_CALL_PING_INTERVAL", a.PingInterval)
	a.AudioQueue = envIntOr("VAI_CALL_AUDIO_QUEUE", a.AudioQueue)

	au := &cfg.Audio
	au.SampleRate = envIntOr("VAI_CALL_SAMPLE_RATE", au.SampleRate)
	au.Channels = envIntOr("VAI_CALL_CHANNELS", au.Channels)
	au.FrameDuration = envDurationOr("VAI_CALL_FRAME_DURATION", au.FrameDuration)
	au.CaptureQueue = envIntOr("VAI_CALL_CAPTURE_QUEUE", au.CaptureQueue)
	au.CaptureBackend = strings.ToLower(envOr("VAI_CALL_CAPTURE_BACKEND", au.CaptureBackend))
	au.CaptureDevice = envOr("VAI_CALL_CAPTURE_DEVICE", au.CaptureDevice)
	au.CaptureCommand = envOr("VAI_CALL_CAPTURE_COMMAND", au.CaptureCommand)
	au.PlaybackBackend = strings.ToLower(envOr("VAI_CALL_PLAYBACK_BACKEND", au.PlaybackBackend))
	au.FFPlayPath = envOr("VAI_CALL_FFPLAY_PATH", au.FFPlayPath)
	au.Volume = envIntOr("VAI_CALL_VOLUME", au.Volume)
	au.Prebuffer = envDurationOr("VAI_CALL_PREBUFFER", au.Prebuffer)
	au.PrebufferWait = envDurationOr("VAI_CALL_PREBUFFER_WAIT", au.PrebufferWait)
	au.MaxBuffer = envDurationOr("VAI_CALL_MAX_BUFFER", au.MaxBuffer)
	au.AmplitudeInterval = envDurationOr("VAI_CALL_AMPLITUDE_INTERVAL", au.AmplitudeInterval)

	an := &cfg.Analysis
	an.Analyzer = strings.ToLower(envOr("VAI_CALL_ANALYZER", an.Analyzer))
	an.URL = envOr("VAI_CALL_ANALYSIS_URL", an.URL)
	an.Timeout = envDurationOr("VAI_CALL_ANALYSIS_TIMEOUT", an.Timeout)
	an.GeminiAPIKey = envOr("VAI_CALL_GEMINI_API_KEY", envOr("GEMINI_API_KEY", an.GeminiAPIKey))
	an.GeminiProject = envOr("VAI_CALL_GEMINI_PROJECT", an.GeminiProject)
	an.GeminiLocation = envOr("VAI_CALL_GEMINI_LOCATION", an.GeminiLocation)
	an.GeminiModel = envOr("VAI_CALL_GEMINI_MODEL", an.GeminiModel)
	an.NATSURL = envOr("VAI_CALL_NATS_URL", an.NATSURL)
	an.NATSSubject = envOr("VAI_CALL_NATS_SUBJECT", an.NATSSubject)

	t := &cfg.Telemetry
	t.MetricsAddr = envOr("VAI_CALL_METRICS_ADDR", t.MetricsAddr)
	t.Tracing = strings.ToLower(envOr("VAI_CALL_TRACING", t.Tracing))
	t.OTLPEndpoint = envOr("VAI_CALL_OTLP_ENDPOINT", t.OTLPEndpoint)
	t.OTLPInsecure = envBoolOr("VAI_CALL_OTLP_INSECURE", t.OTLPInsecure)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}

	if strings.TrimSpace(c.Agent.URL) == "" {
		return fmt.Errorf("VAI_CALL_AGENT_URL must not be empty")
	}
	if c.Agent.HandshakeTimeout <= 0 {
		return fmt.Errorf("VAI_CALL_HANDSHAKE_TIMEOUT must be > 0")
	}
	if c.Agent.WriteTimeout <= 0 {
		return fmt.Errorf("VAI_CALL_WRITE_TIMEOUT must be > 0")
	}
	if c.Agent.PingInterval <= 0 {
		return fmt.Errorf("VAI_CALL_PING_INTERVAL must be > 0")
	}
	if c.Agent.AudioQueue <= 0 {
		return fmt.Errorf("VAI_CALL_AUDIO_QUEUE must be > 0")
	}

	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("VAI_CALL_SAMPLE_RATE must be > 0")
	}
	if c.Audio.Channels != 1 {
		return fmt.Errorf("VAI_CALL_CHANNELS must be 1; the agent stream is mono")
	}
	if c.Audio.FrameDuration <= 0 {
		return fmt.Errorf("VAI_CALL_FRAME_DURATION must be > 0")
	}
	if c.Audio.CaptureQueue <= 0 {
		return fmt.Errorf("VAI_CALL_CAPTURE_QUEUE must be > 0")
	}
	switch c.Audio.CaptureBackend {
	case CaptureMalgo, CaptureCommand:
	default:
		return fmt.Errorf("VAI_CALL_CAPTURE_BACKEND must be one of malgo|command")
	}
	switch c.Audio.PlaybackBackend {
	case PlaybackOto, PlaybackFFPlay, PlaybackDiscard:
	default:
		return fmt.Errorf("VAI_CALL_PLAYBACK_BACKEND must be one of oto|ffplay|discard")
	}
	if c.Audio.PlaybackBackend == PlaybackFFPlay && strings.TrimSpace(c.Audio.FFPlayPath) == "" {
		return fmt.Errorf("VAI_CALL_FFPLAY_PATH must not be empty when VAI_CALL_PLAYBACK_BACKEND=ffplay")
	}
	if c.Audio.Volume < 0 || c.Audio.Volume > 100 {
		return fmt.Errorf("VAI_CALL_VOLUME must be between 0 and 100")
	}
	if c.Audio.Prebuffer < 0 {
		return fmt.Errorf("VAI_CALL_PREBUFFER must be >= 0")
	}
	if c.Audio.PrebufferWait < 0 {
		return fmt.Errorf("VAI_CALL_PREBUFFER_WAIT must be >= 0")
	}
	if c.Audio.MaxBuffer <= 0 {
		return fmt.Errorf("VAI_CALL_MAX_BUFFER must be > 0")
	}
	if c.Audio.Prebuffer >= c.Audio.MaxBuffer {
		return fmt.Errorf("VAI_CALL_PREBUFFER must be < VAI_CALL_MAX_BUFFER")
	}
	if c.Audio.AmplitudeInterval <= 0 {
		return fmt.Errorf("VAI_CALL_AMPLITUDE_INTERVAL must be > 0")
	}

	switch c.Analysis.Analyzer {
	case AnalyzerNone, AnalyzerHTTP:
	case AnalyzerGemini:
		if c.Analysis.GeminiAPIKey == "" && c.Analysis.GeminiProject == "" {
			return fmt.Errorf("VAI_CALL_GEMINI_API_KEY or VAI_CALL_GEMINI_PROJECT must be set when VAI_CALL_ANALYZER=gemini")
		}
	case AnalyzerNATS:
		if strings.TrimSpace(c.Analysis.NATSURL) == "" {
			return fmt.Errorf("VAI_CALL_NATS_URL must be set when VAI_CALL_ANALYZER=nats")
		}
	default:
		return fmt.Errorf("VAI_CALL_ANALYZER must be one of none|http|gemini|nats")
	}
	if c.Analysis.Timeout <= 0 {
		return fmt.Errorf("VAI_CALL_ANALYSIS_TIMEOUT must be > 0")
	}

	switch c.Telemetry.Tracing {
	case TracingNone, TracingStdout:
	case TracingOTLP:
		if strings.TrimSpace(c.Telemetry.OTLPEndpoint) == "" {
			return fmt.Errorf("VAI_CALL_OTLP_ENDPOINT must be set when VAI_CALL_TRACING=otlp")
		}
	default:
		return fmt.Errorf("VAI_CALL_TRACING must be one of none|stdout|otlp")
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("VAI_CALL_LOG_LEVEL must be one of debug|info|warn|error")
	}
	return level, nil
}

// AnalysisURL is the analysis base URL, defaulting to the agent URL.
func (c Config) AnalysisURL() string {
	if u := strings.TrimSpace(c.Analysis.URL); u != "" {
		return u
	}
	return c.Agent.URL
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
