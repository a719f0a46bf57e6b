// Package config loads and validates gateway configuration from the
// process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// BackendType selects the concrete transcriber adapter.
type BackendType string

const (
	BackendWhisperCPP BackendType = "whisper.cpp"
	BackendAzure      BackendType = "azure"
)

func (b BackendType) IsValid() bool {
	switch b {
	case BackendWhisperCPP, BackendAzure:
		return true
	default:
		return false
	}
}

// Config holds all gateway settings. Zero value is invalid; call
// SetDefaults before IsValid on a partially populated Config.
type Config struct {
	Host string
	Port int

	HealthPort int

	MaxClients        int
	MaxConnectionTime time.Duration

	Backend      BackendType
	UseVAD       bool
	VADModelPath string
	SingleModel  bool

	RedisStreamURL string
	RedisStreamKey string

	AzureSpeechKey    string
	AzureSpeechRegion string

	WhisperModelPath string
}

// SetDefaults fills zero-valued fields with their documented defaults.
func (c *Config) SetDefaults() {
	if c.Port == 0 {
		c.Port = 9090
	}
	if c.HealthPort == 0 {
		c.HealthPort = 9091
	}
	if c.MaxClients == 0 {
		c.MaxClients = 4
	}
	if c.MaxConnectionTime == 0 {
		c.MaxConnectionTime = time.Hour
	}
	if c.Backend == "" {
		c.Backend = BackendWhisperCPP
	}
	if c.RedisStreamURL == "" {
		c.RedisStreamURL = "redis://localhost:6379/0"
	}
	if c.RedisStreamKey == "" {
		c.RedisStreamKey = "transcription_segments"
	}
}

// IsValid reports whether the config is internally consistent. Call
// SetDefaults first in normal startup paths.
func (c Config) IsValid() error {
	if !c.Backend.IsValid() {
		return fmt.Errorf("invalid backend: %q", c.Backend)
	}
	if c.Port <= 0 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HealthPort <= 0 {
		return fmt.Errorf("invalid health port: %d", c.HealthPort)
	}
	if c.MaxClients <= 0 {
		return fmt.Errorf("max_clients must be positive, got %d", c.MaxClients)
	}
	if c.MaxConnectionTime <= 0 {
		return fmt.Errorf("max_connection_time must be positive, got %s", c.MaxConnectionTime)
	}
	switch c.Backend {
	case BackendAzure:
		if c.AzureSpeechKey == "" || c.AzureSpeechRegion == "" {
			return fmt.Errorf("azure backend requires AzureSpeechKey and AzureSpeechRegion")
		}
	case BackendWhisperCPP:
		if c.WhisperModelPath == "" {
			return fmt.Errorf("whisper.cpp backend requires WhisperModelPath")
		}
	}
	if c.UseVAD && c.VADModelPath == "" {
		return fmt.Errorf("use_vad requires VADModelPath")
	}
	return nil
}

// ToEnv renders the config as KEY=VALUE lines, suitable for passing to a
// child process or a .env file.
func (c Config) ToEnv() []string {
	return []string{
		"HOST=" + c.Host,
		"PORT=" + strconv.Itoa(c.Port),
		"HEALTH_PORT=" + strconv.Itoa(c.HealthPort),
		"MAX_CLIENTS=" + strconv.Itoa(c.MaxClients),
		"MAX_CONNECTION_TIME_SECONDS=" + strconv.Itoa(int(c.MaxConnectionTime.Seconds())),
		"BACKEND=" + string(c.Backend),
		"USE_VAD=" + strconv.FormatBool(c.UseVAD),
		"VAD_MODEL_PATH=" + c.VADModelPath,
		"SINGLE_MODEL=" + strconv.FormatBool(c.SingleModel),
		"REDIS_STREAM_URL=" + c.RedisStreamURL,
		"REDIS_STREAM_KEY=" + c.RedisStreamKey,
		"AZURE_SPEECH_KEY=" + c.AzureSpeechKey,
		"AZURE_SPEECH_REGION=" + c.AzureSpeechRegion,
		"WHISPER_MODEL_PATH=" + c.WhisperModelPath,
	}
}

// FromEnv builds a Config from the process environment, applying defaults
// before returning. It does not validate; call IsValid explicitly.
func FromEnv() (Config, error) {
	var c Config

	c.Host = os.Getenv("HOST")
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PORT: %w", err)
		}
		c.Port = p
	}
	if v := os.Getenv("HEALTH_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid HEALTH_PORT: %w", err)
		}
		c.HealthPort = p
	}
	if v := os.Getenv("MAX_CLIENTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MAX_CLIENTS: %w", err)
		}
		c.MaxClients = n
	}
	if v := os.Getenv("MAX_CONNECTION_TIME_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MAX_CONNECTION_TIME_SECONDS: %w", err)
		}
		c.MaxConnectionTime = time.Duration(n) * time.Second
	}
	if v := os.Getenv("BACKEND"); v != "" {
		c.Backend = BackendType(v)
	}
	if v := os.Getenv("USE_VAD"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid USE_VAD: %w", err)
		}
		c.UseVAD = b
	} else {
		c.UseVAD = true
	}
	c.VADModelPath = os.Getenv("VAD_MODEL_PATH")
	if v := os.Getenv("SINGLE_MODEL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SINGLE_MODEL: %w", err)
		}
		c.SingleModel = b
	}
	c.RedisStreamURL = os.Getenv("REDIS_STREAM_URL")
	c.RedisStreamKey = os.Getenv("REDIS_STREAM_KEY")
	c.AzureSpeechKey = os.Getenv("AZURE_SPEECH_KEY")
	c.AzureSpeechRegion = os.Getenv("AZURE_SPEECH_REGION")
	c.WhisperModelPath = os.Getenv("WHISPER_MODEL_PATH")

	c.SetDefaults()
	return c, nil
}
