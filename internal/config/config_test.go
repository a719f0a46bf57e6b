package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	var c Config
	c.SetDefaults()

	require.Equal(t, 9090, c.Port)
	require.Equal(t, 9091, c.HealthPort)
	require.Equal(t, 4, c.MaxClients)
	require.Equal(t, time.Hour, c.MaxConnectionTime)
	require.Equal(t, BackendWhisperCPP, c.Backend)
	require.Equal(t, "redis://localhost:6379/0", c.RedisStreamURL)
	require.Equal(t, "transcription_segments", c.RedisStreamKey)
}

func TestIsValidRequiresBackendFields(t *testing.T) {
	c := Config{}
	c.SetDefaults()
	require.Error(t, c.IsValid(), "whisper.cpp backend needs a model path")

	c.WhisperModelPath = "/models/ggml-base.bin"
	require.NoError(t, c.IsValid())

	c.Backend = BackendAzure
	require.Error(t, c.IsValid(), "azure backend needs key+region")

	c.AzureSpeechKey = "key"
	c.AzureSpeechRegion = "eastus"
	require.NoError(t, c.IsValid())
}

func TestIsValidRejectsUnknownBackend(t *testing.T) {
	c := Config{Backend: BackendType("bogus")}
	c.SetDefaults()
	require.Error(t, c.IsValid())
}

func TestIsValidRejectsNonPositiveLimits(t *testing.T) {
	c := Config{Backend: BackendWhisperCPP, WhisperModelPath: "m"}
	c.SetDefaults()
	c.MaxClients = 0
	require.Error(t, c.IsValid())
}

func TestIsValidRequiresVADModelPathWhenVADEnabled(t *testing.T) {
	c := Config{Backend: BackendWhisperCPP, WhisperModelPath: "m", UseVAD: true}
	c.SetDefaults()
	require.Error(t, c.IsValid(), "use_vad needs a model path")

	c.VADModelPath = "/models/silero_vad.onnx"
	require.NoError(t, c.IsValid())
}
