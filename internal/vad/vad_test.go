package vad

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/streamer45/silero-vad-go/speech"
)

type scriptedBackend struct {
	segments []speech.Segment
	err      error
}

func (s *scriptedBackend) Detect(pcm []float32) ([]speech.Segment, error) { return s.segments, s.err }
func (s *scriptedBackend) Reset() error                                   { return nil }
func (s *scriptedBackend) Destroy() error                                 { return nil }

func TestIsVoiceTrueWhenSegmentsDetected(t *testing.T) {
	d := &Detector{sd: &scriptedBackend{segments: []speech.Segment{{}}}}

	voice, err := d.IsVoice(make([]float32, windowSizeInSamples))
	require.NoError(t, err)
	require.True(t, voice)
}

func TestIsVoiceFalseWhenNoSegments(t *testing.T) {
	d := &Detector{sd: &scriptedBackend{}}

	voice, err := d.IsVoice(make([]float32, windowSizeInSamples))
	require.NoError(t, err)
	require.False(t, voice)
}

func TestIsVoicePropagatesDetectError(t *testing.T) {
	d := &Detector{sd: &scriptedBackend{err: assertErr("boom")}}

	_, err := d.IsVoice(make([]float32, windowSizeInSamples))
	require.Error(t, err)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
