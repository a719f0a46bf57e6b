// Package vad adapts streamer45/silero-vad-go to the gateway's opaque
// voice-activity predicate. The underlying ONNX runtime session is not safe
// for concurrent Detect calls, so each Detector must only be used by one
// session's receive loop at a time.
package vad

import (
	"fmt"

	"github.com/streamer45/silero-vad-go/speech"
)

const (
	windowSizeInSamples  = 512
	threshold            = 0.5
	minSilenceDurationMs = 350
	speechPadMs          = 200
)

// Config configures a Detector.
type Config struct {
	ModelPath  string
	SampleRate int
}

// detectorBackend is the subset of *speech.Detector's API a Detector needs;
// extracted so tests can substitute a fake without a real ONNX session.
type detectorBackend interface {
	Detect(pcm []float32) ([]speech.Segment, error)
	Reset() error
	Destroy() error
}

// Detector wraps a single silero VAD session.
type Detector struct {
	sd detectorBackend
}

// New loads a silero VAD model and returns a ready Detector.
func New(cfg Config) (*Detector, error) {
	sd, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           cfg.SampleRate,
		WindowSize:           windowSizeInSamples,
		Threshold:            threshold,
		MinSilenceDurationMs: minSilenceDurationMs,
		SpeechPadMs:          speechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("vad: failed to create speech detector: %w", err)
	}
	return &Detector{sd: sd}, nil
}

// IsVoice reports whether frame contains detected speech. Frame lengths
// other than WindowSize are accepted; the underlying detector handles the
// remainder on its next call after Reset.
func (d *Detector) IsVoice(frame []float32) (bool, error) {
	segments, err := d.sd.Detect(frame)
	if err != nil {
		return false, fmt.Errorf("vad: detect failed: %w", err)
	}
	return len(segments) > 0, nil
}

// Reset clears any internal state carried between Detect calls;
// Leased.Release calls it before returning the detector to its pool.
func (d *Detector) Reset() error {
	return d.sd.Reset()
}

// Destroy releases the underlying ONNX runtime session.
func (d *Detector) Destroy() error {
	return d.sd.Destroy()
}
