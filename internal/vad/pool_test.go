package vad

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/streamer45/silero-vad-go/speech"
)

type fakeBackend struct {
	resetCalls int
}

func (f *fakeBackend) Detect(pcm []float32) ([]speech.Segment, error) { return nil, nil }
func (f *fakeBackend) Reset() error                                   { f.resetCalls++; return nil }
func (f *fakeBackend) Destroy() error                                 { return nil }

func TestPoolReusesReleasedDetector(t *testing.T) {
	p := &Pool{modelPath: "unused", sampleRate: 16000}

	d := &Detector{sd: &fakeBackend{}}
	p.put(d)

	leased, err := p.Get()
	require.NoError(t, err)
	require.Same(t, d, leased.detector)

	p.mu.Lock()
	require.Empty(t, p.idle)
	p.mu.Unlock()
}

func TestLeasedReleaseReturnsDetectorToPool(t *testing.T) {
	p := &Pool{modelPath: "unused", sampleRate: 16000}
	backend := &fakeBackend{}
	d := &Detector{sd: backend}
	leased := &Leased{pool: p, detector: d}

	leased.Release()

	require.Equal(t, 1, backend.resetCalls)
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.idle, 1)
	require.Same(t, d, p.idle[0])
}
