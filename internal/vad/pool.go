package vad

import (
	"fmt"
	"sync"
)

// Pool hands out Detectors to concurrent gateway workers. The underlying
// ONNX runtime session backing each Detector is not safe for concurrent
// Detect calls, so detectors are never shared between two sessions at once;
// idle detectors are reused rather than destroyed and recreated.
type Pool struct {
	modelPath  string
	sampleRate int

	mu   sync.Mutex
	idle []*Detector
}

// NewPool constructs a Pool that lazily creates Detectors as needed.
func NewPool(modelPath string, sampleRate int) *Pool {
	return &Pool{modelPath: modelPath, sampleRate: sampleRate}
}

// Get returns an idle Detector if one is available, otherwise loads a new
// one. The returned Leased wraps the Detector and must be released back to
// the pool via Release when the caller's session ends.
func (p *Pool) Get() (*Leased, error) {
	p.mu.Lock()
	n := len(p.idle)
	if n > 0 {
		d := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return &Leased{pool: p, detector: d}, nil
	}
	p.mu.Unlock()

	d, err := New(Config{ModelPath: p.modelPath, SampleRate: p.sampleRate})
	if err != nil {
		return nil, fmt.Errorf("vad: pool failed to create detector: %w", err)
	}
	return &Leased{pool: p, detector: d}, nil
}

func (p *Pool) put(d *Detector) {
	p.mu.Lock()
	p.idle = append(p.idle, d)
	p.mu.Unlock()
}

// Leased is a Detector checked out from a Pool.
type Leased struct {
	pool     *Pool
	detector *Detector
}

// IsVoice delegates to the underlying Detector.
func (l *Leased) IsVoice(frame []float32) (bool, error) {
	return l.detector.IsVoice(frame)
}

// Release resets the detector's internal state and returns it to the pool
// for reuse by the next session.
func (l *Leased) Release() {
	_ = l.detector.Reset()
	l.pool.put(l.detector)
}
