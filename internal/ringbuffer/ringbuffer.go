// Package ringbuffer implements the per-session PCM accumulation buffer
// described in the gateway spec: audio accumulates until it is consumed by
// the decode loop, with bounds on how much unconsumed audio a stalled
// session can accumulate.
package ringbuffer

import "sync"

const (
	// SampleRate is the fixed input sample rate, in Hz.
	SampleRate = 16000

	maxBufferSeconds   = 45
	clipKeepSeconds    = 15
	clipDropSeconds    = maxBufferSeconds - clipKeepSeconds // 30
	stallTailSeconds   = 25
	stallRewindSeconds = 5
)

// Buffer accumulates float32 PCM samples for a single session. All methods
// are safe for concurrent use; the mutex is never held across I/O.
type Buffer struct {
	mu sync.Mutex

	started bool
	samples []float32

	// offset is the frame count, in seconds, already consumed/committed by
	// the decode loop — the original's timestamp_offset.
	offset float64

	// framesOffset is the total seconds dropped from the head of samples
	// since session start — the original's frames_offset.
	framesOffset float64
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Append adds newly received samples, clipping the head of the buffer if it
// has grown past maxBufferSeconds.
func (b *Buffer) Append(frame []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.started = true
	if b.samples == nil {
		b.samples = append([]float32(nil), frame...)
	} else {
		b.samples = append(b.samples, frame...)
	}

	if len(b.samples) > maxBufferSeconds*SampleRate {
		b.framesOffset += clipDropSeconds
		b.samples = b.samples[clipDropSeconds*SampleRate:]
		if b.offset < b.framesOffset {
			b.offset = b.framesOffset
		}
	}
}

// ClipIfStalled forces the consume offset forward when the unconsumed tail
// has grown past stallTailSeconds, so a session with no committable speech
// does not accumulate an unbounded processing backlog.
func (b *Buffer) ClipIfStalled() {
	b.mu.Lock()
	defer b.mu.Unlock()

	tailSamples := int((b.offset - b.framesOffset) * SampleRate)
	if tailSamples < 0 {
		tailSamples = 0
	}
	unconsumed := len(b.samples) - tailSamples
	if unconsumed <= stallTailSeconds*SampleRate {
		return
	}

	duration := float64(len(b.samples)) / SampleRate
	b.offset = b.framesOffset + duration - stallRewindSeconds
}

// Chunk returns a copy of the currently unconsumed tail and its duration in
// seconds. The returned slice is safe to use without holding the buffer's
// lock.
func (b *Buffer) Chunk() ([]float32, float64) {
	b.mu.Lock()
	samplesTake := int((b.offset - b.framesOffset) * SampleRate)
	if samplesTake < 0 {
		samplesTake = 0
	}
	if samplesTake > len(b.samples) {
		samplesTake = len(b.samples)
	}
	chunk := append([]float32(nil), b.samples[samplesTake:]...)
	b.mu.Unlock()

	return chunk, float64(len(chunk)) / SampleRate
}

// Started reports whether any audio has ever been appended to the buffer.
func (b *Buffer) Started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

// Offset returns the current consume offset, in seconds.
func (b *Buffer) Offset() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset
}

// Advance moves the consume offset forward by delta seconds.
func (b *Buffer) Advance(delta float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offset += delta
}

// SetOffset sets the consume offset to an absolute value, in seconds.
func (b *Buffer) SetOffset(offset float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offset = offset
}
