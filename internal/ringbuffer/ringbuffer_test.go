package ringbuffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func frames(n int) []float32 {
	f := make([]float32, n)
	for i := range f {
		f[i] = 0.001
	}
	return f
}

func TestAppendAndChunk(t *testing.T) {
	b := New()
	b.Append(frames(SampleRate)) // 1s

	chunk, dur := b.Chunk()
	require.Len(t, chunk, SampleRate)
	require.InDelta(t, 1.0, dur, 0.001)
}

func TestAppendClipsAfterMaxBuffer(t *testing.T) {
	b := New()
	// push 46 seconds worth, one second at a time
	for i := 0; i < 46; i++ {
		b.Append(frames(SampleRate))
	}

	chunk, _ := b.Chunk()
	require.LessOrEqual(t, len(chunk), maxBufferSeconds*SampleRate)
	require.InDelta(t, clipDropSeconds, b.framesOffset, 0.001)
}

func TestAdvanceAndOffset(t *testing.T) {
	b := New()
	b.Advance(2.5)
	require.InDelta(t, 2.5, b.Offset(), 0.0001)

	b.SetOffset(10)
	require.InDelta(t, 10, b.Offset(), 0.0001)
}

func TestClipIfStalledForcesOffsetForward(t *testing.T) {
	b := New()
	for i := 0; i < 26; i++ {
		b.Append(frames(SampleRate))
	}

	b.ClipIfStalled()

	// duration is 26s, offset should now be duration - 5 = 21
	require.InDelta(t, 21.0, b.Offset(), 0.01)
}

func TestClipIfStalledNoopWhenTailSmall(t *testing.T) {
	b := New()
	b.Append(frames(SampleRate))
	b.ClipIfStalled()
	require.InDelta(t, 0, b.Offset(), 0.0001)
}
