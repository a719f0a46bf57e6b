package wsgateway

import (
	"encoding/binary"
	"math"
)

// bytesToFloat32 decodes a little-endian float32 PCM frame, the wire format
// clients send raw audio samples in.
func bytesToFloat32(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}
