package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedFrame is returned when a received payload cannot be decoded as
// int16 PCM.
var ErrMalformedFrame = errors.New("audio: malformed frame")

// fullScale is the multiplier applied to normalised float samples. It matches
// the positive int16 range so that 1.0 maps to 32767 and -1.0 to -32767.
const fullScale = 32767

// Quantize converts one normalised float sample to int16. The value is scaled
// by 32767, truncated toward zero and clamped to the int16 range. NaN maps to
// zero.
func Quantize(s float32) int16 {
	v := float64(s) * fullScale
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// Encode quantizes normalised float samples and packs them as little-endian
// int16 PCM. The output is always 2*len(samples) bytes.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(Quantize(s)))
	}
	return out
}

// Decode unpacks little-endian int16 PCM. Payloads with an odd byte count are
// rejected with [ErrMalformedFrame]. An empty payload decodes to an empty,
// non-nil slice.
func Decode(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrMalformedFrame, len(data))
	}
	return BytesToInt16s(data), nil
}

// Int16sToBytes packs samples as little-endian int16 PCM.
func Int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16s unpacks little-endian int16 PCM. A trailing odd byte is ignored.
func BytesToInt16s(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}
