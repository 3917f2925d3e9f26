package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// InputSampleRate is the rate microphone windows are encoded at.
	InputSampleRate = 16000

	// OutputSampleRate is the rate the remote service synthesises speech at.
	OutputSampleRate = 24000

	// PCMMIMEType tags encoded microphone windows on the wire.
	PCMMIMEType = "audio/pcm;rate=16000"

	// pcmScale maps [-1, 1] floats onto the int16 range. Decode divides by the
	// same value so a round trip never drifts beyond one quantisation step.
	pcmScale = 32768
)

// Encode converts float samples in [-1, 1] to a transport blob: each sample
// is clamped, scaled by 32768, truncated toward zero, clamped to the int16
// range, packed little-endian and base64 encoded. Empty input yields a blob
// with no payload.
func Encode(samples []float32) Blob {
	b := Blob{MIMEType: PCMMIMEType}
	if len(samples) == 0 {
		return b
	}
	b.Data = base64.StdEncoding.EncodeToString(FloatToPCM16(samples))
	return b
}

// Decode strips the base64 framing from a transport payload.
func Decode(data string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return raw, nil
}

// DecodePCM reinterprets interleaved s16le bytes as a playable [Buffer] with
// the given sample rate and channel count. Trailing bytes that do not form a
// whole frame (network chunking) are dropped rather than reported.
func DecodePCM(data []byte, sampleRate, channels int) *Buffer {
	if channels <= 0 {
		channels = 1
	}
	frameBytes := 2 * channels
	frames := len(data) / frameBytes

	buf := &Buffer{
		SampleRate: sampleRate,
		Data:       make([][]float32, channels),
	}
	for ch := range buf.Data {
		buf.Data[ch] = make([]float32, frames)
	}
	for i := range frames {
		for ch := range channels {
			off := i*frameBytes + ch*2
			s := int16(binary.LittleEndian.Uint16(data[off:]))
			buf.Data[ch][i] = float32(s) / pcmScale
		}
	}
	return buf
}

// FloatToPCM16 packs float samples as s16le using the same quantisation as
// [Encode].
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

// PCM16ToFloat unpacks s16le bytes into normalised floats. An odd trailing
// byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcmScale
	}
	return out
}

func quantize(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	v := int32(s * pcmScale)
	if v > math.MaxInt16 {
		v = math.MaxInt16
	}
	return int16(v)
}

// RMS returns the root-mean-square energy of samples, or zero when empty.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
