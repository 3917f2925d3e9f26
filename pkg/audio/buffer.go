package audio

import "time"

// Buffer is decoded, playable audio: one float32 slice per channel, each
// holding samples normalised to [-1, 1]. All channel slices have the same
// length.
type Buffer struct {
	SampleRate int
	Data       [][]float32
}

// NumberOfChannels returns the channel count.
func (b *Buffer) NumberOfChannels() int { return len(b.Data) }

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(b.Frames()) * int64(time.Second) / int64(b.SampleRate))
}

// Mono returns the buffer averaged down to a single channel. A mono buffer
// returns its only channel without copying.
func (b *Buffer) Mono() []float32 {
	switch len(b.Data) {
	case 0:
		return nil
	case 1:
		return b.Data[0]
	}
	out := make([]float32, b.Frames())
	scale := 1 / float32(len(b.Data))
	for _, ch := range b.Data {
		for i, s := range ch {
			out[i] += s * scale
		}
	}
	return out
}
