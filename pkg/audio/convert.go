package audio

import (
	"log/slog"
	"sync"
)

// InputConverter brings capture frames into the shape the live service
// listens to: mono s16le at InputSampleRate. Channels are averaged down
// before resampling, and the resampler carries its phase and last sample
// from one frame to the next so a stream converted in chunks has no seams.
//
// One converter serves one stream and is not safe for concurrent use.
type InputConverter struct {
	// Rate overrides the target sample rate. Zero means [InputSampleRate].
	Rate int

	srcRate int
	pos     float64 // next output position, in source samples, relative to tail
	tail    int16
	primed  bool

	warnRate sync.Once
	warnOdd  sync.Once
}

func (c *InputConverter) target() int {
	if c.Rate > 0 {
		return c.Rate
	}
	return InputSampleRate
}

// Reset forgets the resampler state, for example when the source changes.
func (c *InputConverter) Reset() {
	c.srcRate, c.pos, c.tail, c.primed = 0, 0, 0, false
}

// Convert returns f as mono PCM at the target rate. A frame already in that
// shape is returned as is. A frame whose payload is not whole samples is
// dropped and yields an empty frame.
func (c *InputConverter) Convert(f Frame) Frame {
	out := Frame{SampleRate: c.target(), Channels: 1, Timestamp: f.Timestamp}

	ch := max(f.Channels, 1)
	if len(f.Data)%(2*ch) != 0 {
		c.warnOdd.Do(func() {
			slog.Warn("audio: dropping capture frame with partial samples",
				"bytes", len(f.Data), "channels", ch)
		})
		return out
	}
	if ch == 1 && (f.SampleRate == out.SampleRate || f.SampleRate <= 0) {
		return f
	}

	mono := Downmix(f.Data, ch)
	if f.SampleRate <= 0 || f.SampleRate == out.SampleRate {
		out.Data = mono
		return out
	}

	if f.SampleRate != c.srcRate {
		if c.srcRate != 0 {
			c.Reset()
		}
		c.srcRate = f.SampleRate
		c.warnRate.Do(func() {
			slog.Debug("audio: resampling capture", "from_hz", f.SampleRate, "to_hz", out.SampleRate)
		})
	}
	out.Data = c.resample(mono, out.SampleRate)
	return out
}

// resample interpolates linearly between neighbouring samples. The last
// sample of the previous call sits in front of pcm at index 0.
func (c *InputConverter) resample(pcm []byte, dstRate int) []byte {
	in := make([]int16, 0, len(pcm)/2+1)
	if c.primed {
		in = append(in, c.tail)
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		in = append(in, sampleAt(pcm, i))
	}
	if len(in) < 2 {
		if len(in) == 1 {
			c.tail, c.primed = in[0], true
		}
		return nil
	}

	step := float64(c.srcRate) / float64(dstRate)
	out := make([]byte, 0, int(float64(len(in))/step+1)*2)
	p := c.pos
	for ; int(p)+1 < len(in); p += step {
		i := int(p)
		frac := p - float64(i)
		v := int16(float64(in[i])*(1-frac) + float64(in[i+1])*frac)
		out = append(out, byte(v), byte(v>>8))
	}

	last := len(in) - 1
	c.pos = p - float64(last)
	c.tail, c.primed = in[last], true
	return out
}

// Downmix averages interleaved s16le frames of the given channel count into
// mono. Trailing bytes that do not form a whole frame are ignored.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * 2
	n := len(pcm) / stride
	out := make([]byte, n*2)
	for i := range n {
		var sum int32
		for ch := range channels {
			sum += int32(sampleAt(pcm, i*stride+ch*2))
		}
		v := int16(sum / int32(channels))
		out[i*2], out[i*2+1] = byte(v), byte(v>>8)
	}
	return out
}

func sampleAt(pcm []byte, off int) int16 {
	return int16(uint16(pcm[off]) | uint16(pcm[off+1])<<8)
}
