// Package ffmpeg implements [media.Gateway] on top of an ffmpeg subprocess per
// track. Microphone audio is read as interleaved s16le PCM; camera video is
// read as raw RGBA frames of the requested resolution.
//
// Device enumeration uses ffmpeg's "-sources" listing for the configured
// input formats (pulse and v4l2 on Linux by default).
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/marz/pkg/media"
)

// Compile-time interface assertion.
var _ media.Gateway = (*Gateway)(nil)

const (
	defaultCommand     = "ffmpeg"
	defaultAudioFormat = "pulse"
	defaultAudioDevice = "default"
	defaultVideoFormat = "v4l2"
	defaultVideoDevice = "/dev/video0"
	defaultSampleRate  = 48000
	defaultChannels    = 1
	defaultGrace       = 250 * time.Millisecond
)

// Runner executes a short-lived command and returns its combined output. It
// is used for device enumeration and replaceable in tests.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Option configures a [Gateway].
type Option func(*Gateway)

// WithCommand sets the ffmpeg executable path.
func WithCommand(cmd string) Option {
	return func(g *Gateway) {
		if cmd != "" {
			g.command = cmd
		}
	}
}

// WithAudioInput sets the ffmpeg input format and default device for audio,
// e.g. ("alsa", "hw:0") or ("avfoundation", ":0").
func WithAudioInput(format, device string) Option {
	return func(g *Gateway) {
		if format != "" {
			g.audioFormat = format
		}
		if device != "" {
			g.audioDevice = device
		}
	}
}

// WithVideoInput sets the ffmpeg input format and default device for video.
func WithVideoInput(format, device string) Option {
	return func(g *Gateway) {
		if format != "" {
			g.videoFormat = format
		}
		if device != "" {
			g.videoDevice = device
		}
	}
}

// WithCaptureFormat sets the PCM rate and channel count requested from ffmpeg.
func WithCaptureFormat(sampleRate, channels int) Option {
	return func(g *Gateway) {
		if sampleRate > 0 {
			g.sampleRate = sampleRate
		}
		if channels > 0 {
			g.channels = channels
		}
	}
}

// WithStartupGrace sets how long a new capture must survive before it counts
// as started.
func WithStartupGrace(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.grace = d
		}
	}
}

// WithRunner replaces the command runner used for enumeration.
func WithRunner(r Runner) Option {
	return func(g *Gateway) { g.run = r }
}

// Gateway is an ffmpeg backed [media.Gateway]. It is safe for concurrent use.
type Gateway struct {
	command     string
	audioFormat string
	audioDevice string
	videoFormat string
	videoDevice string
	sampleRate  int
	channels    int
	grace       time.Duration
	run         Runner

	seq atomic.Int64
}

// New creates a [Gateway].
func New(opts ...Option) *Gateway {
	g := &Gateway{
		command:     defaultCommand,
		audioFormat: defaultAudioFormat,
		audioDevice: defaultAudioDevice,
		videoFormat: defaultVideoFormat,
		videoDevice: defaultVideoDevice,
		sampleRate:  defaultSampleRate,
		channels:    defaultChannels,
		grace:       defaultGrace,
		run:         execRunner,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// RequestStream implements [media.Gateway]. When video acquisition fails the
// already started audio capture is stopped again.
func (g *Gateway) RequestStream(ctx context.Context, c media.Constraints) (media.Stream, error) {
	s := &stream{id: g.nextID("stream")}
	if c.Audio != nil {
		t, err := g.startAudio(ctx, *c.Audio)
		if err != nil {
			return nil, err
		}
		s.audio = append(s.audio, t)
	}
	if c.Video != nil {
		t, err := g.startVideo(ctx, *c.Video)
		if err != nil {
			media.Release(s)
			return nil, err
		}
		s.video = append(s.video, t)
	}
	return s, nil
}

// ListDevices implements [media.Gateway]. When only one side enumerates, its
// list is returned with a [*media.ListError] naming the side that failed.
func (g *Gateway) ListDevices(ctx context.Context) (media.Devices, error) {
	var d media.Devices
	audioOut, aerr := g.run(ctx, g.command, "-hide_banner", "-sources", g.audioFormat)
	if aerr == nil {
		d.AudioInputs = parseSources(audioOut, media.AudioInput)
	}
	videoOut, verr := g.run(ctx, g.command, "-hide_banner", "-sources", g.videoFormat)
	if verr == nil {
		d.VideoInputs = parseSources(videoOut, media.VideoInput)
	}
	if aerr != nil || verr != nil {
		return d, fmt.Errorf("ffmpeg: %w", &media.ListError{Audio: aerr, Video: verr})
	}
	return d, nil
}

func (g *Gateway) nextID(prefix string) string {
	return prefix + "-" + strconv.FormatInt(g.seq.Add(1), 10)
}

func (g *Gateway) audioArgs(c media.AudioConstraints) []string {
	device := c.DeviceID
	if device == "" {
		device = g.audioDevice
	}
	rate := c.SampleRate
	if rate <= 0 {
		rate = g.sampleRate
	}
	channels := c.Channels
	if channels <= 0 {
		channels = g.channels
	}
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", g.audioFormat,
		"-i", device,
	}
	if filters := audioFilters(c); filters != "" {
		args = append(args, "-af", filters)
	}
	return append(args,
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(rate),
		"-f", "s16le",
		"-",
	)
}

// audioFilters approximates the requested processing with ffmpeg filters:
// afftdn for noise suppression and dynaudnorm for auto gain. Echo
// cancellation is left to the capture device.
func audioFilters(c media.AudioConstraints) string {
	var f []string
	if c.NoiseSuppression {
		f = append(f, "afftdn")
	}
	if c.AutoGainControl {
		f = append(f, "dynaudnorm")
	}
	return strings.Join(f, ",")
}

func (g *Gateway) videoArgs(c media.VideoConstraints) (args []string, width, height int) {
	device := c.DeviceID
	if device == "" {
		device = g.videoDevice
	}
	width = pick(c.Width)
	height = pick(c.Height)
	fps := pick(c.FrameRate)
	args = []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", g.videoFormat,
	}
	if fps > 0 {
		args = append(args, "-framerate", strconv.Itoa(fps))
	}
	if width > 0 && height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", width, height))
	}
	args = append(args, "-i", device)
	if width > 0 && height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", width, height))
	}
	return append(args, "-pix_fmt", "rgba", "-f", "rawvideo", "-"), width, height
}

func pick(r media.Range) int {
	if r.Ideal > 0 {
		return r.Ideal
	}
	return r.Min
}

// parseSources parses "ffmpeg -sources" output. Device lines look like
//
//	* alsa_input.pci-0000_00_1f.3.analog-stereo [Built-in Audio Analog Stereo]
//	  /dev/video0 [Integrated Camera]
func parseSources(out []byte, kind media.DeviceKind) []media.DeviceInfo {
	var devices []media.DeviceInfo
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		raw := sc.Text()
		if !strings.HasPrefix(raw, " ") && !strings.HasPrefix(raw, "*") {
			continue
		}
		line := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "*"))
		if line == "" {
			continue
		}
		id, label := line, ""
		if i := strings.Index(line, " ["); i >= 0 && strings.HasSuffix(line, "]") {
			id = line[:i]
			label = line[i+2 : len(line)-1]
		}
		if kind == media.AudioInput && strings.HasSuffix(id, ".monitor") {
			continue
		}
		devices = append(devices, media.DeviceInfo{ID: id, Label: label, Kind: kind})
	}
	return devices
}
