// Package diagnostics probes the media setup on request: which devices are
// present, whether their labels are visible (a stand-in for granted access),
// whether media access is allowed at all, and whether audio and video can be
// acquired on their own. The combined [Report] can be exported as JSON.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/marz/internal/observe"
	"github.com/MrWong99/marz/pkg/media"
)

// Permission is the inferred access state for a device class.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionUnknown Permission = "unknown"
)

// Platform describes the host process.
type Platform struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	GoVersion string `json:"goVersion"`
	Hostname  string `json:"hostname,omitempty"`
}

// Status is the device overview.
type Status struct {
	HasCamera            bool       `json:"hasCamera"`
	HasMicrophone        bool       `json:"hasMicrophone"`
	CameraPermission     Permission `json:"cameraPermission"`
	MicrophonePermission Permission `json:"microphonePermission"`
	SecureContext        bool       `json:"isSecureContext"`
	Platform             Platform   `json:"platform"`
}

// TestResult reports the isolated acquisition tests.
type TestResult struct {
	Audio  bool     `json:"audio"`
	Video  bool     `json:"video"`
	Errors []string `json:"errors"`
}

// DeviceInfo is the full enumeration.
type DeviceInfo struct {
	AudioInputs    []media.DeviceInfo `json:"audioInputs"`
	VideoInputs    []media.DeviceInfo `json:"videoInputs"`
	AudioOutputs   []media.DeviceInfo `json:"audioOutputs"`
	HasPermissions bool               `json:"hasPermissions"`
}

// Report is one complete diagnostics run.
type Report struct {
	Status     Status        `json:"status"`
	TestResult TestResult    `json:"testResult"`
	DeviceInfo *DeviceInfo   `json:"deviceInfo,omitempty"`
	Error      *media.Report `json:"error,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Endpoint   string        `json:"url,omitempty"`
}

// Export writes r as indented JSON.
func (r Report) Export(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("diagnostics: export: %w", err)
	}
	return nil
}

// ── Runner ───────────────────────────────────────────────────────────────────

// Option configures a [Runner].
type Option func(*Runner)

// WithSecureContext installs the check reported as SecureContext. Default:
// always secure.
func WithSecureContext(fn func() bool) Option {
	return func(r *Runner) {
		if fn != nil {
			r.secure = fn
		}
	}
}

// WithEndpoint records the control API address in reports.
func WithEndpoint(addr string) Option {
	return func(r *Runner) { r.endpoint = addr }
}

// WithClock overrides time.Now for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runner) {
		if m != nil {
			r.metrics = m
		}
	}
}

// Runner executes diagnostics against a gateway. It is safe for concurrent
// use; the most recent report is kept for [Runner.Last].
type Runner struct {
	gateway  media.Gateway
	secure   func() bool
	endpoint string
	now      func() time.Time
	metrics  *observe.Metrics

	mu   sync.Mutex
	last *Report
}

// New creates a [Runner].
func New(gateway media.Gateway, opts ...Option) *Runner {
	r := &Runner{
		gateway: gateway,
		secure:  func() bool { return true },
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Status enumerates devices and infers access. Enumeration failures are
// logged and leave the device fields at their zero values.
func (r *Runner) Status(ctx context.Context) Status {
	s := Status{
		CameraPermission:     PermissionUnknown,
		MicrophonePermission: PermissionUnknown,
		SecureContext:        r.secure(),
		Platform:             platform(),
	}
	d, err := r.gateway.ListDevices(ctx)
	if err != nil {
		observe.Logger(ctx).Warn("diagnostics: enumerate devices", "err", err)
	}
	if !media.ListFailed(err, media.VideoInput) {
		s.HasCamera = len(d.VideoInputs) > 0
		if hasLabels(d.VideoInputs) {
			s.CameraPermission = PermissionGranted
		}
	}
	if !media.ListFailed(err, media.AudioInput) {
		s.HasMicrophone = len(d.AudioInputs) > 0
		if hasLabels(d.AudioInputs) {
			s.MicrophonePermission = PermissionGranted
		}
	}
	return s
}

// Test acquires audio alone and video alone, concurrently, and releases each
// stream right away. A failure of one does not affect the other. Errors are
// listed audio first.
func (r *Runner) Test(ctx context.Context) TestResult {
	var (
		res              TestResult
		audioErr, vidErr error
	)
	var g errgroup.Group
	g.Go(func() error {
		res.Audio, audioErr = r.acquire(ctx, media.Constraints{Audio: media.DefaultAudio("")}, media.TrackAudio)
		return nil
	})
	g.Go(func() error {
		res.Video, vidErr = r.acquire(ctx, media.Constraints{Video: media.DefaultVideo("")}, media.TrackVideo)
		return nil
	})
	_ = g.Wait()

	res.Errors = []string{}
	for _, f := range []struct {
		label string
		err   error
	}{{"Audio", audioErr}, {"Video", vidErr}} {
		if f.err == nil {
			continue
		}
		rep := media.Describe(f.err)
		res.Errors = append(res.Errors, f.label+": "+rep.Message)
		r.metrics.RecordMediaError(ctx, string(rep.Kind))
	}
	return res
}

func (r *Runner) acquire(ctx context.Context, c media.Constraints, kind media.TrackKind) (bool, error) {
	s, err := r.gateway.RequestStream(ctx, c)
	if err != nil {
		return false, err
	}
	defer media.Release(s)
	if kind == media.TrackAudio {
		return len(s.AudioTracks()) > 0, nil
	}
	return len(s.VideoTracks()) > 0, nil
}

// Devices returns the detailed enumeration.
func (r *Runner) Devices(ctx context.Context) (DeviceInfo, error) {
	d, err := r.gateway.ListDevices(ctx)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("diagnostics: list devices: %w", err)
	}
	return DeviceInfo{
		AudioInputs:    nonNil(d.AudioInputs),
		VideoInputs:    nonNil(d.VideoInputs),
		AudioOutputs:   nonNil(d.AudioOutputs),
		HasPermissions: d.HasLabels(),
	}, nil
}

// Run performs a complete diagnostics pass. A failed device listing is
// reported in Report.Error rather than failing the run.
func (r *Runner) Run(ctx context.Context) Report {
	ctx, span := observe.StartSpan(ctx, "diagnostics.run")
	defer span.End()

	rep := Report{
		Status:     r.Status(ctx),
		TestResult: r.Test(ctx),
		Timestamp:  r.now().UTC(),
		Endpoint:   r.endpoint,
	}
	if d, err := r.Devices(ctx); err != nil {
		e := media.Describe(err)
		rep.Error = &e
	} else {
		rep.DeviceInfo = &d
	}

	r.mu.Lock()
	r.last = &rep
	r.mu.Unlock()

	slog.Info("diagnostics: run complete",
		"audio", rep.TestResult.Audio,
		"video", rep.TestResult.Video,
		"errors", len(rep.TestResult.Errors),
	)
	return rep
}

// Last returns the most recent report, or false if none ran yet.
func (r *Runner) Last() (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}

// RequestAccess acquires audio and video together once and releases them,
// prompting any platform consent flow. The failure is returned classified.
func (r *Runner) RequestAccess(ctx context.Context) error {
	s, err := r.gateway.RequestStream(ctx, media.ConversationConstraints("", "", true))
	if err != nil {
		return fmt.Errorf("diagnostics: request access: %w", err)
	}
	media.Release(s)
	return nil
}

func platform() Platform {
	host, _ := os.Hostname()
	return Platform{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
		Hostname:  host,
	}
}

func hasLabels(ds []media.DeviceInfo) bool {
	for _, d := range ds {
		if d.Label != "" {
			return true
		}
	}
	return false
}

func nonNil(ds []media.DeviceInfo) []media.DeviceInfo {
	if ds == nil {
		return []media.DeviceInfo{}
	}
	return ds
}
