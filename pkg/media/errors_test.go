package media_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/MrWong99/marz/pkg/media"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		want media.Kind
	}{
		{"NotAllowedError", media.KindPermissionDenied},
		{"PermissionDeniedError", media.KindPermissionDenied},
		{"NotFoundError", media.KindDeviceNotFound},
		{"DevicesNotFoundError", media.KindDeviceNotFound},
		{"NotReadableError", media.KindDeviceBusy},
		{"TrackStartError", media.KindDeviceBusy},
		{"OverconstrainedError", media.KindConstraintUnsatisfiable},
		{"ConstraintNotSatisfiedError", media.KindConstraintUnsatisfiable},
		{"AbortError", media.KindAborted},
		{"SecurityError", media.KindSecurityContextInvalid},
		{"", media.KindUnknown},
		{"TypeError", media.KindUnknown},
		{"notallowederror", media.KindUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := media.Classify(tc.name); got != tc.want {
				t.Errorf("Classify(%q) = %q, want %q", tc.name, got, tc.want)
			}
		})
	}
}

func TestClassify_Totality(t *testing.T) {
	t.Parallel()
	kinds := []media.Kind{
		media.KindPermissionDenied, media.KindDeviceNotFound, media.KindDeviceBusy,
		media.KindConstraintUnsatisfiable, media.KindAborted,
		media.KindSecurityContextInvalid, media.KindUnknown,
	}
	valid := make(map[media.Kind]bool)
	for _, k := range kinds {
		valid[k] = true
		if k.Message() == "" {
			t.Errorf("kind %q has no message", k)
		}
		if len(k.Remediation()) == 0 {
			t.Errorf("kind %q has no remediation steps", k)
		}
	}
	names := append(media.KnownNames(), "", "Whatever", "InternalError")
	for _, n := range names {
		if k := media.Classify(n); !valid[k] {
			t.Errorf("Classify(%q) = %q, not a taxonomy kind", n, k)
		}
	}
}

func TestRemediation_ReturnsCopy(t *testing.T) {
	t.Parallel()
	steps := media.KindAborted.Remediation()
	steps[0] = "mutated"
	if media.KindAborted.Remediation()[0] == "mutated" {
		t.Error("Remediation must not expose internal state")
	}
}

func TestError_AsAndUnwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("device or resource busy")
	err := fmt.Errorf("start: %w", media.NewError(media.NameNotReadable, "", cause))

	var me *media.Error
	if !errors.As(err, &me) {
		t.Fatal("errors.As failed")
	}
	if me.Kind != media.KindDeviceBusy {
		t.Errorf("Kind = %q", me.Kind)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	r := media.Describe(media.NewError(media.NameNotAllowed, "", nil))
	if r.Kind != media.KindPermissionDenied || r.Message != "Camera and microphone access was denied." {
		t.Errorf("Describe = %+v", r)
	}

	r = media.Describe(errors.New("boom"))
	if r.Kind != media.KindUnknown {
		t.Errorf("plain error kind = %q", r.Kind)
	}
	if !strings.Contains(r.Message, "boom") {
		t.Errorf("unknown message %q should carry the detail", r.Message)
	}
	if len(r.Troubleshooting) == 0 {
		t.Error("unknown report must carry remediation")
	}
}

func TestSecureContext(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		tls  bool
		want bool
	}{
		{"127.0.0.1:8080", false, true},
		{"[::1]:8080", false, true},
		{"localhost:8080", false, true},
		{":8080", false, false},
		{"0.0.0.0:8080", false, false},
		{"192.168.1.10:8080", false, false},
		{":8443", true, true},
		{"example.com:80", false, false},
	}
	for _, tc := range tests {
		if got := media.SecureContext(tc.addr, tc.tls); got != tc.want {
			t.Errorf("SecureContext(%q, %v) = %v, want %v", tc.addr, tc.tls, got, tc.want)
		}
	}
}

func TestConversationConstraints(t *testing.T) {
	t.Parallel()
	c := media.ConversationConstraints("mic-1", "cam-1", true)
	if c.Audio == nil || !c.Audio.EchoCancellation || !c.Audio.NoiseSuppression || !c.Audio.AutoGainControl {
		t.Errorf("audio processing must always be requested: %+v", c.Audio)
	}
	if c.Audio.DeviceID != "mic-1" {
		t.Errorf("audio device = %q", c.Audio.DeviceID)
	}
	if c.Video == nil || c.Video.Width.Ideal != 1280 || c.Video.FrameRate.Min != 15 {
		t.Errorf("video = %+v", c.Video)
	}
	if !media.ConversationConstraints("", "", false).AudioOnly() {
		t.Error("expected audio-only request")
	}
}

func TestDevices_HasLabels(t *testing.T) {
	t.Parallel()
	d := media.Devices{AudioInputs: []media.DeviceInfo{{ID: "a"}}}
	if d.HasLabels() {
		t.Error("unlabelled devices reported as labelled")
	}
	d.VideoInputs = []media.DeviceInfo{{ID: "v", Label: "FaceTime HD"}}
	if !d.HasLabels() {
		t.Error("labelled device not detected")
	}
}

func TestListFailed(t *testing.T) {
	t.Parallel()
	videoOnly := fmt.Errorf("ffmpeg: %w", &media.ListError{Video: errors.New("no v4l2")})
	tests := []struct {
		name             string
		err              error
		wantAudio, wantV bool
	}{
		{"nil", nil, false, false},
		{"video side", videoOnly, false, true},
		{"audio side", &media.ListError{Audio: errors.New("no pulse")}, true, false},
		{"both sides", &media.ListError{Audio: errors.New("a"), Video: errors.New("v")}, true, true},
		{"opaque", errors.New("busy"), true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := media.ListFailed(tt.err, media.AudioInput); got != tt.wantAudio {
				t.Errorf("audio = %v, want %v", got, tt.wantAudio)
			}
			if got := media.ListFailed(tt.err, media.VideoInput); got != tt.wantV {
				t.Errorf("video = %v, want %v", got, tt.wantV)
			}
		})
	}
	if !strings.Contains(videoOnly.Error(), "video") {
		t.Errorf("message %q does not name the failed side", videoOnly)
	}
}
