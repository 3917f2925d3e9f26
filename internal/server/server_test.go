package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/marz/internal/diagnostics"
	"github.com/MrWong99/marz/internal/health"
	"github.com/MrWong99/marz/internal/observe"
	"github.com/MrWong99/marz/internal/prefs"
	"github.com/MrWong99/marz/internal/server"
	"github.com/MrWong99/marz/internal/session"
	"github.com/MrWong99/marz/internal/sink"
	"github.com/MrWong99/marz/pkg/audio"
	audiomock "github.com/MrWong99/marz/pkg/audio/mock"
	"github.com/MrWong99/marz/pkg/media"
	mediamock "github.com/MrWong99/marz/pkg/media/mock"
	livemock "github.com/MrWong99/marz/pkg/provider/live/mock"
)

type fixture struct {
	url      string
	o        *session.Orchestrator
	provider *livemock.Provider
	gateway  *mediamock.Gateway
	store    *prefs.MemoryStore
	hub      *sink.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		provider: &livemock.Provider{},
		gateway: &mediamock.Gateway{DevicesResult: media.Devices{
			AudioInputs: []media.DeviceInfo{{ID: "mic-1", Label: "USB Mic", Kind: media.AudioInput}},
			VideoInputs: []media.DeviceInfo{{ID: "cam-1", Label: "Webcam", Kind: media.VideoInput}},
		}},
		store: prefs.NewMemoryStore(prefs.Preferences{}),
		hub:   sink.NewHub(),
	}
	newOutput := func(int) (audio.OutputContext, error) { return &audiomock.OutputContext{}, nil }
	f.o = session.New(f.provider, f.gateway, newOutput,
		session.WithMetrics(met),
		session.WithPreferences(f.store, prefs.Preferences{}),
		session.WithVideo(false),
		session.WithCaptureWindow(4),
	)
	detach := sink.Attach(f.o, f.hub)

	srv := server.New(f.o,
		server.WithMetrics(met),
		server.WithDiagnostics(diagnostics.New(f.gateway, diagnostics.WithMetrics(met))),
		server.WithEvents(f.hub),
		server.WithHealth(health.New(nil)),
		server.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		})),
	)
	ts := httptest.NewServer(srv.Handler())
	f.url = ts.URL
	t.Cleanup(func() {
		detach()
		_ = f.hub.Close()
		ts.Close()
		_ = f.o.Stop()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.url+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func snapshotOf(t *testing.T, data []byte) session.Snapshot {
	t.Helper()
	var s session.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("decode snapshot %q: %v", data, err)
	}
	return s
}

type problemBody struct {
	Error string        `json:"error"`
	Media *media.Report `json:"media"`
}

func problemOf(t *testing.T, data []byte) problemBody {
	t.Helper()
	var p problemBody
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode problem %q: %v", data, err)
	}
	return p
}

// ── session lifecycle ────────────────────────────────────────────────────────

func TestStartAndStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, data := f.do(t, "POST", "/api/session/start", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d: %s", resp.StatusCode, data)
	}
	if s := snapshotOf(t, data); s.State != session.StateConnecting || s.View != session.ViewChat {
		t.Errorf("after start: state=%s view=%s", s.State, s.View)
	}
	if f.provider.SessionCount() != 1 {
		t.Errorf("sessions = %d, want 1", f.provider.SessionCount())
	}

	resp, data = f.do(t, "POST", "/api/session/start", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", resp.StatusCode)
	}
	if p := problemOf(t, data); !strings.Contains(p.Error, "already active") {
		t.Errorf("error = %q", p.Error)
	}

	resp, data = f.do(t, "POST", "/api/session/stop", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	if s := snapshotOf(t, data); s.State != session.StateClosed || s.View != session.ViewWelcome {
		t.Errorf("after stop: state=%s view=%s", s.State, s.View)
	}
	if !f.provider.Last().Closed() {
		t.Error("live session not closed")
	}
}

func TestStart_MediaError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.gateway.RequestErr = media.NewError(media.NameNotAllowed, "denied", nil)

	resp, data := f.do(t, "POST", "/api/session/start", "")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", resp.StatusCode, data)
	}
	p := problemOf(t, data)
	if p.Media == nil || p.Media.Kind != media.KindPermissionDenied || len(p.Media.Troubleshooting) == 0 {
		t.Errorf("media report = %+v", p.Media)
	}

	_, data = f.do(t, "GET", "/api/state", "")
	s := snapshotOf(t, data)
	if !s.DiagnosticsOffered || s.LastMediaError == nil {
		t.Errorf("state = %+v", s)
	}

	_, data = f.do(t, "POST", "/api/media-error/clear", "")
	if s := snapshotOf(t, data); s.DiagnosticsOffered || s.LastMediaError != nil {
		t.Errorf("after clear: %+v", s)
	}
}

func TestStart_ConnectError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.provider.ConnectErr = errors.New("dial refused")

	resp, _ := f.do(t, "POST", "/api/session/start", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if resp, _ := f.do(t, "POST", "/api/session/pause", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("pause while idle = %d, want 409", resp.StatusCode)
	}

	f.do(t, "POST", "/api/session/start", "")
	resp, data := f.do(t, "POST", "/api/session/pause", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d", resp.StatusCode)
	}
	if s := snapshotOf(t, data); !s.Paused || s.View != session.ViewChat || s.State.Active() {
		t.Errorf("after pause: %+v", s)
	}

	resp, data = f.do(t, "POST", "/api/session/resume", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}
	if s := snapshotOf(t, data); s.Paused || s.State != session.StateConnecting {
		t.Errorf("after resume: %+v", s)
	}
	if f.provider.SessionCount() != 2 {
		t.Errorf("sessions = %d, want 2", f.provider.SessionCount())
	}
}

// ── controls ─────────────────────────────────────────────────────────────────

func TestControls(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name       string
		path, body string
		wantStatus int
		check      func(session.Snapshot) bool
	}{
		{"mute", "/api/mute", `{"muted":true}`, 200, func(s session.Snapshot) bool { return s.Muted }},
		{"unmute", "/api/mute", `{"muted":false}`, 200, func(s session.Snapshot) bool { return !s.Muted }},
		{"mute missing field", "/api/mute", `{}`, 400, nil},
		{"mute unknown field", "/api/mute", `{"muted":true,"loud":1}`, 400, nil},
		{"mute bad json", "/api/mute", `{`, 400, nil},
		{"voice output off", "/api/voice-output", `{"enabled":false}`, 200, func(s session.Snapshot) bool { return !s.VoiceOutput }},
		{"voice", "/api/voice", `{"voice":"Puck"}`, 200, func(s session.Snapshot) bool { return s.Voice == session.VoicePuck }},
		{"voice unknown", "/api/voice", `{"voice":"Bogus"}`, 400, nil},
		{"video on", "/api/video", `{"enabled":true}`, 200, func(s session.Snapshot) bool { return s.VideoEnabled }},
		{"video toggle", "/api/video", ``, 200, func(s session.Snapshot) bool { return !s.VideoEnabled }},
		{"avatar", "/api/avatar", `{"avatar_id":"fox","custom_avatar_url":"https://cdn.example/fox.png"}`, 200,
			func(s session.Snapshot) bool { return s.AvatarID == "fox" && s.CustomAvatarURL == "https://cdn.example/fox.png" }},
		{"avatar invalid url", "/api/avatar", `{"avatar_id":"x","custom_avatar_url":"javascript:alert(1)"}`, 400, nil},
	}
	// Subtests share the fixture and run in order.
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := f.do(t, "POST", tt.path, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tt.wantStatus, data)
			}
			if tt.check != nil && !tt.check(snapshotOf(t, data)) {
				t.Errorf("unexpected snapshot: %s", data)
			}
		})
	}

	p, _ := f.store.Load(context.Background())
	if p.AvatarID != "fox" {
		t.Errorf("persisted avatar = %q, want fox", p.AvatarID)
	}
}

func TestSelectDevices(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, data := f.do(t, "POST", "/api/devices/select", `{"microphone_id":"mic-1","camera_id":"cam-1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	if s := snapshotOf(t, data); s.MicrophoneID != "mic-1" || s.CameraID != "cam-1" {
		t.Errorf("snapshot ids = %q/%q", s.MicrophoneID, s.CameraID)
	}
	p, _ := f.store.Load(context.Background())
	if p.MicrophoneID != "mic-1" || p.CameraID != "cam-1" {
		t.Errorf("persisted = %+v", p)
	}

	f.do(t, "POST", "/api/session/start", "")
	f.gateway.RequestErr = media.NewError(media.NameNotReadable, "", nil)
	resp, data = f.do(t, "POST", "/api/devices/select", `{"microphone_id":"mic-2"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("failed switch status = %d: %s", resp.StatusCode, data)
	}
	if pb := problemOf(t, data); pb.Media == nil || pb.Media.Kind != media.KindDeviceBusy {
		t.Errorf("media = %+v", pb.Media)
	}
}

// ── queries ──────────────────────────────────────────────────────────────────

func TestDevices(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, data := f.do(t, "GET", "/api/devices", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got struct {
		AudioInputs []media.DeviceInfo `json:"audioInputs"`
		VideoInputs []media.DeviceInfo `json:"videoInputs"`
		Stale       bool               `json:"stale"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.AudioInputs) != 1 || got.AudioInputs[0].ID != "mic-1" || got.Stale {
		t.Errorf("devices = %s", data)
	}

	f.gateway.ListErr = errors.New("enumeration failed")
	_, data = f.do(t, "GET", "/api/devices", "")
	got.AudioInputs, got.Stale = nil, false
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if !got.Stale || len(got.AudioInputs) != 1 {
		t.Errorf("failed enumeration should return stale previous lists: %s", data)
	}
}

func TestDiagnostics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, data := f.do(t, "GET", "/api/diagnostics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var rep diagnostics.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatal(err)
	}
	if !rep.Status.HasMicrophone || !rep.TestResult.Audio || !rep.TestResult.Video {
		t.Errorf("report = %s", data)
	}

	resp, data = f.do(t, "GET", "/api/diagnostics/export", "")
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "media-diagnostics.json") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if !json.Valid(data) {
		t.Errorf("export is not JSON: %s", data)
	}

	f.gateway.RequestErr = media.NewError(media.NameNotAllowed, "", nil)
	resp, _ = f.do(t, "POST", "/api/diagnostics/access", "")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("access status = %d, want 422", resp.StatusCode)
	}
}

func TestAuxiliaryRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/api/state"} {
		if resp, _ := f.do(t, "GET", path, ""); resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}
	if resp, _ := f.do(t, "POST", "/api/state", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/state = %d, want 405", resp.StatusCode)
	}
	if resp, _ := f.do(t, "GET", "/api/session/start", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/session/start = %d, want 405", resp.StatusCode)
	}
}

func TestEventsStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.url, "http")+"/api/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	f.do(t, "POST", "/api/mute", `{"muted":true}`)
	var s session.Snapshot
	if err := wsjson.Read(ctx, conn, &s); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !s.Muted {
		t.Errorf("streamed snapshot muted = false")
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := server.New(session.New(&livemock.Provider{}, &mediamock.Gateway{}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln, time.Second) }()

	url := "http://" + ln.Addr().String() + "/api/state"
	var resp *http.Response
	for range 50 {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
