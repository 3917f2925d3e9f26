// Package server exposes the conversation over HTTP: a JSON control API under
// /api, a websocket snapshot stream, health probes and Prometheus metrics.
//
//	POST /api/session/start       start a conversation
//	POST /api/session/stop        end it and return to the welcome view
//	POST /api/session/pause       stop, keeping the chat view
//	POST /api/session/resume      start again after a pause
//	POST /api/mute                {"muted": bool}
//	POST /api/voice-output        {"enabled": bool}
//	POST /api/voice               {"voice": "Zephyr"|"Kore"|"Puck"}
//	POST /api/video               {"enabled": bool}, or no body to toggle
//	POST /api/devices/select      {"microphone_id": "...", "camera_id": "..."}
//	POST /api/avatar              {"avatar_id": "...", "custom_avatar_url": "..."}
//	POST /api/media-error/clear   dismiss the last media error
//	GET  /api/devices             enumerate capture devices
//	GET  /api/state               current snapshot
//	GET  /api/diagnostics         run diagnostics
//	GET  /api/diagnostics/export  last (or a fresh) report as a JSON download
//	POST /api/diagnostics/access  request device access once
//	GET  /api/events              websocket stream of snapshots
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/MrWong99/marz/internal/diagnostics"
	"github.com/MrWong99/marz/internal/health"
	"github.com/MrWong99/marz/internal/observe"
	"github.com/MrWong99/marz/internal/prefs"
	"github.com/MrWong99/marz/internal/session"
	"github.com/MrWong99/marz/pkg/media"
)

// maxBody bounds JSON request bodies.
const maxBody = 64 << 10

// Conversation is the control surface of a [session.Orchestrator].
type Conversation interface {
	Start(ctx context.Context) error
	Stop() error
	Pause() error
	Resume(ctx context.Context) error
	SetMuted(muted bool)
	SetVoiceOutput(enabled bool)
	SetVoice(v session.Voice) error
	SetVideo(ctx context.Context, enabled bool) error
	ToggleVideo(ctx context.Context) error
	SelectDevices(ctx context.Context, micID, camID string) error
	SetAvatar(ctx context.Context, avatarID, customURL string) error
	ListDevices(ctx context.Context) (media.Devices, error)
	ClearMediaError()
	Snapshot() session.Snapshot
}

// Diagnostics runs media diagnostics on request.
type Diagnostics interface {
	Run(ctx context.Context) diagnostics.Report
	Last() (diagnostics.Report, bool)
	RequestAccess(ctx context.Context) error
}

var (
	_ Conversation = (*session.Orchestrator)(nil)
	_ Diagnostics  = (*diagnostics.Runner)(nil)
)

// Option configures a [Server].
type Option func(*Server)

// WithDiagnostics enables the /api/diagnostics routes.
func WithDiagnostics(d Diagnostics) Option {
	return func(s *Server) { s.diag = d }
}

// WithEvents mounts h at /api/events, typically a [sink.Hub].
func WithEvents(h http.Handler) Option {
	return func(s *Server) { s.events = h }
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics records request metrics into m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTLS serves HTTPS with the given certificate files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) { s.certFile, s.keyFile = certFile, keyFile }
}

// Server is the HTTP front of a conversation.
type Server struct {
	conv           Conversation
	diag           Diagnostics
	events         http.Handler
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	certFile       string
	keyFile        string

	handler http.Handler
}

// New builds the route table.
func New(conv Conversation, opts ...Option) *Server {
	s := &Server{conv: conv}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/session/start", s.handleStart)
	mux.HandleFunc("POST /api/session/stop", s.handleStop)
	mux.HandleFunc("POST /api/session/pause", s.handlePause)
	mux.HandleFunc("POST /api/session/resume", s.handleResume)
	mux.HandleFunc("POST /api/mute", s.handleMute)
	mux.HandleFunc("POST /api/voice-output", s.handleVoiceOutput)
	mux.HandleFunc("POST /api/voice", s.handleVoice)
	mux.HandleFunc("POST /api/video", s.handleVideo)
	mux.HandleFunc("POST /api/devices/select", s.handleSelectDevices)
	mux.HandleFunc("POST /api/avatar", s.handleAvatar)
	mux.HandleFunc("POST /api/media-error/clear", s.handleClearMediaError)
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/state", s.handleState)
	if s.diag != nil {
		mux.HandleFunc("GET /api/diagnostics", s.handleDiagnostics)
		mux.HandleFunc("GET /api/diagnostics/export", s.handleDiagnosticsExport)
		mux.HandleFunc("POST /api/diagnostics/access", s.handleDiagnosticsAccess)
	}
	if s.events != nil {
		mux.Handle("GET /api/events", s.events)
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the instrumented route table.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.certFile != "" {
			err = srv.ServeTLS(ln, s.certFile, s.keyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	slog.Info("server: listening", "addr", ln.Addr().String(), "tls", s.certFile != "")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// ── session lifecycle ────────────────────────────────────────────────────────

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.conv.Start(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.conv.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.conv.Stop(); err != nil {
		observe.Logger(r.Context()).Warn("server: stop reported errors", "err", err)
	}
	writeJSON(w, http.StatusOK, s.conv.Snapshot())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	err := s.conv.Pause()
	if errors.Is(err, session.ErrNotActive) {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		observe.Logger(r.Context()).Warn("server: pause reported errors", "err", err)
	}
	writeJSON(w, http.StatusOK, s.conv.Snapshot())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.conv.Resume(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.conv.Snapshot())
}

// ── controls ─────────────────────────────────────────────────────────────────

type muteRequest struct {
	Muted *bool `json:"muted"`
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Muted == nil {
		writeProblem(w, http.StatusBadRequest, "muted is required")
		return
	}
	s.conv.SetMuted(*req.Muted)
	writeJSON(w, http.StatusOK, s.conv.Snapshot())
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleVoiceOutput(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeProblem(w, http.StatusBadRequest, "enabled is required")
		return
	}
	s.conv.SetVoiceOutput(*req.Enabled)
	writeJSON(w, http.StatusOK, s.conv.Snapshot())
}

type voiceRequest struct {
	Voice string `json:"voice"`
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	var req voiceRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := session.ParseVoice(req.Voice)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.conv.SetVoice(v); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.conv.Snapshot())
}

// handleVideo sets the camera state; an empty body toggles it.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	var err error
	if req.Enabled == nil {
		err = s.conv.ToggleVideo(r.Context())
	} else {
		err = s.conv.SetVideo(r.Context(), *req.Enabled)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.conv.Snapshot())
}

type selectRequest struct {
	MicrophoneID string `json:"microphone_id"`
	CameraID     string `json:"camera_id"`
}

func (s *Server) handleSelectDevices(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.conv.SelectDevices(r.Context(), req.MicrophoneID, req.CameraID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.conv.Snapshot())
}

type avatarRequest struct {
	AvatarID        string `json:"avatar_id"`
	CustomAvatarURL string `json:"custom_avatar_url"`
}

func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request) {
	var req avatarRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.conv.SetAvatar(r.Context(), req.AvatarID, req.CustomAvatarURL); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.conv.Snapshot())
}

func (s *Server) handleClearMediaError(w http.ResponseWriter, _ *http.Request) {
	s.conv.ClearMediaError()
	writeJSON(w, http.StatusOK, s.conv.Snapshot())
}

// ── queries ──────────────────────────────────────────────────────────────────

type devicesResponse struct {
	media.Devices
	Stale bool   `json:"stale,omitempty"`
	Error string `json:"error,omitempty"`
}

// handleDevices always answers with the best known lists; a failed
// enumeration is flagged stale.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	d, err := s.conv.ListDevices(r.Context())
	resp := devicesResponse{Devices: d}
	if err != nil {
		resp.Stale = true
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.conv.Snapshot())
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.diag.Run(r.Context()))
}

func (s *Server) handleDiagnosticsExport(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.diag.Last()
	if !ok {
		rep = s.diag.Run(r.Context())
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="media-diagnostics.json"`)
	if err := rep.Export(w); err != nil {
		observe.Logger(r.Context()).Warn("server: export diagnostics", "err", err)
	}
}

func (s *Server) handleDiagnosticsAccess(w http.ResponseWriter, r *http.Request) {
	if err := s.diag.RequestAccess(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.diag.Run(r.Context()))
}

// ── encoding ─────────────────────────────────────────────────────────────────

type problem struct {
	Error string        `json:"error"`
	Media *media.Report `json:"media,omitempty"`
}

// writeError maps domain errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var me *media.Error
	switch {
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, session.ErrNotActive),
		errors.Is(err, session.ErrSuperseded):
		writeProblem(w, http.StatusConflict, err.Error())
	case errors.Is(err, prefs.ErrInvalid):
		writeProblem(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &me):
		rep := media.Describe(me)
		writeJSON(w, http.StatusUnprocessableEntity, problem{Error: err.Error(), Media: &rep})
	default:
		observe.Logger(r.Context()).Error("server: request failed", "route", observe.Route(r), "err", err)
		writeProblem(w, http.StatusBadGateway, err.Error())
	}
}

func writeProblem(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, problem{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeOptional is [decode] but accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeProblem(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
