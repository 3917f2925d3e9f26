// Package genai implements live.Provider on top of the official Google Gen AI
// Go SDK (google.golang.org/genai) live client.
package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/MrWong99/marz/pkg/audio"
	"github.com/MrWong99/marz/pkg/provider/live"
)

// Compile-time assertions.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const defaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the default model used when live.Config.Model is empty.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the SDK's API endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithClient injects a preconfigured SDK client.
func WithClient(c *genai.Client) Option {
	return func(p *Provider) { p.client = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider with the Gen AI SDK.
type Provider struct {
	apiKey  string
	model   string
	baseURL string

	mu     sync.Mutex
	client *genai.Client
}

// New creates a Provider. The SDK client is created lazily on first Connect.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: defaultModel}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) sdk(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	cc := &genai.ClientConfig{APIKey: p.apiKey, Backend: genai.BackendGeminiAPI}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	c, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}
	p.client = c
	return c, nil
}

// Connect opens a live session. The SDK returns once the setup has been sent;
// live.EventOpen follows when the service acknowledges it.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	client, err := p.sdk(ctx)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	conn, err := client.Live.Connect(ctx, model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w", err)
	}

	s := &session{
		conn:   conn,
		events: make(chan live.Event, 64),
		done:   make(chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

// connectConfig maps a live.Config onto the SDK's connect options.
func connectConfig(cfg live.Config) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{}
	for _, m := range cfg.ResponseModalities() {
		lc.ResponseModalities = append(lc.ResponseModalities, genai.Modality(m))
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// toMessage converts SDK server content into a live.Message. Inline audio is
// re-encoded to base64 so both providers deliver the wire representation.
func toMessage(sc *genai.LiveServerContent) *live.Message {
	m := &live.Message{
		TurnComplete: sc.TurnComplete,
		Interrupted:  sc.Interrupted,
	}
	if sc.InputTranscription != nil {
		m.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		m.OutputTranscript = sc.OutputTranscription.Text
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if !live.IsAudio(part.InlineData.MIMEType) {
				continue
			}
			m.Audio = append(m.Audio, audio.Blob{
				MIMEType: part.InlineData.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(part.InlineData.Data),
			})
		}
	}
	return m
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *genai.Session
	events chan live.Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *session) receiveLoop() {
	defer close(s.events)
	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.emit(terminalEvent(err))
			return
		}
		if msg.SetupComplete != nil {
			if !s.emit(live.Event{Kind: live.EventOpen}) {
				return
			}
		}
		if msg.ServerContent != nil {
			if !s.emit(live.Event{Kind: live.EventMessage, Message: toMessage(msg.ServerContent)}) {
				return
			}
		}
	}
}

// terminalEvent classifies a receive error. The SDK surfaces websocket close
// frames as errors whose text carries the close status.
func terminalEvent(err error) live.Event {
	text := err.Error()
	if strings.Contains(text, "close 1000") || strings.Contains(text, "normal closure") {
		return live.Event{Kind: live.EventClose, Reason: text}
	}
	return live.Event{Kind: live.EventError, Err: fmt.Errorf("genai: receive: %w", err)}
}

func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SendRealtimeInput streams one audio window or image still.
func (s *session) SendRealtimeInput(_ context.Context, b audio.Blob) error {
	if s.isClosed() {
		return live.ErrSessionClosed
	}
	if b.Empty() {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return fmt.Errorf("genai: decode input: %w", err)
	}
	blob := &genai.Blob{MIMEType: b.MIMEType, Data: raw}
	in := genai.LiveRealtimeInput{}
	if live.IsAudio(b.MIMEType) {
		in.Audio = blob
	} else {
		in.Video = blob
	}
	if err := s.conn.SendRealtimeInput(in); err != nil {
		return fmt.Errorf("genai: send realtime input: %w", err)
	}
	return nil
}

// Events returns the session event stream.
func (s *session) Events() <-chan live.Event { return s.events }

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	if err := s.conn.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("genai: close: %w", err)
	}
	return nil
}
