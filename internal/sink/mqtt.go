package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/MrWong99/marz/internal/resilience"
	"github.com/MrWong99/marz/internal/session"
	"github.com/MrWong99/marz/internal/transcript"
)

// DefaultTopic is the topic prefix used when none is configured.
const DefaultTopic = "marz"

var errPublishTimeout = errors.New("sink: mqtt publish timed out")

// MQTTClient is the subset of [paho.Client] the sink uses.
type MQTTClient interface {
	Connect() paho.Token
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
	Disconnect(quiesce uint)
}

var _ MQTTClient = paho.Client(nil)

// MQTTOptions configures an [MQTT] sink.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string

	// Topic is the prefix; messages go to <Topic>/state, <Topic>/emotion and
	// <Topic>/speaking.
	Topic  string
	QoS    byte
	Retain bool

	// PublishTimeout bounds each publish. Default: 5s.
	PublishTimeout time.Duration

	// Breaker guards publishes. Nil uses a default breaker.
	Breaker *resilience.Breaker
}

// MQTT publishes snapshots to a broker for external displays.
//
// Snapshots are coalesced: when the broker is slower than the conversation,
// only the newest pending snapshot is published. Publishing while the client
// is disconnected is skipped; the newest state is republished on reconnect.
type MQTT struct {
	client  MQTTClient
	opts    MQTTOptions
	breaker *resilience.Breaker

	mailbox chan session.Snapshot
	resend  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	// owned by run
	prev *session.Snapshot
	last *session.Snapshot
}

var _ Sink = (*MQTT)(nil)

// statePayload is the JSON document on <topic>/state.
type statePayload struct {
	Seq          uint64             `json:"seq"`
	State        session.State      `json:"state"`
	View         session.View       `json:"view"`
	Emotion      transcript.Emotion `json:"emotion"`
	ModelTalking bool               `json:"model_talking"`
	Muted        bool               `json:"muted"`
	Paused       bool               `json:"paused"`
	VoiceOutput  bool               `json:"voice_output"`
	VideoEnabled bool               `json:"video_enabled"`
	Voice        session.Voice      `json:"voice"`
	AvatarID     string             `json:"avatar_id,omitempty"`
	AvatarURL    string             `json:"custom_avatar_url,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// NewMQTT creates a paho client for opts.Broker and starts connecting in the
// background. It does not wait for the broker.
func NewMQTT(opts MQTTOptions) *MQTT {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "marz"
	}
	m := newMQTT(nil, opts)

	po := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(10 * time.Second).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			slog.Warn("sink: mqtt connection lost", "broker", opts.Broker, "err", err)
		}).
		SetOnConnectHandler(func(paho.Client) {
			slog.Info("sink: mqtt connected", "broker", opts.Broker)
			m.reconnected()
		})
	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}
	m.client = paho.NewClient(po)

	tok := m.client.Connect()
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			slog.Warn("sink: mqtt connect failed", "broker", opts.Broker, "err", err)
		}
	}()
	go m.run()
	return m
}

// NewMQTTWithClient creates a sink on an existing client. The caller owns
// connecting; Close still disconnects it.
func NewMQTTWithClient(client MQTTClient, opts MQTTOptions) *MQTT {
	m := newMQTT(client, opts)
	go m.run()
	return m
}

func newMQTT(client MQTTClient, opts MQTTOptions) *MQTT {
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	b := opts.Breaker
	if b == nil {
		b = resilience.NewBreaker("mqtt")
	}
	return &MQTT{
		client:  client,
		opts:    opts,
		breaker: b,
		mailbox: make(chan session.Snapshot, 1),
		resend:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Publish implements [Sink]. It replaces any snapshot still waiting.
func (m *MQTT) Publish(s session.Snapshot) {
	for {
		select {
		case m.mailbox <- s:
			return
		default:
		}
		select {
		case <-m.mailbox:
		default:
		}
	}
}

// reconnected schedules a full republish of the newest state.
func (m *MQTT) reconnected() {
	select {
	case m.resend <- struct{}{}:
	default:
	}
}

func (m *MQTT) run() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case s := <-m.mailbox:
			m.handle(s)
		case <-m.resend:
			if m.last != nil {
				m.prev = nil
				m.handle(*m.last)
			}
		}
	}
}

func (m *MQTT) handle(s session.Snapshot) {
	m.last = &s
	c := Compare(m.prev, s)
	if !c.State && !c.Emotion && !c.Speaking && !c.MediaError && !c.Settings {
		return
	}
	if !m.client.IsConnectionOpen() {
		slog.Debug("sink: mqtt not connected, deferring publish")
		return
	}

	ok := true
	if c.Emotion {
		ok = m.send("emotion", []byte(s.Emotion)) && ok
	}
	if c.Speaking {
		ok = m.send("speaking", []byte(strconv.FormatBool(s.ModelTalking))) && ok
	}
	body, err := json.Marshal(toPayload(s))
	if err != nil {
		slog.Error("sink: encode mqtt state", "err", err)
		return
	}
	ok = m.send("state", body) && ok

	if ok {
		m.prev = &s
	}
}

func (m *MQTT) send(sub string, payload []byte) bool {
	topic := m.opts.Topic + "/" + sub
	err := m.breaker.Execute(func() error {
		tok := m.client.Publish(topic, m.opts.QoS, m.opts.Retain, payload)
		if !tok.WaitTimeout(m.opts.PublishTimeout) {
			return errPublishTimeout
		}
		return tok.Error()
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, resilience.ErrOpen):
		slog.Debug("sink: mqtt breaker open, dropping", "topic", topic)
	default:
		slog.Warn("sink: mqtt publish failed", "topic", topic, "err", err)
	}
	return false
}

func toPayload(s session.Snapshot) statePayload {
	p := statePayload{
		Seq:          s.Seq,
		State:        s.State,
		View:         s.View,
		Emotion:      s.Emotion,
		ModelTalking: s.ModelTalking,
		Muted:        s.Muted,
		Paused:       s.Paused,
		VoiceOutput:  s.VoiceOutput,
		VideoEnabled: s.VideoEnabled,
		Voice:        s.Voice,
		AvatarID:     s.AvatarID,
		AvatarURL:    s.CustomAvatarURL,
	}
	if s.LastMediaError != nil {
		p.Error = s.LastMediaError.Message
	}
	return p
}

// Close stops publishing and disconnects the client. Idempotent.
func (m *MQTT) Close() error {
	m.once.Do(func() {
		close(m.stop)
		<-m.done
		if m.client != nil {
			m.client.Disconnect(250)
		}
	})
	return nil
}

// String describes the sink for logs.
func (m *MQTT) String() string {
	return fmt.Sprintf("mqtt(%s)", m.opts.Topic)
}
