package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/marz/internal/transcript"
	"github.com/MrWong99/marz/pkg/audio"
	"github.com/MrWong99/marz/pkg/media"
	"github.com/MrWong99/marz/pkg/provider/live"
)

// Dispatch applies one provider event to the current session. Events that
// are not legal in the current state are logged and ignored; the returned
// error wraps [ErrIllegalEvent] in that case.
func (o *Orchestrator) Dispatch(ev live.Event) error {
	o.mu.Lock()
	res := o.res
	o.mu.Unlock()
	if res == nil {
		slog.Warn("session: event without session", "event", ev.Kind)
		o.metrics.RecordSessionEvent(context.Background(), ev.Kind.String(), false)
		return fmt.Errorf("%w: %s while %s", ErrIllegalEvent, ev.Kind, o.State())
	}
	return o.dispatch(res, ev)
}

func (o *Orchestrator) dispatch(res *resources, ev live.Event) error {
	o.mu.Lock()
	if o.res != res {
		o.mu.Unlock()
		return ErrSuperseded
	}
	state := o.state
	if !state.accepts(ev.Kind) {
		o.mu.Unlock()
		slog.Warn("session: ignoring illegal event", "event", ev.Kind, "state", state)
		o.metrics.RecordSessionEvent(res.ctx, ev.Kind.String(), false)
		return fmt.Errorf("%w: %s while %s", ErrIllegalEvent, ev.Kind, state)
	}
	o.metrics.RecordSessionEvent(res.ctx, ev.Kind.String(), true)

	switch ev.Kind {
	case live.EventOpen:
		o.state = StateConnected
		o.wire(res, media.FirstAudio(res.stream), res.camera, o.videoEnabled)
		o.mu.Unlock()
		o.metrics.RecordSessionStart(res.ctx, "ok", time.Since(res.started))
		slog.Info("session: connected")
		o.publish()

	case live.EventMessage:
		if ev.Message != nil {
			o.applyMessage(res, ev.Message)
		}
		o.mu.Unlock()
		o.publish()

	case live.EventError:
		o.mu.Unlock()
		slog.Error("session: remote error", "err", ev.Err)
		_ = o.teardown(res, StateError)

	case live.EventClose:
		o.mu.Unlock()
		slog.Info("session: remote close", "reason", ev.Reason)
		_ = o.teardown(res, StateClosed)

	default:
		o.mu.Unlock()
	}
	return nil
}

// applyMessage routes one server message. The caller holds o.mu. Fields are
// applied in a fixed order: transcripts, interruption, turn completion, then
// audio.
func (o *Orchestrator) applyMessage(res *resources, m *live.Message) {
	if m.InputTranscript != "" {
		o.acc.AppendInput(m.InputTranscript)
	}
	if m.OutputTranscript != "" {
		o.modelTalking = true
		if upd := o.acc.AppendOutput(m.OutputTranscript); upd.EmotionChanged {
			slog.Debug("session: emotion", "emotion", upd.Emotion)
		}
	}

	if m.Interrupted {
		res.sched.StopAll()
		o.modelTalking = false
		o.hasAudioInTurn = false
		o.metrics.Interruptions.Add(res.ctx, 1)
	}

	if m.TurnComplete {
		o.acc.CompleteTurn()
		if !o.hasAudioInTurn {
			o.modelTalking = false
		}
		o.hasAudioInTurn = false
	}

	for _, b := range m.Audio {
		if !live.IsAudio(b.MIMEType) || b.Empty() || !o.voiceOutput.Load() {
			continue
		}
		raw, err := audio.Decode(b.Data)
		if err != nil {
			slog.Warn("session: dropping undecodable audio", "err", err)
			continue
		}
		buf := audio.DecodePCM(raw, live.SampleRate(b.MIMEType, audio.OutputSampleRate), 1)
		if buf.Frames() == 0 {
			continue
		}
		o.hasAudioInTurn = true
		o.modelTalking = true
		if _, err := res.sched.Schedule(buf); err != nil {
			slog.Warn("session: schedule playback", "err", err)
			continue
		}
		o.metrics.PlaybackSegments.Add(res.ctx, 1)
	}
}

// playbackIdle runs when the last in-flight segment of res finished.
func (o *Orchestrator) playbackIdle(res *resources) {
	o.mu.Lock()
	if o.res != res {
		o.mu.Unlock()
		return
	}
	o.modelTalking = false
	if o.acc.Emotion() == transcript.EmotionIdle {
		o.acc.SetEmotion(transcript.EmotionCalm)
	}
	o.mu.Unlock()
	o.publish()
}
