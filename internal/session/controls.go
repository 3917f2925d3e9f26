package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/marz/internal/observe"
	"github.com/MrWong99/marz/pkg/media"
	"github.com/MrWong99/marz/pkg/video"
)

// switchFailedMessage replaces the kind message when a live device switch
// fails; the previous devices stay in use.
const switchFailedMessage = "Could not switch devices. Please ensure permissions are granted."

// cameraFailedMessage is reported when re-enabling the camera fails.
const cameraFailedMessage = "Could not enable camera. Please check permissions."

// SetMuted gates microphone forwarding. It takes effect at the next window
// boundary; metering continues while muted.
func (o *Orchestrator) SetMuted(muted bool) {
	if o.muted.Swap(muted) != muted {
		o.publish()
	}
}

// SetVoiceOutput gates playback of model speech received from now on.
// Segments already scheduled keep playing.
func (o *Orchestrator) SetVoiceOutput(enabled bool) {
	if o.voiceOutput.Swap(enabled) != enabled {
		o.publish()
	}
}

// SetVoice selects the voice style used by the next session.
// An empty voice selects [DefaultVoice].
func (o *Orchestrator) SetVoice(v Voice) error {
	v, err := ParseVoice(string(v))
	if err != nil {
		return err
	}
	o.mu.Lock()
	changed := o.voice != v
	o.voice = v
	o.mu.Unlock()
	if changed {
		o.publish()
	}
	return nil
}

// SetAvatar persists the avatar selection.
func (o *Orchestrator) SetAvatar(ctx context.Context, avatarID, customURL string) error {
	o.mu.Lock()
	p := o.selection
	o.mu.Unlock()
	p.AvatarID, p.CustomAvatarURL = avatarID, customURL
	if err := o.prefs.Save(ctx, p); err != nil {
		return fmt.Errorf("session: save avatar: %w", err)
	}
	o.mu.Lock()
	o.selection.AvatarID, o.selection.CustomAvatarURL = avatarID, customURL
	o.mu.Unlock()
	o.publish()
	return nil
}

// SetVideo turns the camera on or off. Without a live stream only the flag
// changes and applies at the next start. Turning it off stops every video
// track and the sampler; turning it on acquires a fresh camera track and
// restarts sampling once connected.
func (o *Orchestrator) SetVideo(ctx context.Context, enabled bool) error {
	o.mu.Lock()
	res := o.res
	if res == nil || res.stream == nil {
		changed := o.videoEnabled != enabled
		o.videoEnabled = enabled
		o.mu.Unlock()
		if changed {
			o.publish()
		}
		return nil
	}
	if o.videoEnabled == enabled {
		o.mu.Unlock()
		return nil
	}
	camID := o.selection.CameraID
	if !enabled {
		o.videoEnabled = false
		res.camera = nil
		streams := append([]media.Stream{res.stream}, res.extra...)
		o.mu.Unlock()

		res.sampler.Disable()
		for _, s := range streams {
			media.StopVideo(s)
		}
		o.publish()
		return nil
	}
	o.mu.Unlock()

	vs, err := o.gateway.RequestStream(ctx, media.Constraints{Video: media.DefaultVideo(camID)})
	if err != nil {
		o.recordDeviceError(ctx, err, cameraFailedMessage)
		return fmt.Errorf("session: enable video: %w", err)
	}

	o.mu.Lock()
	if o.res != res {
		o.mu.Unlock()
		media.Release(vs)
		return ErrSuperseded
	}
	res.extra = append(res.extra, vs)
	res.camera = media.FirstLiveVideo(vs)
	o.videoEnabled = true
	if o.state == StateConnected && res.camera != nil {
		res.sampler.Enable(res.ctx, video.JPEGSource{Snap: res.camera})
	}
	o.mu.Unlock()
	o.publish()
	return nil
}

// ToggleVideo flips the camera state.
func (o *Orchestrator) ToggleVideo(ctx context.Context) error {
	o.mu.Lock()
	enabled := o.videoEnabled
	o.mu.Unlock()
	return o.SetVideo(ctx, !enabled)
}

// SelectDevices persists the microphone and camera choice and, when a stream
// is live, switches to the new devices without dropping the session: the new
// stream is acquired first, the capture graph and sampler are rewired to it,
// and only then is the old stream stopped. On failure the old devices stay in
// use.
func (o *Orchestrator) SelectDevices(ctx context.Context, micID, camID string) (err error) {
	o.mu.Lock()
	p := o.selection
	o.mu.Unlock()
	p.MicrophoneID, p.CameraID = micID, camID
	if err := o.prefs.Save(ctx, p); err != nil {
		slog.Warn("session: persist device selection", "err", err)
	}

	o.mu.Lock()
	o.selection.MicrophoneID, o.selection.CameraID = micID, camID
	res := o.res
	hasStream := res != nil && res.stream != nil
	withVideo := o.videoEnabled
	o.mu.Unlock()
	o.publish()
	if !hasStream {
		return nil
	}

	ctx, span := observe.StartSpan(ctx, "session.switch_devices")
	defer func() { observe.EndSpan(span, err) }()
	began := time.Now()

	ns, err := o.gateway.RequestStream(ctx, media.ConversationConstraints(micID, camID, withVideo))
	if err != nil {
		o.recordDeviceError(ctx, err, switchFailedMessage)
		return fmt.Errorf("session: switch devices: %w", err)
	}

	o.mu.Lock()
	if o.res != res {
		o.mu.Unlock()
		media.Release(ns)
		return ErrSuperseded
	}
	old, oldExtra := res.stream, res.extra
	res.stream, res.extra = ns, nil
	res.camera = media.FirstLiveVideo(ns)
	if o.state == StateConnected {
		if mic := media.FirstAudio(ns); mic != nil {
			res.graph.Rewire(mic)
		}
		if o.videoEnabled && res.camera != nil {
			res.sampler.Enable(res.ctx, video.JPEGSource{Snap: res.camera})
		}
	}
	o.mu.Unlock()

	media.Release(old)
	for _, s := range oldExtra {
		media.Release(s)
	}

	o.metrics.DeviceSwitchDuration.Record(ctx, time.Since(began).Seconds())
	observe.Logger(ctx).Info("session: switched devices", "microphone", micID, "camera", camID)
	o.publish()
	return nil
}

// ListDevices enumerates devices. The cached lists are replaced per side:
// a side that failed to enumerate keeps its previous list, which is returned
// alongside the error.
func (o *Orchestrator) ListDevices(ctx context.Context) (media.Devices, error) {
	d, err := o.gateway.ListDevices(ctx)
	o.mu.Lock()
	defer o.mu.Unlock()
	if !media.ListFailed(err, media.AudioInput) {
		o.devices.AudioInputs = d.AudioInputs
		o.devices.AudioOutputs = d.AudioOutputs
	}
	if !media.ListFailed(err, media.VideoInput) {
		o.devices.VideoInputs = d.VideoInputs
	}
	if err != nil {
		slog.Warn("session: enumerate devices", "err", err)
	}
	return o.devices, err
}

func (o *Orchestrator) recordDeviceError(ctx context.Context, err error, message string) {
	rep := media.Describe(err)
	rep.Message = message
	o.metrics.RecordMediaError(ctx, string(rep.Kind))
	observe.Logger(ctx).Warn("session: device change failed", "kind", rep.Kind, "err", err)
	o.mu.Lock()
	o.lastMediaError = &rep
	o.mu.Unlock()
	o.publish()
}
