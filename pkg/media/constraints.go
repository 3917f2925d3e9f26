package media

// Range is a numeric constraint with an ideal and a minimum value. Zero means
// unconstrained.
type Range struct {
	Ideal int `json:"ideal,omitempty" yaml:"ideal,omitempty"`
	Min   int `json:"min,omitempty" yaml:"min,omitempty"`
}

// AudioConstraints describe the microphone request.
type AudioConstraints struct {
	DeviceID         string `json:"deviceId,omitempty"`
	EchoCancellation bool   `json:"echoCancellation"`
	NoiseSuppression bool   `json:"noiseSuppression"`
	AutoGainControl  bool   `json:"autoGainControl"`
	SampleRate       int    `json:"sampleRate,omitempty"`
	Channels         int    `json:"channels,omitempty"`
}

// VideoConstraints describe the camera request.
type VideoConstraints struct {
	DeviceID  string `json:"deviceId,omitempty"`
	Width     Range  `json:"width"`
	Height    Range  `json:"height"`
	FrameRate Range  `json:"frameRate"`
}

// Constraints is a full acquisition request. Video is nil for audio-only.
type Constraints struct {
	Audio *AudioConstraints `json:"audio,omitempty"`
	Video *VideoConstraints `json:"video,omitempty"`
}

// AudioOnly reports whether no video is requested.
func (c Constraints) AudioOnly() bool { return c.Video == nil }

// DefaultAudio returns the microphone request used for conversations. Echo
// cancellation, noise suppression and auto gain are always requested.
func DefaultAudio(deviceID string) *AudioConstraints {
	return &AudioConstraints{
		DeviceID:         deviceID,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// DefaultVideo returns the camera request used for conversations: ideally
// 1280x720 at 30 fps, at least 640x480 at 15 fps.
func DefaultVideo(deviceID string) *VideoConstraints {
	return &VideoConstraints{
		DeviceID:  deviceID,
		Width:     Range{Ideal: 1280, Min: 640},
		Height:    Range{Ideal: 720, Min: 480},
		FrameRate: Range{Ideal: 30, Min: 15},
	}
}

// ConversationConstraints builds the request for a conversation with the
// selected devices. An empty device id means the platform default.
func ConversationConstraints(audioID, videoID string, video bool) Constraints {
	c := Constraints{Audio: DefaultAudio(audioID)}
	if video {
		c.Video = DefaultVideo(videoID)
	}
	return c
}
