package media

import "errors"

// DeviceKind classifies an enumerated device.
type DeviceKind string

const (
	AudioInput  DeviceKind = "audioinput"
	VideoInput  DeviceKind = "videoinput"
	AudioOutput DeviceKind = "audiooutput"
)

// DeviceInfo describes one enumerated device.
type DeviceInfo struct {
	ID      string     `json:"deviceId"`
	Label   string     `json:"label"`
	Kind    DeviceKind `json:"kind"`
	GroupID string     `json:"groupId,omitempty"`
}

// Devices is the result of [Gateway.ListDevices].
type Devices struct {
	AudioInputs  []DeviceInfo `json:"audioInputs"`
	VideoInputs  []DeviceInfo `json:"videoInputs"`
	AudioOutputs []DeviceInfo `json:"audioOutputs,omitempty"`
}

// Empty reports whether no inputs were found.
func (d Devices) Empty() bool {
	return len(d.AudioInputs) == 0 && len(d.VideoInputs) == 0
}

// HasLabels reports whether any device carries a label. Platforms hide labels
// until access was granted, so this doubles as a permission probe.
func (d Devices) HasLabels() bool {
	for _, set := range [][]DeviceInfo{d.AudioInputs, d.VideoInputs, d.AudioOutputs} {
		for _, dev := range set {
			if dev.Label != "" {
				return true
			}
		}
	}
	return false
}

// ListError reports which side of a device enumeration failed. A gateway
// returns it together with the lists that did enumerate.
type ListError struct {
	Audio error
	Video error
}

func (e *ListError) Error() string {
	switch {
	case e.Audio != nil && e.Video != nil:
		return "list devices: audio: " + e.Audio.Error() + "; video: " + e.Video.Error()
	case e.Audio != nil:
		return "list audio devices: " + e.Audio.Error()
	case e.Video != nil:
		return "list video devices: " + e.Video.Error()
	}
	return "list devices: unknown failure"
}

func (e *ListError) Unwrap() []error {
	var errs []error
	for _, err := range []error{e.Audio, e.Video} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// ListFailed reports whether err from [Gateway.ListDevices] means the lists
// of the given kind are unusable. Errors other than [*ListError] fail every
// kind; a nil error fails none.
func ListFailed(err error, kind DeviceKind) bool {
	if err == nil {
		return false
	}
	var le *ListError
	if !errors.As(err, &le) {
		return true
	}
	if kind == VideoInput {
		return le.Video != nil
	}
	return le.Audio != nil
}
