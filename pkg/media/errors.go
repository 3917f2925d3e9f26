package media

import (
	"errors"
	"fmt"
)

// Kind is the media acquisition failure taxonomy.
type Kind string

const (
	KindPermissionDenied        Kind = "permission-denied"
	KindDeviceNotFound          Kind = "device-not-found"
	KindDeviceBusy              Kind = "device-busy"
	KindConstraintUnsatisfiable Kind = "constraint-unsatisfiable"
	KindAborted                 Kind = "aborted"
	KindSecurityContextInvalid  Kind = "security-context-invalid"
	KindUnknown                 Kind = "unknown"
)

// Platform error names reported by gateways.
const (
	NameNotAllowed             = "NotAllowedError"
	NamePermissionDenied       = "PermissionDeniedError"
	NameNotFound               = "NotFoundError"
	NameDevicesNotFound        = "DevicesNotFoundError"
	NameNotReadable            = "NotReadableError"
	NameTrackStart             = "TrackStartError"
	NameOverconstrained        = "OverconstrainedError"
	NameConstraintNotSatisfied = "ConstraintNotSatisfiedError"
	NameAbort                  = "AbortError"
	NameSecurity               = "SecurityError"
)

var byName = map[string]Kind{
	NameNotAllowed:             KindPermissionDenied,
	NamePermissionDenied:       KindPermissionDenied,
	NameNotFound:               KindDeviceNotFound,
	NameDevicesNotFound:        KindDeviceNotFound,
	NameNotReadable:            KindDeviceBusy,
	NameTrackStart:             KindDeviceBusy,
	NameOverconstrained:        KindConstraintUnsatisfiable,
	NameConstraintNotSatisfied: KindConstraintUnsatisfiable,
	NameAbort:                  KindAborted,
	NameSecurity:               KindSecurityContextInvalid,
}

// KnownNames returns every platform error name with a dedicated kind.
func KnownNames() []string {
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	return names
}

// Classify maps a platform error name to its kind. Unrecognised names map to
// [KindUnknown].
func Classify(name string) Kind {
	if k, ok := byName[name]; ok {
		return k
	}
	return KindUnknown
}

type guidance struct {
	message string
	steps   []string
}

var guide = map[Kind]guidance{
	KindPermissionDenied: {
		message: "Camera and microphone access was denied.",
		steps: []string{
			"Open your system privacy settings for camera and microphone",
			"Allow access for this application",
			"Restart the conversation and try again",
			"Check if another application is using your camera/microphone",
		},
	},
	KindDeviceNotFound: {
		message: "No camera or microphone was found.",
		steps: []string{
			"Make sure your camera and microphone are connected",
			"Check if they work in other applications",
			"Refresh the device list",
			"Restart the application",
		},
	},
	KindDeviceBusy: {
		message: "Camera or microphone is already in use by another application.",
		steps: []string{
			"Close other video conferencing apps (Zoom, Teams, etc.)",
			"Close other applications using camera/microphone",
			"Restart the application",
			"Restart your computer if the issue persists",
		},
	},
	KindConstraintUnsatisfiable: {
		message: "Camera or microphone settings are not supported.",
		steps: []string{
			"Try using different camera/microphone devices",
			"Update ffmpeg to the latest version",
			"Check camera/microphone drivers",
		},
	},
	KindAborted: {
		message: "Media access was interrupted.",
		steps: []string{
			"Try again",
			"Refresh the device list",
			"Check if the device was disconnected",
		},
	},
	KindSecurityContextInvalid: {
		message: "Media access blocked due to security restrictions.",
		steps: []string{
			"Serve the control API over TLS or bind it to a loopback address",
			"Check that the client origin is allowed to reach this host",
			"Restart the application with a secure listen configuration",
		},
	},
	KindUnknown: {
		message: "Unknown media error.",
		steps: []string{
			"Restart the conversation and try again",
			"Try using different devices",
			"Check your internet connection",
			"Update ffmpeg and your audio/video drivers",
		},
	},
}

// Message returns the fixed human-readable summary for k.
func (k Kind) Message() string {
	if g, ok := guide[k]; ok {
		return g.message
	}
	return guide[KindUnknown].message
}

// Remediation returns the ordered troubleshooting checklist for k. The
// returned slice is a copy.
func (k Kind) Remediation() []string {
	g, ok := guide[k]
	if !ok {
		g = guide[KindUnknown]
	}
	return append([]string(nil), g.steps...)
}

// Error is a classified media acquisition failure.
type Error struct {
	// Kind is the taxonomy bucket.
	Kind Kind `json:"type"`

	// Name is the platform error name, e.g. "NotFoundError".
	Name string `json:"name,omitempty"`

	// Detail is the platform's own message, if any.
	Detail string `json:"detail,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// NewError classifies name and wraps cause.
func NewError(name, detail string, cause error) *Error {
	return &Error{Kind: Classify(name), Name: name, Detail: detail, Err: cause}
}

// Error implements error.
func (e *Error) Error() string {
	msg := e.Kind.Message()
	if e.Kind == KindUnknown {
		switch {
		case e.Detail != "":
			msg = "Unknown error: " + e.Detail
		case e.Name != "":
			msg = "Unknown error: " + e.Name
		}
	}
	if e.Err != nil {
		return fmt.Sprintf("media: %s: %v", msg, e.Err)
	}
	return "media: " + msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Report is the presentation form of a media failure.
type Report struct {
	Kind            Kind     `json:"type"`
	Message         string   `json:"message"`
	Troubleshooting []string `json:"troubleshooting"`
}

// Describe converts any error into a [Report]. Errors that are not *Error
// are reported as [KindUnknown] with their text as detail.
func Describe(err error) Report {
	var me *Error
	if !errors.As(err, &me) {
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		me = &Error{Kind: KindUnknown, Detail: detail}
	}
	msg := me.Kind.Message()
	if me.Kind == KindUnknown && (me.Detail != "" || me.Name != "") {
		msg = "Unknown error: " + firstNonEmpty(me.Detail, me.Name)
	}
	return Report{Kind: me.Kind, Message: msg, Troubleshooting: me.Kind.Remediation()}
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}
