package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session is not active")
	ErrSessionFull      = errors.New("session is full")
	ErrNotJoined        = errors.New("not joined")

	ErrDevice       = errors.New("media device error")
	ErrNoMicrophone = errors.New("no microphone available")
	ErrNoCamera     = errors.New("no camera available")
	ErrNoMedia      = errors.New("no media device could be acquired")

	ErrNegotiation   = errors.New("negotiation error")
	ErrLinkClosed    = errors.New("link closed")
	ErrTransportDown = errors.New("signal transport unavailable")
	ErrRosterWrite   = errors.New("roster write failed")
)

type DeviceCause int

const (
	CauseNotFound DeviceCause = iota
	CausePermissionDenied
	CauseBusy
	CauseOverconstrained
	CauseUnsupported
)

// DeviceError describes why one modality could not be captured.
type DeviceError struct {
	Kind  TrackKind
	Cause DeviceCause
	Err   error
}

func (e *DeviceError) Error() string {
	device := "microphone"
	if e.Kind == TrackVideo {
		device = "camera"
	}
	var msg string
	switch e.Cause {
	case CausePermissionDenied:
		msg = fmt.Sprintf("permission denied: allow %s access and retry", device)
	case CauseBusy:
		msg = fmt.Sprintf("%s is busy in another application: close it and retry", device)
	case CauseOverconstrained:
		msg = fmt.Sprintf("%s cannot satisfy the requested quality: lower it and retry", device)
	case CauseUnsupported:
		msg = fmt.Sprintf("%s source is in an unsupported format", device)
	default:
		msg = fmt.Sprintf("no %s found: plug one in and retry", device)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *DeviceError) Unwrap() error { return e.Err }

func (e *DeviceError) Is(target error) bool {
	switch target {
	case ErrDevice:
		return true
	case ErrNoMicrophone:
		return e.Kind == TrackAudio
	case ErrNoCamera:
		return e.Kind == TrackVideo
	}
	return false
}
