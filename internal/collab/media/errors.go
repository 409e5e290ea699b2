package media

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

type ErrorKind int

const (
	Unknown ErrorKind = iota
	PermissionDenied
	DeviceNotFound
	DeviceBusy
	Unsupported
)

func (k ErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "permission_denied"
	case DeviceNotFound:
		return "device_not_found"
	case DeviceBusy:
		return "device_busy"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrDeviceNotFound   = errors.New("media device not found")
	ErrDeviceBusy       = errors.New("media device busy")
	ErrUnsupported      = errors.New("media capture unsupported")
)

// CaptureError is a failed attempt to acquire a local device.
type CaptureError struct {
	Kind   ErrorKind
	Device Kind
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s capture: %s", e.Device, e.Kind)
	}
	return fmt.Sprintf("%s capture: %s: %v", e.Device, e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

func (e *CaptureError) Is(target error) bool {
	switch target {
	case ErrPermissionDenied:
		return e.Kind == PermissionDenied
	case ErrDeviceNotFound:
		return e.Kind == DeviceNotFound
	case ErrDeviceBusy:
		return e.Kind == DeviceBusy
	case ErrUnsupported:
		return e.Kind == Unsupported
	}
	return false
}

// Classify turns a device error into a CaptureError. Errors that already are
// one are returned as is.
func Classify(device Kind, err error) *CaptureError {
	if err == nil {
		return nil
	}
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce
	}
	kind := Unknown
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, fs.ErrPermission):
		kind = PermissionDenied
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENODEV):
		kind = DeviceNotFound
	case errors.Is(err, ErrDeviceBusy), errors.Is(err, syscall.EBUSY):
		kind = DeviceBusy
	case errors.Is(err, ErrUnsupported), errors.Is(err, errors.ErrUnsupported):
		kind = Unsupported
	}
	return &CaptureError{Kind: kind, Device: device, Err: err}
}

// UserMessage is the actionable text shown for a capture failure.
func UserMessage(err error) string {
	var ce *CaptureError
	if !errors.As(err, &ce) {
		ce = Classify(KindAudio, err)
	}
	dev, what := "Microphone", "microphone"
	if ce.Device == KindVideo {
		dev, what = "Camera", "camera"
	}
	switch ce.Kind {
	case PermissionDenied:
		return fmt.Sprintf("%s access denied. Please allow %s permission and try again.", dev, what)
	case DeviceNotFound:
		return fmt.Sprintf("No %s found. Please connect a %s and try again.", what, what)
	case DeviceBusy:
		return fmt.Sprintf("%s is already in use by another app. Please close other apps using the %s.", dev, what)
	case Unsupported:
		return fmt.Sprintf("This device doesn't support %s capture.", what)
	default:
		return fmt.Sprintf("%s error: %v.", dev, ce.Err)
	}
}
