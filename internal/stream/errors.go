package stream

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jmylchreest/abrengine/internal/manifest"
)

// Engine errors.
var (
	// ErrUnknownPeriod is returned by track-selection calls naming a Period
	// the Period Buffer Manager does not know.
	ErrUnknownPeriod = errors.New("unknown period")

	// ErrUnknownAdaptation is returned when a Period has no such Adaptation.
	ErrUnknownAdaptation = errors.New("unknown adaptation")

	// ErrCancelled marks work dropped by a cancellation. It is never surfaced.
	ErrCancelled = errors.New("cancelled")
)

// Kind classifies an Error.
type Kind int

const (
	KindNetwork Kind = iota
	KindOffline
	KindMedia
	KindContract
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindOffline:
		return "offline"
	case KindMedia:
		return "media"
	case KindContract:
		return "contract"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error codes.
const (
	CodeBufferAppend           = "BUFFER_APPEND_ERROR"
	CodeSegmentFetch           = "PIPELINE_LOAD_ERROR"
	CodeSegmentParse           = "PIPELINE_PARSE_ERROR"
	CodeMediaTimeBeforeContent = "MEDIA_TIME_BEFORE_MANIFEST"
	CodeMediaTimeAfterContent  = "MEDIA_TIME_AFTER_MANIFEST"
	CodeBufferTypeDisabled     = "BUFFER_TYPE_DISABLED"
	CodeUnknownTrack           = "UNKNOWN_TRACK"
)

// Error is an engine error attached to a media type.
type Error struct {
	Kind    Kind
	Type    manifest.MediaType
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Type, e.Code, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error.
func NewError(kind Kind, mediaType manifest.MediaType, code, message string, cause error) *Error {
	return &Error{Kind: kind, Type: mediaType, Code: code, Message: message, Cause: cause}
}

// NetworkError describes a failed request.
type NetworkError struct {
	URL     string
	Status  int // 0 when no response was received
	Offline bool
	Timeout bool
	Cause   error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	switch {
	case e.Offline:
		return fmt.Sprintf("request %s: offline: %v", e.URL, e.Cause)
	case e.Timeout:
		return fmt.Sprintf("request %s: timeout", e.URL)
	case e.Status != 0:
		return fmt.Sprintf("request %s: status %d", e.URL, e.Status)
	default:
		return fmt.Sprintf("request %s: %v", e.URL, e.Cause)
	}
}

// Unwrap returns the underlying error.
func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether retrying the same request may succeed.
func (e *NetworkError) Retryable() bool {
	if e.Offline || e.Timeout {
		return true
	}
	switch {
	case e.Status >= http.StatusInternalServerError:
		return true
	case e.Status == http.StatusNotFound,
		e.Status == http.StatusUnsupportedMediaType,
		e.Status == http.StatusTooManyRequests:
		return true
	case e.Status == 0:
		return e.Cause != nil
	default:
		return false
	}
}

// TooEarly reports a live segment requested before it was published.
func (e *NetworkError) TooEarly() bool {
	return e.Status == http.StatusPreconditionFailed
}

// isRetryable reports whether err is a transient network fault.
func isRetryable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr) && netErr.Retryable()
}

// isLiveRecoverable reports whether a live stream may recover from err by
// pulling the live edge back.
func isLiveRecoverable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr) && (netErr.Retryable() || netErr.TooEarly())
}

// isOffline reports whether err was caused by a lost connection.
func isOffline(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr) && netErr.Offline
}
